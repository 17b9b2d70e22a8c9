// Package layouts implements the layout profile store (spec component
// C14): plain JSON file storage for named keyboard/panel layout profiles,
// per spec.md §6.4 ("plain file-backed storage", explicitly not a
// database).
package layouts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"
)

// Profile is one named layout.
type Profile struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Layout    json.RawMessage `json:"layout"`
}

// Store is the on-disk shape: a default profile id plus every profile,
// serialized whole on every write.
type Store struct {
	DefaultID string    `json:"defaultId"`
	Items     []Profile `json:"items"`
}

// ImportMode reports which of the three accepted import payload shapes
// was used, echoed back in ImportResult.
type ImportMode string

const (
	ImportModeStore   ImportMode = "store"
	ImportModeProfile ImportMode = "profile"
	ImportModeWrapper ImportMode = "wrapper"
)

// ImportResult is returned by Import.
type ImportResult struct {
	Mode      ImportMode `json:"mode"`
	Created   []string   `json:"created"`
	DefaultID string     `json:"defaultId"`
}

// wrapperPayload is import shape (c): {name?, layout}.
type wrapperPayload struct {
	Name   string          `json:"name"`
	Layout json.RawMessage `json:"layout"`
}

// Manager guards a single layouts.json file under an app base directory,
// read-modify-written under an in-process mutex. The CLI's layout
// subcommands write the file directly; there is no cross-process file lock.
type Manager struct {
	path string
	mu   sync.Mutex

	nameGen namegenerator.Generator
}

// NewManager returns a Manager for the layouts.json file under appBaseDir.
func NewManager(appBaseDir string) *Manager {
	return &Manager{
		path:    filepath.Join(appBaseDir, "layouts.json"),
		nameGen: namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()),
	}
}

func (m *Manager) load() (Store, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Store{}, nil
	}
	if err != nil {
		return Store{}, fmt.Errorf("layouts: read %s: %w", m.path, err)
	}
	var s Store
	if err := json.Unmarshal(raw, &s); err != nil {
		return Store{}, fmt.Errorf("layouts: parse %s: %w", m.path, err)
	}
	return s, nil
}

// save writes s atomically: marshal to a sibling temp file, then rename
// over the target, so a crash mid-write never leaves a truncated
// layouts.json.
func (m *Manager) save(s Store) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("layouts: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".layouts-*.tmp")
	if err != nil {
		return fmt.Errorf("layouts: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("layouts: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("layouts: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("layouts: rename temp file: %w", err)
	}
	return nil
}

// List returns the current store.
func (m *Manager) List() (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// Get returns one profile by id.
func (m *Manager) Get(id string) (Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load()
	if err != nil {
		return Profile{}, false, err
	}
	for _, p := range s.Items {
		if p.ID == id {
			return p, true, nil
		}
	}
	return Profile{}, false, nil
}

// Create adds a new profile with a generated id, returning it.
func (m *Manager) Create(name string, layout json.RawMessage) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load()
	if err != nil {
		return Profile{}, err
	}
	now := time.Now().UTC()
	p := Profile{ID: m.nameGen.Generate(), Name: name, CreatedAt: now, UpdatedAt: now, Layout: layout}
	s.Items = append(s.Items, p)
	if s.DefaultID == "" {
		s.DefaultID = p.ID
	}
	if err := m.save(s); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Update replaces name/layout for an existing profile.
func (m *Manager) Update(id, name string, layout json.RawMessage) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load()
	if err != nil {
		return Profile{}, err
	}
	for i := range s.Items {
		if s.Items[i].ID == id {
			if name != "" {
				s.Items[i].Name = name
			}
			if layout != nil {
				s.Items[i].Layout = layout
			}
			s.Items[i].UpdatedAt = time.Now().UTC()
			if err := m.save(s); err != nil {
				return Profile{}, err
			}
			return s.Items[i], nil
		}
	}
	return Profile{}, fmt.Errorf("layouts: profile %q not found", id)
}

// Delete removes a profile. Deleting the default profile clears DefaultID
// unless another profile remains, in which case the first remaining
// profile becomes the new default.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load()
	if err != nil {
		return err
	}
	idx := -1
	for i, p := range s.Items {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("layouts: profile %q not found", id)
	}
	s.Items = append(s.Items[:idx], s.Items[idx+1:]...)
	if s.DefaultID == id {
		s.DefaultID = ""
		if len(s.Items) > 0 {
			s.DefaultID = s.Items[0].ID
		}
	}
	return m.save(s)
}

// Export returns one profile's JSON bytes for a Content-Disposition
// attachment response.
func (m *Manager) Export(id string) ([]byte, error) {
	p, ok, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("layouts: profile %q not found", id)
	}
	return json.MarshalIndent(p, "", "  ")
}

// Import accepts any of the three payload shapes documented in spec.md
// §6.4: (a) a full Store ({defaultId,items}), (b) a single Profile with a
// stable id, or (c) a {name?,layout} wrapper that is normalized into a new
// profile. Shapes (a)/(b) preserve unknown/extra fields on each profile's
// Layout (json.RawMessage passes them through verbatim); the wrapper form
// has no such fields to preserve.
func Import(m *Manager, raw []byte) (ImportResult, error) {
	var store Store
	if err := json.Unmarshal(raw, &store); err == nil && len(store.Items) > 0 {
		return m.importStore(store)
	}

	var profile Profile
	if err := json.Unmarshal(raw, &profile); err == nil && profile.ID != "" {
		return m.importProfile(profile)
	}

	var wrapper wrapperPayload
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ImportResult{}, fmt.Errorf("layouts: unrecognized import payload: %w", err)
	}
	if wrapper.Layout == nil {
		return ImportResult{}, fmt.Errorf("layouts: import payload missing layout")
	}
	p, err := m.Create(wrapper.Name, wrapper.Layout)
	if err != nil {
		return ImportResult{}, err
	}
	return ImportResult{Mode: ImportModeWrapper, Created: []string{p.ID}, DefaultID: p.ID}, nil
}

func (m *Manager) importStore(incoming Store) (ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.save(incoming); err != nil {
		return ImportResult{}, err
	}
	ids := make([]string, 0, len(incoming.Items))
	for _, p := range incoming.Items {
		ids = append(ids, p.ID)
	}
	return ImportResult{Mode: ImportModeStore, Created: ids, DefaultID: incoming.DefaultID}, nil
}

func (m *Manager) importProfile(incoming Profile) (ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load()
	if err != nil {
		return ImportResult{}, err
	}
	replaced := false
	for i, p := range s.Items {
		if p.ID == incoming.ID {
			s.Items[i] = incoming
			replaced = true
			break
		}
	}
	if !replaced {
		s.Items = append(s.Items, incoming)
	}
	if s.DefaultID == "" {
		s.DefaultID = incoming.ID
	}
	if err := m.save(s); err != nil {
		return ImportResult{}, err
	}
	return ImportResult{Mode: ImportModeProfile, Created: []string{incoming.ID}, DefaultID: s.DefaultID}, nil
}
