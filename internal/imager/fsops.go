// Package imager implements the CF-card imager service (spec component
// C8): bounded-root filesystem operations, external-process-driven
// read/write imaging with progress parsing, and media probing.
package imager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileOps is the filesystem dependency the service is built against,
// matching the teacher's FileOps interface shape so it can be faked in
// tests without touching a real disk.
type FileOps interface {
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Rename(oldpath, newpath string) error
	Remove(path string) error
	RemoveAll(path string) error
}

type defaultFileOps struct{}

// NewDefaultFileOps returns a FileOps backed by the real OS filesystem.
func NewDefaultFileOps() FileOps { return defaultFileOps{} }

func (defaultFileOps) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (defaultFileOps) Stat(path string) (os.FileInfo, error)        { return os.Stat(path) }
func (defaultFileOps) ReadDir(path string) ([]os.DirEntry, error)   { return os.ReadDir(path) }
func (defaultFileOps) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }
func (defaultFileOps) Remove(path string) error                     { return os.Remove(path) }
func (defaultFileOps) RemoveAll(path string) error                  { return os.RemoveAll(path) }

// ErrEscapesRoot is returned by resolve when a relative path would traverse
// outside root.
var ErrEscapesRoot = fmt.Errorf("imager: path escapes root directory")

// resolve joins root and rel, rejecting any result outside root. rel is
// cleaned on its own (never against a synthetic "/" root) so a leading run
// of ".." segments survives into the escape check instead of being absorbed
// before the join.
func resolve(root, rel string) (string, error) {
	cleanRel := filepath.Clean(rel)
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanRel) {
		return "", ErrEscapesRoot
	}
	full := filepath.Join(root, cleanRel)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", ErrEscapesRoot
	}
	return absFull, nil
}

// Entry is one listed filesystem entry, per spec.md §3's FS snapshot shape.
type Entry struct {
	Name         string // display name: trailing extension stripped for files
	Kind         string // "file" | "dir"
	SizeBytes    int64
	ModifiedAtISO string
}

// Snapshot is the bounded listing contract from spec.md §4.5/§4.6.
type Snapshot struct {
	RootPath string
	CWD      string
	Entries  []Entry
}

// FSOps performs root-contained filesystem operations for one imager root.
type FSOps struct {
	root              string
	fileOps           FileOps
	maxEntries        int
	visibleExtensions map[string]bool // nil/empty = no filter
}

// NewFSOps constructs an FSOps rooted at root.
func NewFSOps(root string, fileOps FileOps, maxEntries int, visibleExtensions []string) *FSOps {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	var filter map[string]bool
	if len(visibleExtensions) > 0 {
		filter = make(map[string]bool, len(visibleExtensions))
		for _, ext := range visibleExtensions {
			filter[strings.ToLower(ext)] = true
		}
	}
	return &FSOps{root: root, fileOps: fileOps, maxEntries: maxEntries, visibleExtensions: filter}
}

// List returns a bounded, alphabetically sorted (case-insensitive, dirs
// before files on a name tie) snapshot of rel. ".part" files are always
// hidden; display names for files have their trailing extension stripped.
func (f *FSOps) List(rel string) (Snapshot, error) {
	dir, err := resolve(f.root, rel)
	if err != nil {
		return Snapshot{}, err
	}
	dirEntries, err := f.fileOps.ReadDir(dir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("imager: list %q: %w", rel, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		kind := "file"
		if de.IsDir() {
			kind = "dir"
		}
		if kind == "file" && f.visibleExtensions != nil {
			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
			if !f.visibleExtensions[ext] {
				continue
			}
		}
		display := name
		if kind == "file" {
			display = strings.TrimSuffix(name, filepath.Ext(name))
		}
		entries = append(entries, Entry{
			Name:          display,
			Kind:          kind,
			SizeBytes:     info.Size(),
			ModifiedAtISO: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		ni, nj := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if ni == nj {
			return entries[i].Kind == "dir" && entries[j].Kind != "dir"
		}
		return ni < nj
	})
	if len(entries) > f.maxEntries {
		entries = entries[:f.maxEntries]
	}

	cwd := filepath.ToSlash(strings.TrimPrefix(rel, "/"))
	return Snapshot{RootPath: f.root, CWD: cwd, Entries: entries}, nil
}

// Mkdir creates name under rel. Existing directory is a silent no-op.
func (f *FSOps) Mkdir(rel string) error {
	dir, err := resolve(f.root, rel)
	if err != nil {
		return err
	}
	if _, err := f.fileOps.Stat(dir); err == nil {
		return nil
	}
	return f.fileOps.MkdirAll(dir, 0o750)
}

// imageGroupPaths returns the (.img, .part) sibling paths for a logical
// image group rooted at the same containing directory as name.
func imageGroupPaths(dir, base string) (img, part string) {
	return filepath.Join(dir, base+".img"), filepath.Join(dir, base+".part")
}

// Rename renames fromRel to toRel (each resolved under root), handling the
// .img/.part logical image group atomically-in-the-user's-view.
func (f *FSOps) Rename(fromRel, toRel string) error {
	fromDir, err := resolve(f.root, filepath.Dir(fromRel))
	if err != nil {
		return err
	}
	toDir, err := resolve(f.root, filepath.Dir(toRel))
	if err != nil {
		return err
	}
	return f.moveOrRename(fromDir, filepath.Base(fromRel), toDir, filepath.Base(toRel))
}

// Move relocates name into destDirRel, keeping its base name.
func (f *FSOps) Move(nameRel, destDirRel string) error {
	fromDir, err := resolve(f.root, filepath.Dir(nameRel))
	if err != nil {
		return err
	}
	toDir, err := resolve(f.root, destDirRel)
	if err != nil {
		return err
	}
	return f.moveOrRename(fromDir, filepath.Base(nameRel), toDir, filepath.Base(nameRel))
}

func (f *FSOps) moveOrRename(fromDir, fromBase, toDir, toBase string) error {
	fromImg, fromPart := imageGroupPaths(fromDir, fromBase)
	toImg, toPart := imageGroupPaths(toDir, toBase)

	if _, err := f.fileOps.Stat(toImg); err == nil {
		return nil // target exists: never overwrite
	}

	imgExists := false
	if _, err := f.fileOps.Stat(fromImg); err == nil {
		imgExists = true
	}
	if imgExists {
		if err := f.fileOps.Rename(fromImg, toImg); err != nil {
			return fmt.Errorf("imager: rename %s: %w", fromImg, err)
		}
	}
	if _, err := f.fileOps.Stat(fromPart); err == nil {
		_ = f.fileOps.Rename(fromPart, toPart) // best-effort
	}
	if !imgExists {
		// Fall back to a plain file rename for non-image-group entries.
		if _, err := f.fileOps.Stat(filepath.Join(fromDir, fromBase)); err == nil {
			return f.fileOps.Rename(filepath.Join(fromDir, fromBase), filepath.Join(toDir, toBase))
		}
	}
	return nil
}

// Delete removes name. If a .img/.part logical group exists it is deleted
// best-effort; otherwise falls back to a recursive remove.
func (f *FSOps) Delete(rel string) error {
	dir, err := resolve(f.root, filepath.Dir(rel))
	if err != nil {
		return err
	}
	base := filepath.Base(rel)
	img, part := imageGroupPaths(dir, base)

	_, imgErr := f.fileOps.Stat(img)
	_, partErr := f.fileOps.Stat(part)
	if imgErr == nil || partErr == nil {
		if imgErr == nil {
			_ = f.fileOps.Remove(img)
		}
		if partErr == nil {
			_ = f.fileOps.Remove(part)
		}
		return nil
	}

	full, err := resolve(f.root, rel)
	if err != nil {
		return err
	}
	return f.fileOps.RemoveAll(full)
}

// ImagePath resolves and validates <cwd>/<name>.img as an existing regular
// file, for write_image_to_device.
func (f *FSOps) ImagePath(cwdRel, name string) (string, error) {
	p, err := resolve(f.root, filepath.Join(cwdRel, name+".img"))
	if err != nil {
		return "", err
	}
	info, err := f.fileOps.Stat(p)
	if err != nil {
		return "", fmt.Errorf("imager: %s.img not found: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("imager: %s.img is a directory", name)
	}
	return p, nil
}

// SafeDestName validates name has no path separators and isn't "." or "..",
// for read_device_to_image.
func SafeDestName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("imager: unsafe destination name %q", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("imager: destination name %q must not contain separators", name)
	}
	return nil
}

// DestImagePath resolves <destDir>/<name>.img for read_device_to_image.
func (f *FSOps) DestImagePath(destDirRel, name string) (string, error) {
	if err := SafeDestName(name); err != nil {
		return "", err
	}
	return resolve(f.root, filepath.Join(destDirRel, name+".img"))
}
