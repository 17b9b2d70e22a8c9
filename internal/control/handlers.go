package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/astigmatism/benchd/internal/keyboard"
	"github.com/astigmatism/benchd/internal/scancode"
	"github.com/astigmatism/benchd/internal/statefabric"
	"github.com/astigmatism/benchd/version"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/keys", s.handleKeys)
	mux.HandleFunc("/power", s.handlePower)
	mux.HandleFunc("/ops/cancel", s.handleOpsCancel)
	mux.HandleFunc("/image/list", s.handleImageList)
	mux.HandleFunc("/image/mkdir", s.handleImageMkdir)
	mux.HandleFunc("/image/rename", s.handleImageRename)
	mux.HandleFunc("/image/move", s.handleImageMove)
	mux.HandleFunc("/image/delete", s.handleImageDelete)
	mux.HandleFunc("/image/read", s.handleImageRead)
	mux.HandleFunc("/image/write", s.handleImageWrite)
	mux.HandleFunc("/state/snapshot", s.handleStateSnapshot)
	mux.HandleFunc("/state/stream", s.handleStateStream)
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "pong"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, version.Get())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Shutdown(r.Context())
	}()
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.backend.Devices(r.Context())
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

type keysRequest struct {
	DeviceID    string          `json:"device_id"`
	Code        string          `json:"code,omitempty"` // wire form, e.g. "00:1c" — see scancode.Parse
	Key         string          `json:"key,omitempty"`
	Action      keyboard.Action `json:"action"`
	RequestedBy string          `json:"requested_by,omitempty"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req keysRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		writeJSONError(w, fmt.Errorf("missing device_id"), http.StatusBadRequest)
		return
	}
	ev := keyboard.KeyEvent{Key: req.Key, Action: req.Action, RequestedBy: req.RequestedBy}
	if req.Code != "" {
		code, err := scancode.Parse(req.Code)
		if err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
		ev.Code = &code
	}
	handle, err := s.backend.PressKey(r.Context(), req.DeviceID, ev)
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"op_id": handle.ID})
}

type powerRequest struct {
	On bool `json:"on"`
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req powerRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.backend.SetHostPower(r.Context(), req.On); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type opsCancelRequest struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleOpsCancel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req opsCancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	n := s.backend.CancelOps(r.Context(), req.DeviceID, req.Reason)
	writeJSON(w, map[string]int{"cancelled": n})
}

type imagePathRequest struct {
	DeviceID string `json:"device_id"`
	Rel      string `json:"rel"`
}

func (s *Server) handleImageList(w http.ResponseWriter, r *http.Request) {
	deviceID, rel := r.URL.Query().Get("device_id"), r.URL.Query().Get("rel")
	if deviceID == "" {
		writeJSONError(w, fmt.Errorf("missing device_id"), http.StatusBadRequest)
		return
	}
	snap, err := s.backend.ImageList(r.Context(), deviceID, rel)
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleImageMkdir(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req imagePathRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.backend.ImageMkdir(r.Context(), req.DeviceID, req.Rel); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type imageRenameRequest struct {
	DeviceID string `json:"device_id"`
	FromRel  string `json:"from_rel"`
	ToRel    string `json:"to_rel"`
}

func (s *Server) handleImageRename(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req imageRenameRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.backend.ImageRename(r.Context(), req.DeviceID, req.FromRel, req.ToRel); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type imageMoveRequest struct {
	DeviceID   string `json:"device_id"`
	NameRel    string `json:"name_rel"`
	DestDirRel string `json:"dest_dir_rel"`
}

func (s *Server) handleImageMove(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req imageMoveRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.backend.ImageMove(r.Context(), req.DeviceID, req.NameRel, req.DestDirRel); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleImageDelete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req imagePathRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.backend.ImageDelete(r.Context(), req.DeviceID, req.Rel); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type imageReadRequest struct {
	DeviceID   string `json:"device_id"`
	DevicePath string `json:"device_path"`
	DestDir    string `json:"dest_dir"`
	DestName   string `json:"dest_name"`
}

func (s *Server) handleImageRead(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req imageReadRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	handle, err := s.backend.ImageRead(r.Context(), req.DeviceID, req.DevicePath, req.DestDir, req.DestName)
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"op_id": handle.ID})
}

type imageWriteRequest struct {
	DeviceID   string `json:"device_id"`
	CWD        string `json:"cwd"`
	ImageName  string `json:"image_name"`
	DevicePath string `json:"device_path"`
}

func (s *Server) handleImageWrite(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req imageWriteRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	handle, err := s.backend.ImageWrite(r.Context(), req.DeviceID, req.CWD, req.ImageName, req.DevicePath)
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"op_id": handle.ID})
}

func (s *Server) handleStateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.StateSnapshot(r.Context())
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

// patchBatch is one line of the /state/stream response body.
type patchBatch struct {
	From  uint64               `json:"from"`
	To    uint64                `json:"to"`
	Patch []statefabric.Patch  `json:"patch"`
}

// handleStateStream streams chunked newline-delimited JSON patch batches
// as the state fabric mutates, for as long as the client keeps the
// connection open — the in-process analogue of the spec's browser-facing
// WebSocket patch stream.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	done := r.Context().Done()
	ch := make(chan patchBatch, 64)

	s.backend.SubscribeState(func(from, to uint64, patch []statefabric.Patch) {
		select {
		case ch <- patchBatch{From: from, To: to, Patch: patch}:
		default:
			// Slow reader: drop the batch rather than block fabric writers.
		}
	}, true)

	for {
		select {
		case <-done:
			return
		case batch := <-ch:
			if err := enc.Encode(batch); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
