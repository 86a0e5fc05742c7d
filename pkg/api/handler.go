package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"audio-framer/pkg/codec"
	"audio-framer/pkg/framer"
	"audio-framer/pkg/logger"
	"audio-framer/pkg/models"
	"audio-framer/pkg/pipeline"
	"audio-framer/pkg/storage"
)

const (
	maxBodyBytes      = 8 << 20
	defaultFrameLimit = 50
	maxFrameLimit     = 1000
	// wavFrameLimit caps an export at roughly an hour of 50 ms frames.
	wavFrameLimit = 72000
)

var errArchiveDisabled = errors.New("frame archive is disabled")

type Handlers struct {
	pipeline *pipeline.Manager
	store    storage.SessionStore
	archive  storage.FrameArchive
}

// NewHandlers builds the HTTP handlers. archive may be nil when archiving is
// disabled; the frame endpoints then answer 404. Handlers log through the
// request context's logger.
func NewHandlers(p *pipeline.Manager, store storage.SessionStore, archive storage.FrameArchive) *Handlers {
	return &Handlers{
		pipeline: p,
		store:    store,
		archive:  archive,
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions", h.CreateSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.ListSessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.GetSessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.DeleteSessionHandler).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/close", h.CloseSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/config", h.ConfigHandler).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/blocks", h.SubmitBlockHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/frames", h.ListFramesHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/frames/{seq:[0-9]+}", h.GetFrameHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/audio.wav", h.WAVHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/stream", h.WebSocketHandler)
}

type sessionResponse struct {
	*models.SessionInfo
	Stats *models.SessionStats `json:"stats,omitempty"`
}

type blockRequest struct {
	Channels [][]float32 `json:"channels"`
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var params models.SessionParams
	if err := decodeJSON(r, &params); err != nil {
		http.Error(w, "invalid session parameters: "+err.Error(), http.StatusBadRequest)
		return
	}

	info, err := h.pipeline.CreateSession(params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handlers) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := h.store.GetSession(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := sessionResponse{SessionInfo: info}
	if st, err := h.pipeline.Stats(id); err == nil {
		resp.Stats = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) CloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.pipeline.CloseSession(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := h.store.GetSession(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.DeleteSession(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	var update models.ConfigUpdate
	if err := decodeJSON(r, &update); err != nil {
		http.Error(w, "invalid config update: "+err.Error(), http.StatusBadRequest)
		return
	}

	info, err := h.pipeline.Reconfigure(mux.Vars(r)["id"], update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// SubmitBlockHandler accepts either a JSON {"channels": [[...], ...]} body
// or, with Content-Type application/octet-stream, channel-major float32
// little-endian samples.
func (h *Handlers) SubmitBlockHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var block models.Block
	if r.Header.Get("Content-Type") == "application/octet-stream" {
		info, err := h.store.GetSession(id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read audio block", http.StatusBadRequest)
			return
		}
		if block, err = codec.DecodePlanarFloat32(body, info.Channels); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		var req blockRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid audio block: "+err.Error(), http.StatusBadRequest)
			return
		}
		block = req.Channels
	}

	if err := h.pipeline.SubmitBlock(id, block); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"samples":    block.Len(),
		"status":     "queued",
	})
}

func (h *Handlers) GetFrameHandler(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, r, errArchiveDisabled)
		return
	}
	vars := mux.Vars(r)
	seq, err := strconv.ParseUint(vars["seq"], 10, 64)
	if err != nil {
		http.Error(w, "invalid sequence", http.StatusBadRequest)
		return
	}

	frame, err := h.archive.GetFrame(vars["id"], seq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (h *Handlers) ListFramesHandler(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, r, errArchiveDisabled)
		return
	}
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	var from uint64
	if s := q.Get("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = v
	}
	limit := defaultFrameLimit
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = min(v, maxFrameLimit)
		}
	}

	frames, err := h.archive.ListFrames(id, from, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if frames == nil {
		frames = []models.Frame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"frames":     frames,
		"count":      len(frames),
	})
}

// WAVHandler exports the session's archived frames as one 16 kHz mono WAV.
func (h *Handlers) WAVHandler(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, r, errArchiveDisabled)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetSession(id); err != nil {
		h.writeError(w, r, err)
		return
	}

	frames, err := h.archive.ListFrames(id, 0, wavFrameLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var samples []int16
	for _, f := range frames {
		samples = append(samples, f.PCM...)
	}

	var buf bytes.Buffer
	if err := codec.WriteWAV(&buf, samples, framer.TargetSampleRateHz); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		logger.FromContext(r.Context()).Warn("failed to write wav export", "session_id", id, "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrFrameNotFound),
		errors.Is(err, errArchiveDisabled):
		return http.StatusNotFound
	case errors.Is(err, framer.ErrInvalidFrameDuration),
		errors.Is(err, pipeline.ErrInvalidParams),
		errors.Is(err, pipeline.ErrChannelMismatch),
		errors.Is(err, codec.ErrMalformedBlock):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, pipeline.ErrQueueFull),
		errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "error", err)
		http.Error(w, "Internal server error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
