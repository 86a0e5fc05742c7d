package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric/noop"

	"audio-framer/pkg/codec"
	"audio-framer/pkg/config"
	"audio-framer/pkg/models"
	"audio-framer/pkg/observe"
	"audio-framer/pkg/pipeline"
	"audio-framer/pkg/storage"
)

func newTestServer(t *testing.T, withArchive bool) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var archive storage.FrameArchive
	if withArchive {
		archive, err = storage.NewInMemoryDiskStore(0)
		if err != nil {
			t.Fatalf("NewInMemoryDiskStore: %v", err)
		}
		t.Cleanup(func() { _ = archive.Close() })
	}

	store := storage.NewMemoryStore()
	m := pipeline.NewManager(config.PipelineConfig{
		BlockQueueSize:      64,
		FrameQueueSize:      32,
		SubscriberQueueSize: 64,
		ArchiveWorkers:      2,
		ArchiveQueueSize:    100,
		MaxSessions:         8,
		FrameDurationMs:     50,
		DefaultBlockSize:    128,
	}, store, archive, met, log)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)

	r := mux.NewRouter()
	r.Use(observe.Middleware(met, log))
	NewHandlers(m, store, archive).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doJSON(t *testing.T, method, url string, in, out any) int {
	t.Helper()
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			t.Fatalf("Marshal: %v", err)
		}
	}
	resp := do(t, method, url, "application/json", body)
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func createSession(t *testing.T, base string, params models.SessionParams) models.SessionInfo {
	t.Helper()
	var info models.SessionInfo
	if code := doJSON(t, http.MethodPost, base+"/sessions", params, &info); code != http.StatusCreated {
		t.Fatalf("create session: status %d", code)
	}
	return info
}

type frameList struct {
	Frames []models.Frame `json:"frames"`
	Count  int            `json:"count"`
}

func waitForFrames(t *testing.T, url string, want int) frameList {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var list frameList
		if code := doJSON(t, http.MethodGet, url, nil, &list); code != http.StatusOK {
			t.Fatalf("list frames: status %d", code)
		}
		if list.Count >= want {
			return list
		}
		if time.Now().After(deadline) {
			t.Fatalf("archived %d frames, want %d", list.Count, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, false)
	if code := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil); code != http.StatusOK {
		t.Errorf("status %d", code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, true)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 48000, Channels: 2})
	if info.FrameDurationMs != 50 || info.FrameSizeSamples != 800 || info.TargetSampleRateHz != 16000 {
		t.Errorf("unexpected session info: %+v", info)
	}
	sessionURL := srv.URL + "/sessions/" + info.ID

	var got struct {
		models.SessionInfo
		Stats *models.SessionStats `json:"stats"`
	}
	if code := doJSON(t, http.MethodGet, sessionURL, nil, &got); code != http.StatusOK {
		t.Fatalf("get session: status %d", code)
	}
	if got.ID != info.ID || got.Stats == nil {
		t.Errorf("get session: %+v", got)
	}

	var list struct {
		Count int `json:"count"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/sessions", nil, &list)
	if list.Count != 1 {
		t.Errorf("listed %d sessions, want 1", list.Count)
	}

	if code := doJSON(t, http.MethodPut, sessionURL+"/config", models.ConfigUpdate{FrameDurationMs: 0}, nil); code != http.StatusBadRequest {
		t.Errorf("invalid config: status %d", code)
	}
	var updated models.SessionInfo
	if code := doJSON(t, http.MethodPut, sessionURL+"/config", models.ConfigUpdate{FrameDurationMs: 20}, &updated); code != http.StatusOK {
		t.Fatalf("config: status %d", code)
	}
	if updated.FrameDurationMs != 20 || updated.FrameSizeSamples != 320 {
		t.Errorf("config not applied: %+v", updated)
	}

	var closed models.SessionInfo
	if code := doJSON(t, http.MethodPost, sessionURL+"/close", nil, &closed); code != http.StatusOK {
		t.Fatalf("close: status %d", code)
	}
	if closed.Status != models.StatusClosed {
		t.Errorf("status after close %q", closed.Status)
	}
	block := map[string]any{"channels": [][]float32{make([]float32, 480), make([]float32, 480)}}
	if code := doJSON(t, http.MethodPost, sessionURL+"/blocks", block, nil); code != http.StatusNotFound {
		t.Errorf("submit to closed session: status %d", code)
	}

	if code := doJSON(t, http.MethodDelete, sessionURL, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete: status %d", code)
	}
	if code := doJSON(t, http.MethodGet, sessionURL, nil, nil); code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", code)
	}
}

func TestCreateSession_Invalid(t *testing.T) {
	srv := newTestServer(t, false)
	cases := []any{
		models.SessionParams{InputSampleRateHz: 0, Channels: 1},
		models.SessionParams{InputSampleRateHz: 48000, Channels: 0},
		models.SessionParams{InputSampleRateHz: 1, Channels: 1},
		models.SessionParams{InputSampleRateHz: 1<<32 + 48000, Channels: 1},
		map[string]any{"input_sample_rate_hz": 48000, "channels": 1, "bogus": true},
	}
	for _, c := range cases {
		if code := doJSON(t, http.MethodPost, srv.URL+"/sessions", c, nil); code != http.StatusBadRequest {
			t.Errorf("create %+v: status %d, want 400", c, code)
		}
	}
}

func TestSubmitBlocksAndExport(t *testing.T) {
	srv := newTestServer(t, true)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 16000, Channels: 1, FrameDurationMs: 10})
	sessionURL := srv.URL + "/sessions/" + info.ID

	tone := make([]float32, 160)
	for i := range tone {
		tone[i] = 0.5
	}
	for range 2 {
		body := map[string]any{"channels": [][]float32{tone}}
		if code := doJSON(t, http.MethodPost, sessionURL+"/blocks", body, nil); code != http.StatusAccepted {
			t.Fatalf("submit json block: status %d", code)
		}
	}
	resp := do(t, http.MethodPost, sessionURL+"/blocks", "application/octet-stream",
		codec.EncodePlanarFloat32(models.Block{tone}))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit binary block: status %d", resp.StatusCode)
	}

	list := waitForFrames(t, sessionURL+"/frames", 3)
	for i, f := range list.Frames {
		if f.Sequence != uint64(i) || len(f.PCM) != 160 {
			t.Errorf("frame %d: sequence %d, %d samples", i, f.Sequence, len(f.PCM))
		}
	}

	page := waitForFrames(t, sessionURL+"/frames?from=1&limit=1", 1)
	if page.Count != 1 || page.Frames[0].Sequence != 1 {
		t.Errorf("paged list: %+v", page)
	}

	var one models.Frame
	if code := doJSON(t, http.MethodGet, sessionURL+"/frames/2", nil, &one); code != http.StatusOK {
		t.Fatalf("get frame: status %d", code)
	}
	if one.Sequence != 2 {
		t.Errorf("got frame %d, want 2", one.Sequence)
	}
	if code := doJSON(t, http.MethodGet, sessionURL+"/frames/99", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing frame: status %d", code)
	}

	wav := do(t, http.MethodGet, sessionURL+"/audio.wav", "", nil)
	if wav.StatusCode != http.StatusOK {
		t.Fatalf("wav export: status %d", wav.StatusCode)
	}
	data, _ := io.ReadAll(wav.Body)
	if want := codec.WAVHeaderSize + 3*160*2; len(data) != want {
		t.Errorf("wav is %d bytes, want %d", len(data), want)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Error("wav export missing RIFF header")
	}
}

func TestSubmitBlock_Errors(t *testing.T) {
	srv := newTestServer(t, false)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 48000, Channels: 2})
	blocksURL := fmt.Sprintf("%s/sessions/%s/blocks", srv.URL, info.ID)

	mono := map[string]any{"channels": [][]float32{make([]float32, 480)}}
	if code := doJSON(t, http.MethodPost, blocksURL, mono, nil); code != http.StatusBadRequest {
		t.Errorf("channel mismatch: status %d", code)
	}
	if resp := do(t, http.MethodPost, blocksURL, "application/json", []byte("{")); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed json: status %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, blocksURL, "application/octet-stream", []byte{1, 2, 3}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed binary block: status %d", resp.StatusCode)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/sessions/missing/blocks", mono, nil); code != http.StatusNotFound {
		t.Errorf("unknown session: status %d", code)
	}
}

func TestFrames_ArchiveDisabled(t *testing.T) {
	srv := newTestServer(t, false)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 16000, Channels: 1})
	for _, path := range []string{"/frames", "/frames/0", "/audio.wav"} {
		if code := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+info.ID+path, nil, nil); code != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, code)
		}
	}
}
