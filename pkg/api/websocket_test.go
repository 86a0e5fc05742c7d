package api

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"audio-framer/pkg/codec"
	"audio-framer/pkg/models"
)

type streamMessage struct {
	Type     string              `json:"type"`
	Sequence uint64              `json:"sequence"`
	PCM      []int16             `json:"pcm"`
	Session  *models.SessionInfo `json:"session"`
	Error    string              `json:"error"`
}

func dialStream(t *testing.T, baseURL, id, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/sessions/" + id + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads text messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) streamMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocket_StreamsFrames(t *testing.T) {
	srv := newTestServer(t, false)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 16000, Channels: 1, FrameDurationMs: 10})
	conn := dialStream(t, srv.URL, info.ID, "")

	if err := conn.WriteJSON(WebSocketMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readUntil(t, conn, "pong")

	block := codec.EncodePlanarFloat32(models.Block{make([]float32, 160)})
	for range 2 {
		if err := conn.WriteMessage(websocket.BinaryMessage, block); err != nil {
			t.Fatalf("write block: %v", err)
		}
	}
	for want := range uint64(2) {
		f := readUntil(t, conn, "frame")
		if f.Sequence != want || len(f.PCM) != 160 {
			t.Errorf("frame: sequence %d (want %d), %d samples", f.Sequence, want, len(f.PCM))
		}
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "config", FrameDurationMs: -1}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if msg := readUntil(t, conn, "error"); msg.Error == "" {
		t.Error("error message without text")
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "config", FrameDurationMs: 20}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	applied := readUntil(t, conn, "config_applied")
	if applied.Session == nil || applied.Session.FrameSizeSamples != 320 {
		t.Fatalf("config_applied: %+v", applied.Session)
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "audio_block", Channels: [][]float32{make([]float32, 320)}}); err != nil {
		t.Fatalf("write audio_block: %v", err)
	}
	if f := readUntil(t, conn, "frame"); f.Sequence != 2 || len(f.PCM) != 320 {
		t.Errorf("post-reconfigure frame: sequence %d, %d samples", f.Sequence, len(f.PCM))
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
			t.Errorf("stream ended with %v, want normal closure", err)
		}
		break
	}
}

func TestWebSocket_BinaryFrames(t *testing.T) {
	srv := newTestServer(t, false)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 32000, Channels: 2, FrameDurationMs: 10})
	conn := dialStream(t, srv.URL, info.ID, "?format=binary")

	block := models.Block{make([]float32, 320), make([]float32, 320)}
	if err := conn.WriteMessage(websocket.BinaryMessage, codec.EncodePlanarFloat32(block)); err != nil {
		t.Fatalf("write block: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message kind %d, want binary", kind)
	}
	f, err := codec.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Sequence != 0 || len(f.PCM) != 160 {
		t.Errorf("frame: sequence %d, %d samples", f.Sequence, len(f.PCM))
	}
}

func TestWebSocket_RejectsBadInput(t *testing.T) {
	srv := newTestServer(t, false)
	info := createSession(t, srv.URL, models.SessionParams{InputSampleRateHz: 48000, Channels: 2})
	conn := dialStream(t, srv.URL, info.ID, "")

	inputs := []struct {
		kind int
		data []byte
	}{
		{websocket.TextMessage, []byte("not json")},
		{websocket.TextMessage, []byte(`{"type":"dance"}`)},
		{websocket.TextMessage, []byte(`{"type":"audio_block","channels":[[0,0,0]]}`)},
		{websocket.BinaryMessage, []byte{1, 2, 3}},
	}
	for _, in := range inputs {
		if err := conn.WriteMessage(in.kind, in.data); err != nil {
			t.Fatalf("write: %v", err)
		}
		if msg := readUntil(t, conn, "error"); msg.Error == "" {
			t.Errorf("input %q: empty error", in.data)
		}
	}
}

func TestWebSocket_UnknownSession(t *testing.T) {
	srv := newTestServer(t, false)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/missing/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial to unknown session succeeded")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("response %v, want 404", resp)
	}
}
