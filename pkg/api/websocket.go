package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"audio-framer/pkg/codec"
	"audio-framer/pkg/logger"
	"audio-framer/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	controlBacklog = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketMessage is a control or data message on the stream endpoint.
type WebSocketMessage struct {
	Type            string              `json:"type"`
	Channels        [][]float32         `json:"channels,omitempty"`
	FrameDurationMs int                 `json:"frame_duration_ms,omitempty"`
	Session         *models.SessionInfo `json:"session,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// frameMessage is sent for every frame when the client asked for JSON output.
type frameMessage struct {
	Type        string  `json:"type"`
	Sequence    uint64  `json:"sequence"`
	TimestampMs float64 `json:"timestamp"`
	PCM         []int16 `json:"pcm"`
}

// WebSocketHandler streams a session. Inbound binary messages are
// channel-major float32 blocks; inbound text messages are WebSocketMessage
// values of type audio_block, config, ping or stop. Frames go out as JSON, or
// as encoded binary frames when the query has format=binary.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := h.store.GetSession(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	frames, unsubscribe, err := h.pipeline.Subscribe(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	log := logger.FromContext(r.Context()).With("session_id", id)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log.Info("stream connected", "remote", r.RemoteAddr)

	control := make(chan WebSocketMessage, controlBacklog)
	done := make(chan struct{})
	binary := r.URL.Query().Get("format") == "binary"

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(conn, frames, control, done, binary)
	}()
	defer func() {
		close(done)
		wg.Wait()
		log.Info("stream disconnected")
	}()

	reply := func(msg WebSocketMessage) {
		select {
		case control <- msg:
		default:
			log.Warn("stream control backlog full", "type", msg.Type)
		}
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if kind == websocket.BinaryMessage {
			block, err := codec.DecodePlanarFloat32(data, info.Channels)
			if err == nil {
				err = h.pipeline.SubmitBlock(id, block)
			}
			if err != nil {
				reply(WebSocketMessage{Type: "error", Error: err.Error()})
			}
			continue
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(WebSocketMessage{Type: "error", Error: "Invalid message format"})
			continue
		}

		switch msg.Type {
		case "audio_block":
			if err := h.pipeline.SubmitBlock(id, msg.Channels); err != nil {
				reply(WebSocketMessage{Type: "error", Error: err.Error()})
			}
		case "config":
			updated, err := h.pipeline.Reconfigure(id, models.ConfigUpdate{FrameDurationMs: msg.FrameDurationMs})
			if err != nil {
				reply(WebSocketMessage{Type: "error", Error: err.Error()})
				continue
			}
			reply(WebSocketMessage{Type: "config_applied", Session: updated})
		case "stop":
			if err := h.pipeline.CloseSession(id); err != nil {
				reply(WebSocketMessage{Type: "error", Error: err.Error()})
			}
		case "ping":
			reply(WebSocketMessage{Type: "pong"})
		default:
			reply(WebSocketMessage{Type: "error", Error: "Unknown message type"})
		}
	}
}

// writeLoop owns every write on conn. It sends a close message once the
// frame subscription ends, which happens when the session closes.
func (h *Handlers) writeLoop(conn *websocket.Conn, frames <-chan models.Frame,
	control <-chan WebSocketMessage, done <-chan struct{}, binary bool) {
	for {
		select {
		case <-done:
			return
		case msg := <-control:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case f, ok := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				conn.Close()
				return
			}
			var err error
			if binary {
				err = conn.WriteMessage(websocket.BinaryMessage, codec.EncodeFrame(f))
			} else {
				err = conn.WriteJSON(frameMessage{
					Type:        "frame",
					Sequence:    f.Sequence,
					TimestampMs: f.TimestampMs,
					PCM:         f.PCM,
				})
			}
			if err != nil {
				return
			}
		}
	}
}
