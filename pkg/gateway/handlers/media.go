package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/callgate/pkg/gateway/bridge"
	"github.com/vango-go/callgate/pkg/gateway/config"
	"github.com/vango-go/callgate/pkg/gateway/lifecycle"
	"github.com/vango-go/callgate/pkg/gateway/mw"
	"github.com/vango-go/callgate/pkg/gateway/telephony"
)

// MediaHandler terminates the provider's bidirectional media stream
// WebSocket and feeds decoded frames into the call session.
type MediaHandler struct {
	Config    config.Config
	Registry  *bridge.Registry
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if h.Config.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.Config.MaxFrameBytes)
	}

	var session *bridge.Session
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if session != nil {
				session.Teardown("media stream closed")
			} else {
				h.Logger.Debug("media stream closed before start", "request_id", reqID, "error", err)
			}
			return
		}

		frame, err := telephony.DecodeFrame(data)
		if err != nil {
			// Malformed frames are logged and skipped; the stream stays up.
			h.Logger.Warn("bad media frame", "request_id", reqID, "error", err)
			continue
		}

		switch f := frame.(type) {
		case telephony.ConnectedFrame:
			// Informational only.
		case telephony.StartFrame:
			if session != nil {
				h.Logger.Warn("duplicate start frame ignored",
					"request_id", reqID, "correlation_id", f.CallID)
				continue
			}
			session = h.Registry.Open(f.CallID, f.CalledNumber, f.CallerNumber)
			session.AttachMedia(&mediaConn{
				conn:         conn,
				writeTimeout: h.Config.WSWriteTimeout,
			}, f.StreamID)
			h.Logger.Info("media stream attached",
				"request_id", reqID, "correlation_id", f.CallID, "stream_id", f.StreamID)
		case telephony.MediaFrame:
			if session == nil || f.Track == telephony.TrackOutbound {
				continue
			}
			session.CallerAudio(f.Payload)
		case telephony.MarkFrame:
			// Playback checkpoints are not used.
		case telephony.StopFrame:
			if session != nil {
				session.Teardown("call ended")
			}
			return
		}
	}
}

// mediaConn adapts the provider WebSocket to the session's media transport.
// Writes are serialized: the session may send from its own goroutines while
// teardown closes the socket.
type mediaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (m *mediaConn) SendMedia(streamID string, audio []byte) error {
	payload, err := telephony.EncodeMedia(streamID, audio)
	if err != nil {
		return err
	}
	return m.write(payload)
}

func (m *mediaConn) SendClear(streamID string) error {
	payload, err := telephony.EncodeClear(streamID)
	if err != nil {
		return err
	}
	return m.write(payload)
}

func (m *mediaConn) write(payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.writeTimeout > 0 {
		_ = m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
	return m.conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *mediaConn) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return m.conn.Close()
}
