// Package agent wraps a single streaming session with the hosted conversational
// voice service. The connection is a small state machine (connecting -> ready ->
// closed, with error reachable from any state) over one websocket; lifecycle and
// media events are surfaced on a buffered channel consumed by the call bridge.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// KeepAliveInterval is how often KeepAlive must be invoked to keep the
// upstream session from idling out.
const KeepAliveInterval = 15 * time.Second

const eventBuffer = 256

var (
	ErrNotReady = errors.New("agent connection is not ready")
	ErrClosed   = errors.New("agent connection is closed")
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventReady EventKind = iota
	EventAudio
	EventTranscript
	EventError
	EventClosed
)

// Event is one occurrence on the agent session. Audio is set for EventAudio;
// Role/Text/Final for EventTranscript; Err for EventError.
type Event struct {
	Kind  EventKind
	Audio []byte
	Role  string
	Text  string
	Final bool
	Err   error
}

const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

type Config struct {
	// URL is the websocket endpoint of the voice-agent service.
	URL string
	// APIKey is sent as the X-API-Key header on the handshake.
	APIKey string
	// Voice selects the synthesized voice, when the service supports it.
	Voice string
}

// ConfigureOptions finalizes the agent's behavior for one call. Valid only
// once the session has reported ready.
type ConfigureOptions struct {
	Instructions string `json:"instructions,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Voice        string `json:"voice,omitempty"`
	InputFormat  string `json:"input_format,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	state   atomic.Int32

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial opens the websocket session and starts the read pump. The returned
// connection is in StateConnecting until the service reports ready.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("agent url is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if strings.TrimSpace(cfg.Voice) != "" {
		q := u.Query()
		if q.Get("voice") == "" {
			q.Set("voice", strings.TrimSpace(cfg.Voice))
		}
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if strings.TrimSpace(cfg.APIKey) != "" {
		header.Set("X-API-Key", strings.TrimSpace(cfg.APIKey))
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	c := &Conn{
		ws:     ws,
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	go c.readLoop()
	return c, nil
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Events returns the session's event stream. The channel is closed after the
// read pump exits; a nil receiver yields an already-closed channel.
func (c *Conn) Events() <-chan Event {
	if c == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return c.events
}

// Configure finalizes the session options. Only valid after ready.
func (c *Conn) Configure(ctx context.Context, opts ConfigureOptions) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return c.writeJSON(ctx, struct {
		Type string `json:"type"`
		ConfigureOptions
	}{Type: "session.configure", ConfigureOptions: opts})
}

// SendAudio forwards one caller audio chunk. Only valid when ready; the
// bridge is responsible for queuing chunks that arrive earlier.
func (c *Conn) SendAudio(chunk []byte) error {
	switch c.State() {
	case StateReady:
	case StateClosed, StateError:
		return ErrClosed
	default:
		return ErrNotReady
	}
	return c.writeJSON(context.Background(), struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "input_audio", Audio: base64.StdEncoding.EncodeToString(chunk)})
}

// Flush tells the service to discard any in-flight synthesis. Used at
// barge-in so the agent stops speaking over the caller.
func (c *Conn) Flush() error {
	if c.State() != StateReady {
		return nil
	}
	return c.writeJSON(context.Background(), struct {
		Type string `json:"type"`
	}{Type: "flush"})
}

// KeepAlive must be invoked every KeepAliveInterval to prevent the upstream
// session from timing out while the caller is silent.
func (c *Conn) KeepAlive() error {
	if c.State() != StateReady {
		return nil
	}
	return c.writeJSON(context.Background(), struct {
		Type string `json:"type"`
	}{Type: "keepalive"})
}

// Disconnect closes the session. Idempotent; already-closed is not an error.
func (c *Conn) Disconnect() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.State() != StateError {
			c.state.Store(int32(StateClosed))
		}
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
	return nil
}

type serverFrame struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Role    string `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Deliberate disconnect; surface a clean close.
				c.emit(Event{Kind: EventClosed})
			default:
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
					c.state.Store(int32(StateClosed))
					c.emit(Event{Kind: EventClosed})
				} else {
					c.state.Store(int32(StateError))
					c.emit(Event{Kind: EventError, Err: err})
				}
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch strings.TrimSpace(frame.Type) {
		case "ready":
			if c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
				c.emit(Event{Kind: EventReady})
			}
		case "audio":
			audio, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil || len(audio) == 0 {
				continue
			}
			c.emit(Event{Kind: EventAudio, Audio: audio})
		case "transcript":
			text := strings.TrimSpace(frame.Text)
			if text == "" {
				continue
			}
			role := strings.TrimSpace(frame.Role)
			if role != RoleCaller && role != RoleAgent {
				continue
			}
			c.emit(Event{Kind: EventTranscript, Role: role, Text: text, Final: frame.Final})
		case "error":
			c.state.Store(int32(StateError))
			msg := strings.TrimSpace(frame.Message)
			if msg == "" {
				msg = "agent session error"
			}
			c.emit(Event{Kind: EventError, Err: errors.New(msg)})
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return c.ws.WriteJSON(payload)
}
