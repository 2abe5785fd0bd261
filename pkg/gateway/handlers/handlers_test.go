package handlers

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/callgate/pkg/core/agent"
	"github.com/vango-go/callgate/pkg/gateway/bridge"
	"github.com/vango-go/callgate/pkg/gateway/config"
)

type fakeAgentConn struct {
	mu        sync.Mutex
	sent      [][]byte
	events    chan agent.Event
	closeOnce sync.Once
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{events: make(chan agent.Event, 64)}
}

func (f *fakeAgentConn) Configure(context.Context, agent.ConfigureOptions) error { return nil }

func (f *fakeAgentConn) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeAgentConn) Flush() error     { return nil }
func (f *fakeAgentConn) KeepAlive() error { return nil }

func (f *fakeAgentConn) Events() <-chan agent.Event { return f.events }

func (f *fakeAgentConn) Disconnect() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeAgentConn) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func testConfig() config.Config {
	return config.Config{
		Addr:              ":0",
		PublicHost:        "gate.example.com",
		AgentWSURL:        "wss://agent.example.com/v1/stream",
		AgentAPIKey:       "agent-key",
		ConnectPrompt:     "Connecting you now.",
		ClosingPhrase:     "goodbye",
		AccountLookupWait: time.Second,
		AgentDialTimeout:  time.Second,
		IdleTimeout:       time.Minute,
		SummarizeTimeout:  time.Second,
		KeepAliveInterval: time.Second,
		MaxFrameBytes:     64 * 1024,
		WSWriteTimeout:    time.Second,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testRegistry wires a registry whose agent dials land on fresh fake conns,
// each delivered on the returned channel.
func testRegistry(cfg config.Config) (*bridge.Registry, chan *fakeAgentConn) {
	conns := make(chan *fakeAgentConn, 8)
	r := bridge.NewRegistry(bridge.Config{
		ClosingPhrase:     cfg.ClosingPhrase,
		AccountLookupWait: cfg.AccountLookupWait,
		AgentDialTimeout:  cfg.AgentDialTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		SummarizeTimeout:  cfg.SummarizeTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, bridge.Dependencies{
		DialAgent: func(context.Context) (bridge.AgentConn, error) {
			c := newFakeAgentConn()
			conns <- c
			return c, nil
		},
		Logger: discardLogger(),
	})
	return r, conns
}
