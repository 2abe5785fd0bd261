package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/callgate/pkg/core/crm"
)

// Dependencies are the external services a Registry wires into every session
// it creates. AgentDialer is required; the others degrade gracefully when nil
// (no account context, no post-call pipeline).
type Dependencies struct {
	DialAgent  AgentDialer
	Accounts   AccountLookup
	Summarizer Summarizer
	Tasks      TaskSubmitter
	Logger     *slog.Logger
	Now        func() time.Time
}

// Registry tracks live sessions keyed by correlation id. It is the meeting
// point for the two inbound paths (the voice webhook and the media stream),
// whichever arrives first.
type Registry struct {
	cfg        Config
	dialAgent  AgentDialer
	accounts   AccountLookup
	summarizer Summarizer
	tasks      TaskSubmitter
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewRegistry(cfg Config, deps Dependencies) *Registry {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:        cfg,
		dialAgent:  deps.DialAgent,
		accounts:   deps.Accounts,
		summarizer: deps.Summarizer,
		tasks:      deps.Tasks,
		logger:     logger,
		now:        now,
		sessions:   make(map[string]*Session),
	}
}

// Open returns the session for correlationID, creating and starting it on
// first use. Concurrent opens for the same id coalesce onto one session; the
// called and caller numbers stick from whichever open created it.
func (r *Registry) Open(correlationID, calledNumber, callerNumber string) *Session {
	r.mu.Lock()
	if s, ok := r.sessions[correlationID]; ok {
		r.mu.Unlock()
		return s
	}
	s := &Session{
		correlationID: correlationID,
		calledNumber:  calledNumber,
		callerNumber:  callerNumber,
		logger:        r.logger,
		registry:      r,
		cfg:           r.cfg,
		now:           r.now,
		lookupCh:      make(chan *crm.Account, 1),
		stopKeepAlive: make(chan struct{}),
		done:          make(chan struct{}),
	}
	r.sessions[correlationID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("session opened",
		"correlation_id", correlationID, "called", calledNumber, "caller", callerNumber)
	s.start()
	return s
}

func (r *Registry) Get(correlationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[correlationID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove is called exactly once per session, from its teardown.
func (r *Registry) remove(correlationID string, s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[correlationID]; ok && cur == s {
		delete(r.sessions, correlationID)
	}
	r.mu.Unlock()
	r.wg.Done()
}

// CloseAll tears down every live session. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()
	for _, s := range snapshot {
		s.Teardown(reason)
	}
}

// Wait blocks until every session has torn down or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
