// Package bridge owns the lifetime of one phone call: it correlates the
// telephony media stream with the voice-agent session, relays audio in both
// directions across the startup race between them, handles barge-in,
// accumulates the transcript, and drives exactly-once teardown plus the
// detached post-call summarization pipeline.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/callgate/pkg/core/agent"
	"github.com/vango-go/callgate/pkg/core/crm"
	"github.com/vango-go/callgate/pkg/core/summary"
)

// MediaTransport is the telephony side of one call. Implementations must be
// safe for use from the session's serialization point only.
type MediaTransport interface {
	SendMedia(streamID string, audio []byte) error
	SendClear(streamID string) error
	Close() error
}

// AgentConn is the voice-agent side, satisfied by *agent.Conn.
type AgentConn interface {
	Configure(ctx context.Context, opts agent.ConfigureOptions) error
	SendAudio(chunk []byte) error
	Flush() error
	KeepAlive() error
	Events() <-chan agent.Event
	Disconnect() error
}

// AgentDialer opens a fresh agent session for one call.
type AgentDialer func(ctx context.Context) (AgentConn, error)

type AccountLookup interface {
	LookupAccount(ctx context.Context, calledNumber string) (*crm.Account, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, req summary.Request) (*crm.Task, error)
}

type TaskSubmitter interface {
	SubmitTask(ctx context.Context, routingID string, task crm.Task) error
}

type Config struct {
	// Instructions is the base system behavior sent to the agent; account
	// context is layered on top when a lookup succeeds.
	Instructions string
	Greeting     string
	// ClosingPhrase is the sentinel an agent utterance must match (exact or
	// word-boundary prefix) to signal end of conversation.
	ClosingPhrase string

	// AccountLookupWait bounds how long agent configuration waits for the
	// account lookup before proceeding without account context.
	AccountLookupWait time.Duration
	AgentDialTimeout  time.Duration
	IdleTimeout       time.Duration
	SummarizeTimeout  time.Duration
	KeepAliveInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.AccountLookupWait <= 0 {
		c.AccountLookupWait = 3 * time.Second
	}
	if c.AgentDialTimeout <= 0 {
		c.AgentDialTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.SummarizeTimeout <= 0 {
		c.SummarizeTimeout = 60 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = agent.KeepAliveInterval
	}
	if c.ClosingPhrase == "" {
		c.ClosingPhrase = "goodbye"
	}
}

// Session is the per-call state machine. All mutations of queues, flags, and
// the transcript are serialized through mu; the telephony read loop and the
// agent event pump run on independent goroutines and meet here.
type Session struct {
	correlationID string
	calledNumber  string
	callerNumber  string

	logger   *slog.Logger
	registry *Registry
	cfg      Config
	now      func() time.Time

	lookupCh chan *crm.Account

	mu              sync.Mutex
	media           MediaTransport
	streamID        string
	agent           AgentConn
	agentReady      bool
	pendingInbound  [][]byte
	pendingOutbound [][]byte
	transcript      []Turn
	account         *crm.Account
	closed          bool
	ended           bool
	isSpeaking      bool
	idleTimer       *time.Timer

	stopKeepAlive chan struct{}
	done          chan struct{}
}

func (s *Session) CorrelationID() string { return s.correlationID }

// Done is closed once teardown has completed. Post-call summarization may
// still be running; it is detached by design.
func (s *Session) Done() <-chan struct{} { return s.done }

// start spawns the session's background work: the account lookup, the agent
// dial, the agent event pump, the keep-alive ticker, and the idle timer. It
// never blocks the caller.
func (s *Session) start() {
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.Teardown("idle timeout")
	})
	s.mu.Unlock()

	go s.lookupAccount()
	go s.connectAgent()
}

func (s *Session) lookupAccount() {
	defer close(s.lookupCh)
	if s.registry.accounts == nil || s.calledNumber == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AccountLookupWait)
	defer cancel()

	account, err := s.registry.accounts.LookupAccount(ctx, s.calledNumber)
	if err != nil {
		s.logger.Warn("account lookup failed; using default agent behavior",
			"correlation_id", s.correlationID, "called", s.calledNumber, "error", err)
		return
	}
	if account == nil {
		s.logger.Info("no account for called number; using default agent behavior",
			"correlation_id", s.correlationID, "called", s.calledNumber)
		return
	}
	s.mu.Lock()
	s.account = account
	s.mu.Unlock()
	s.lookupCh <- account
}

func (s *Session) connectAgent() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AgentDialTimeout)
	defer cancel()

	conn, err := s.registry.dialAgent(ctx)
	if err != nil {
		s.logger.Warn("agent dial failed; aborting session",
			"correlation_id", s.correlationID, "error", err)
		s.Teardown("agent dial failed")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	s.agent = conn
	s.mu.Unlock()

	go s.keepAliveLoop(conn)
	s.pumpAgent(conn)
}

func (s *Session) keepAliveLoop(conn AgentConn) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopKeepAlive:
			return
		case <-ticker.C:
			if err := conn.KeepAlive(); err != nil {
				s.logger.Debug("agent keepalive failed", "correlation_id", s.correlationID, "error", err)
			}
		}
	}
}

func (s *Session) pumpAgent(conn AgentConn) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case agent.EventReady:
			s.onAgentReady(conn)
		case agent.EventAudio:
			s.onAgentAudio(ev.Audio)
		case agent.EventTranscript:
			s.onTranscript(ev)
		case agent.EventError:
			s.onAgentError(ev.Err)
		case agent.EventClosed:
			s.Teardown("agent connection closed")
		}
	}
}

// onAgentReady finalizes agent configuration and releases any caller audio
// buffered during the startup race, in arrival order.
func (s *Session) onAgentReady(conn AgentConn) {
	var account *crm.Account
	select {
	case account = <-s.lookupCh:
	case <-time.After(s.cfg.AccountLookupWait):
		s.logger.Warn("account lookup still pending at agent ready; configuring without account context",
			"correlation_id", s.correlationID)
	case <-s.done:
		return
	}

	if err := conn.Configure(context.Background(), s.configureOptions(account)); err != nil {
		s.logger.Warn("agent configure failed", "correlation_id", s.correlationID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.agentReady = true
	pending := s.pendingInbound
	s.pendingInbound = nil
	for _, chunk := range pending {
		if err := conn.SendAudio(chunk); err != nil {
			s.logger.Warn("flush of buffered caller audio failed",
				"correlation_id", s.correlationID, "error", err)
			break
		}
	}
}

func (s *Session) configureOptions(account *crm.Account) agent.ConfigureOptions {
	opts := agent.ConfigureOptions{
		Instructions: s.cfg.Instructions,
		Greeting:     s.cfg.Greeting,
		InputFormat:  "mulaw_8000",
		OutputFormat: "mulaw_8000",
	}
	if account == nil {
		return opts
	}
	if account.Instructions != "" {
		opts.Instructions = account.Instructions
	}
	if account.Greeting != "" {
		opts.Greeting = account.Greeting
	}
	if account.Voice != "" {
		opts.Voice = account.Voice
	}
	return opts
}

// AttachMedia binds the telephony transport and its stream id, then flushes
// any agent audio produced before the transport arrived. A transport is
// bound at most once per session.
func (s *Session) AttachMedia(transport MediaTransport, streamID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	if s.media != nil {
		s.logger.Warn("media transport already attached; ignoring",
			"correlation_id", s.correlationID, "stream_id", streamID)
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	s.media = transport
	s.streamID = streamID
	s.touchLocked()
	pending := s.pendingOutbound
	s.pendingOutbound = nil
	for _, chunk := range pending {
		if err := transport.SendMedia(streamID, chunk); err != nil {
			s.logger.Warn("flush of buffered agent audio failed",
				"correlation_id", s.correlationID, "error", err)
			break
		}
	}
	s.mu.Unlock()
}

// CallerAudio relays one inbound chunk. Before agent readiness chunks queue
// in arrival order; after end-of-conversation they are dropped.
func (s *Session) CallerAudio(chunk []byte) {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	if !s.agentReady {
		s.pendingInbound = append(s.pendingInbound, chunk)
		s.mu.Unlock()
		return
	}
	conn := s.agent
	err := conn.SendAudio(chunk)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("forward caller audio failed", "correlation_id", s.correlationID, "error", err)
	}
}

func (s *Session) onAgentAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.touchLocked()
	s.isSpeaking = true
	if s.media == nil {
		s.pendingOutbound = append(s.pendingOutbound, chunk)
		return
	}
	if err := s.media.SendMedia(s.streamID, chunk); err != nil {
		s.logger.Warn("forward agent audio failed", "correlation_id", s.correlationID, "error", err)
	}
}

func (s *Session) onTranscript(ev agent.Event) {
	if !ev.Final {
		if ev.Role == agent.RoleCaller {
			s.bargeIn()
		}
		return
	}

	endOfConversation := false
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	speaker := SpeakerCaller
	if ev.Role == agent.RoleAgent {
		speaker = SpeakerAgent
		// The agent's turn is over; a later caller interim is a reply, not a
		// barge-in.
		s.isSpeaking = false
	}
	s.transcript = append(s.transcript, Turn{Speaker: speaker, Text: ev.Text, Timestamp: s.now()})
	if speaker == SpeakerAgent && matchesClosing(ev.Text, s.cfg.ClosingPhrase) {
		// Freeze the transcript: anything after the closing signal is dropped.
		s.ended = true
		endOfConversation = true
	}
	s.mu.Unlock()

	if endOfConversation {
		s.logger.Info("closing phrase detected", "correlation_id", s.correlationID)
		s.Teardown("conversation complete")
	}
}

// bargeIn handles the caller interrupting the agent mid-utterance: queued
// outbound audio is discarded, the telephony side is told to clear its
// playback buffer, and the agent's in-flight synthesis is flushed — all
// before any further outbound audio can be forwarded.
func (s *Session) bargeIn() {
	s.mu.Lock()
	if s.closed || !s.isSpeaking {
		s.mu.Unlock()
		return
	}
	s.isSpeaking = false
	s.pendingOutbound = nil
	media, streamID, conn := s.media, s.streamID, s.agent
	if media != nil {
		if err := media.SendClear(streamID); err != nil {
			s.logger.Warn("clear playback failed", "correlation_id", s.correlationID, "error", err)
		}
	}
	if conn != nil {
		if err := conn.Flush(); err != nil {
			s.logger.Warn("agent flush failed", "correlation_id", s.correlationID, "error", err)
		}
	}
	s.mu.Unlock()
	s.logger.Debug("barge-in", "correlation_id", s.correlationID)
}

func (s *Session) onAgentError(err error) {
	s.mu.Lock()
	ready := s.agentReady
	s.mu.Unlock()
	if ready {
		s.logger.Warn("agent connection error", "correlation_id", s.correlationID, "error", err)
		s.Teardown("agent error")
		return
	}
	// Setup failure: the session never became usable. Buffered caller audio
	// is discarded and the telephony side is closed by teardown.
	s.logger.Warn("agent setup failed", "correlation_id", s.correlationID, "error", err)
	s.Teardown("agent setup failed")
}

// Teardown releases everything for this call. Idempotent: the first trigger
// (end of conversation, transport close, agent error, or idle timeout) wins
// and later triggers are no-ops. Summarization of a non-empty transcript is
// spawned detached and never delays teardown completion.
func (s *Session) Teardown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	media := s.media
	conn := s.agent
	snapshot := append([]Turn(nil), s.transcript...)
	account := s.account
	s.pendingInbound = nil
	s.pendingOutbound = nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	close(s.stopKeepAlive)
	if conn != nil {
		_ = conn.Disconnect()
	}
	if media != nil {
		_ = media.Close()
	}

	s.logger.Info("session closed",
		"correlation_id", s.correlationID, "reason", reason, "turns", len(snapshot))

	if len(snapshot) > 0 {
		go s.postCall(snapshot, account)
	}

	s.registry.remove(s.correlationID, s)
	close(s.done)
}

// postCall runs detached from the call: summarize the transcript snapshot,
// then submit the resulting task. Failures are logged and terminal; the call
// has already ended.
func (s *Session) postCall(turns []Turn, account *crm.Account) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("post-call processing panicked", "correlation_id", s.correlationID, "panic", v)
		}
	}()

	if s.registry.summarizer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SummarizeTimeout)
	defer cancel()

	req := summary.Request{
		Conversation: renderConversation(turns),
		CallerNumber: s.callerNumber,
	}
	if account != nil {
		req.BusinessName = account.BusinessName
	}
	task, err := s.registry.summarizer.Summarize(ctx, req)
	if err != nil {
		s.logger.Warn("summarization failed", "correlation_id", s.correlationID, "error", err)
		return
	}

	if s.registry.tasks == nil || account == nil || account.RoutingID == "" {
		s.logger.Info("task not submitted: no account routing id", "correlation_id", s.correlationID)
		return
	}
	if err := s.registry.tasks.SubmitTask(ctx, account.RoutingID, *task); err != nil {
		s.logger.Warn("task submission failed", "correlation_id", s.correlationID, "error", err)
		return
	}
	s.logger.Info("task submitted", "correlation_id", s.correlationID, "routing_id", account.RoutingID)
}

func (s *Session) touchLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
}
