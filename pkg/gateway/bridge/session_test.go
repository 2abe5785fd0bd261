package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/callgate/pkg/core/agent"
	"github.com/vango-go/callgate/pkg/core/crm"
	"github.com/vango-go/callgate/pkg/core/summary"
)

type fakeAgent struct {
	mu          sync.Mutex
	sent        [][]byte
	flushes     int
	disconnects int
	configured  []agent.ConfigureOptions
	sendErr     error

	events    chan agent.Event
	closeOnce sync.Once
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan agent.Event, 64)}
}

func (f *fakeAgent) Configure(_ context.Context, opts agent.ConfigureOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = append(f.configured, opts)
	return nil
}

func (f *fakeAgent) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeAgent) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeAgent) KeepAlive() error { return nil }

func (f *fakeAgent) Events() <-chan agent.Event { return f.events }

func (f *fakeAgent) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeAgent) emit(ev agent.Event) { f.events <- ev }

func (f *fakeAgent) sentChunks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, c := range f.sent {
		out[i] = string(c)
	}
	return out
}

type fakeMedia struct {
	mu     sync.Mutex
	frames []string
	stream string
	clears int
	closes int
}

func (m *fakeMedia) SendMedia(streamID string, audio []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = streamID
	m.frames = append(m.frames, string(audio))
	return nil
}

func (m *fakeMedia) SendClear(streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *fakeMedia) sentFrames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

type fakeAccounts struct {
	account *crm.Account
	err     error
}

func (a *fakeAccounts) LookupAccount(context.Context, string) (*crm.Account, error) {
	return a.account, a.err
}

type fakeSummarizer struct {
	mu    sync.Mutex
	reqs  []summary.Request
	task  *crm.Task
	err   error
	calls chan struct{}
}

func newFakeSummarizer(task *crm.Task) *fakeSummarizer {
	return &fakeSummarizer{task: task, calls: make(chan struct{}, 8)}
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summary.Request) (*crm.Task, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.calls <- struct{}{}
	return f.task, f.err
}

type fakeTasks struct {
	mu        sync.Mutex
	routing   []string
	submitted []crm.Task
	calls     chan struct{}
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{calls: make(chan struct{}, 8)}
}

func (f *fakeTasks) SubmitTask(_ context.Context, routingID string, task crm.Task) error {
	f.mu.Lock()
	f.routing = append(f.routing, routingID)
	f.submitted = append(f.submitted, task)
	f.mu.Unlock()
	f.calls <- struct{}{}
	return nil
}

type harness struct {
	registry *Registry
	agent    *fakeAgent
	media    *fakeMedia
	sum      *fakeSummarizer
	tasks    *fakeTasks
}

func newHarness(t *testing.T, cfg Config, account *crm.Account) *harness {
	t.Helper()
	h := &harness{
		agent: newFakeAgent(),
		media: &fakeMedia{},
		sum: newFakeSummarizer(&crm.Task{
			Heading: "Missed booking",
			Summary: "Caller asked about opening hours.",
		}),
		tasks: newFakeTasks(),
	}
	deps := Dependencies{
		DialAgent: func(context.Context) (AgentConn, error) {
			return h.agent, nil
		},
		Summarizer: h.sum,
		Tasks:      h.tasks,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if account != nil {
		deps.Accounts = &fakeAccounts{account: account}
	}
	h.registry = NewRegistry(cfg, deps)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readyAgent(t *testing.T, h *harness) {
	t.Helper()
	h.agent.emit(agent.Event{Kind: agent.EventReady})
	waitFor(t, "agent configured", func() bool {
		h.agent.mu.Lock()
		defer h.agent.mu.Unlock()
		return len(h.agent.configured) > 0
	})
}

func readySession(t *testing.T, h *harness, s *Session) {
	t.Helper()
	readyAgent(t, h)
	waitFor(t, "agent ready flag", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.agentReady
	})
}

func TestCallerAudioBuffersUntilAgentReady(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA100", "+61399999999", "+61400000000")

	s.CallerAudio([]byte("one"))
	s.CallerAudio([]byte("two"))
	s.CallerAudio([]byte("three"))
	if got := h.agent.sentChunks(); len(got) != 0 {
		t.Fatalf("audio forwarded before agent ready: %v", got)
	}

	readySession(t, h, s)
	waitFor(t, "buffered audio flush", func() bool { return len(h.agent.sentChunks()) == 3 })

	s.CallerAudio([]byte("four"))
	want := []string{"one", "two", "three", "four"}
	got := h.agent.sentChunks()
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
	s.Teardown("test done")
}

func TestAgentAudioBuffersUntilMediaAttached(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA101", "+61399999999", "")
	readySession(t, h, s)

	h.agent.emit(agent.Event{Kind: agent.EventAudio, Audio: []byte("a1")})
	h.agent.emit(agent.Event{Kind: agent.EventAudio, Audio: []byte("a2")})
	waitFor(t, "outbound audio buffered", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingOutbound) == 2
	})
	if got := h.media.sentFrames(); len(got) != 0 {
		t.Fatalf("audio forwarded before media attached: %v", got)
	}

	s.AttachMedia(h.media, "MZ1")
	got := h.media.sentFrames()
	if len(got) != 2 || got[0] != "a1" || got[1] != "a2" {
		t.Fatalf("flushed %v, want [a1 a2]", got)
	}
	if h.media.stream != "MZ1" {
		t.Fatalf("stream id = %q, want MZ1", h.media.stream)
	}

	h.agent.emit(agent.Event{Kind: agent.EventAudio, Audio: []byte("a3")})
	waitFor(t, "direct forward", func() bool { return len(h.media.sentFrames()) == 3 })
	s.Teardown("test done")
}

func TestTeardownExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA102", "", "")
	readySession(t, h, s)
	s.AttachMedia(h.media, "MZ1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Teardown("concurrent")
		}()
	}
	wg.Wait()
	<-s.Done()

	h.agent.mu.Lock()
	disconnects := h.agent.disconnects
	h.agent.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("agent disconnected %d times, want 1", disconnects)
	}
	h.media.mu.Lock()
	closes := h.media.closes
	h.media.mu.Unlock()
	if closes != 1 {
		t.Fatalf("media closed %d times, want 1", closes)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry still holds %d sessions", h.registry.Len())
	}
}

func TestBargeInClearsPlaybackAndFlushesAgent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA103", "", "")
	readySession(t, h, s)
	s.AttachMedia(h.media, "MZ1")

	h.agent.emit(agent.Event{Kind: agent.EventAudio, Audio: []byte("agent-speech")})
	waitFor(t, "agent audio forwarded", func() bool { return len(h.media.sentFrames()) == 1 })

	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "wait", Final: false})
	waitFor(t, "playback cleared", func() bool {
		h.media.mu.Lock()
		defer h.media.mu.Unlock()
		return h.media.clears == 1
	})
	h.agent.mu.Lock()
	flushes := h.agent.flushes
	h.agent.mu.Unlock()
	if flushes != 1 {
		t.Fatalf("agent flushed %d times, want 1", flushes)
	}

	// A second interim transcript while the agent is silent must not clear again.
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "still here", Final: false})
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "still here", Final: true})
	waitFor(t, "caller turn recorded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 1
	})
	h.media.mu.Lock()
	clears := h.media.clears
	h.media.mu.Unlock()
	if clears != 1 {
		t.Fatalf("playback cleared %d times, want 1", clears)
	}
	s.Teardown("test done")
}

func TestBargeInDiscardsQueuedOutbound(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA104", "", "")
	readySession(t, h, s)

	h.agent.emit(agent.Event{Kind: agent.EventAudio, Audio: []byte("stale")})
	waitFor(t, "outbound buffered", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingOutbound) == 1
	})
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "hey", Final: false})
	waitFor(t, "queue discarded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingOutbound) == 0
	})

	s.AttachMedia(h.media, "MZ1")
	if got := h.media.sentFrames(); len(got) != 0 {
		t.Fatalf("stale audio delivered after barge-in: %v", got)
	}
	s.Teardown("test done")
}

func TestClosingPhraseEndsCallAndSubmitsTask(t *testing.T) {
	account := &crm.Account{
		ID:           "acc_1",
		BusinessName: "Riverside Plumbing",
		RoutingID:    "route_9",
	}
	h := newHarness(t, Config{ClosingPhrase: "goodbye"}, account)
	s := h.registry.Open("CA105", "+61399999999", "+61400000000")
	readySession(t, h, s)
	s.AttachMedia(h.media, "MZ1")

	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "I need a quote", Final: true})
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleAgent, Text: "Goodbye, have a great day!", Final: true})

	<-s.Done()
	if _, ok := h.registry.Get("CA105"); ok {
		t.Fatal("session still registered after closing phrase")
	}

	select {
	case <-h.sum.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("summarizer not invoked")
	}
	h.sum.mu.Lock()
	req := h.sum.reqs[0]
	h.sum.mu.Unlock()
	if !strings.Contains(req.Conversation, "caller: I need a quote") {
		t.Fatalf("conversation missing caller turn: %q", req.Conversation)
	}
	if !strings.Contains(req.Conversation, "agent: Goodbye, have a great day!") {
		t.Fatalf("conversation missing agent turn: %q", req.Conversation)
	}
	if req.BusinessName != "Riverside Plumbing" {
		t.Fatalf("business name = %q", req.BusinessName)
	}
	if req.CallerNumber != "+61400000000" {
		t.Fatalf("caller number = %q", req.CallerNumber)
	}

	select {
	case <-h.tasks.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("task not submitted")
	}
	h.tasks.mu.Lock()
	defer h.tasks.mu.Unlock()
	if len(h.tasks.routing) != 1 || h.tasks.routing[0] != "route_9" {
		t.Fatalf("routing ids = %v, want [route_9]", h.tasks.routing)
	}
	if h.tasks.submitted[0].Heading != "Missed booking" {
		t.Fatalf("submitted task = %+v", h.tasks.submitted[0])
	}
}

func TestCallerAudioDroppedAfterConversationEnds(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA106", "", "")
	readySession(t, h, s)
	s.AttachMedia(h.media, "MZ1")

	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleAgent, Text: "goodbye", Final: true})
	<-s.Done()

	before := len(h.agent.sentChunks())
	s.CallerAudio([]byte("late"))
	if got := len(h.agent.sentChunks()); got != before {
		t.Fatalf("audio forwarded after conversation end: %d -> %d", before, got)
	}
}

func TestConfigureUsesAccountContext(t *testing.T) {
	account := &crm.Account{
		BusinessName: "Riverside Plumbing",
		Instructions: "You answer for Riverside Plumbing.",
		Greeting:     "Riverside Plumbing, how can I help?",
		Voice:        "amber",
	}
	h := newHarness(t, Config{Instructions: "default", Greeting: "hello"}, account)
	s := h.registry.Open("CA107", "+61399999999", "")
	readySession(t, h, s)

	h.agent.mu.Lock()
	opts := h.agent.configured[0]
	h.agent.mu.Unlock()
	if opts.Instructions != account.Instructions {
		t.Fatalf("instructions = %q", opts.Instructions)
	}
	if opts.Greeting != account.Greeting {
		t.Fatalf("greeting = %q", opts.Greeting)
	}
	if opts.Voice != "amber" {
		t.Fatalf("voice = %q", opts.Voice)
	}
	s.Teardown("test done")
}

func TestConfigureFallsBackWithoutAccount(t *testing.T) {
	h := newHarness(t, Config{Instructions: "default instructions", Greeting: "hello there"}, nil)
	s := h.registry.Open("CA108", "+61399999999", "")
	readySession(t, h, s)

	h.agent.mu.Lock()
	opts := h.agent.configured[0]
	h.agent.mu.Unlock()
	if opts.Instructions != "default instructions" {
		t.Fatalf("instructions = %q", opts.Instructions)
	}
	if opts.Greeting != "hello there" {
		t.Fatalf("greeting = %q", opts.Greeting)
	}
	if opts.Voice != "" {
		t.Fatalf("voice = %q, want empty", opts.Voice)
	}
	s.Teardown("test done")
}

func TestEmptyTranscriptSkipsSummarization(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA109", "", "")
	readySession(t, h, s)
	s.Teardown("caller hung up")
	<-s.Done()

	select {
	case <-h.sum.calls:
		t.Fatal("summarizer invoked for empty transcript")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAgentDialFailureTearsDown(t *testing.T) {
	r := NewRegistry(Config{}, Dependencies{
		DialAgent: func(context.Context) (AgentConn, error) {
			return nil, errors.New("upstream unavailable")
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s := r.Open("CA110", "", "")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after dial failure")
	}
	if r.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", r.Len())
	}
}

func TestIdleTimeoutTearsDownSession(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 50 * time.Millisecond}, nil)
	s := h.registry.Open("CA111", "", "")
	s.AttachMedia(h.media, "MZ1")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not torn down")
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", h.registry.Len())
	}
	waitFor(t, "media closed once", func() bool {
		h.media.mu.Lock()
		defer h.media.mu.Unlock()
		return h.media.closes == 1
	})
	waitFor(t, "agent disconnected once", func() bool {
		h.agent.mu.Lock()
		defer h.agent.mu.Unlock()
		return h.agent.disconnects == 1
	})
}

func TestAgentErrorBeforeReadyAbortsSetup(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA112", "", "")
	s.AttachMedia(h.media, "MZ1")
	s.CallerAudio([]byte("buffered"))

	h.agent.emit(agent.Event{Kind: agent.EventError, Err: errors.New("handshake rejected")})
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after setup failure")
	}

	if got := h.agent.sentChunks(); len(got) != 0 {
		t.Fatalf("buffered audio reached the agent after setup failure: %v", got)
	}
	h.media.mu.Lock()
	closes := h.media.closes
	h.media.mu.Unlock()
	if closes != 1 {
		t.Fatalf("media closed %d times, want 1", closes)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", h.registry.Len())
	}
	select {
	case <-h.sum.calls:
		t.Fatal("summarizer invoked for aborted setup")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAgentErrorAfterReadySummarizesPartialTranscript(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA113", "", "+61400000000")
	readySession(t, h, s)
	s.AttachMedia(h.media, "MZ1")

	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "my sink is leaking", Final: true})
	waitFor(t, "caller turn recorded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 1
	})

	h.agent.emit(agent.Event{Kind: agent.EventError, Err: errors.New("stream reset")})
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after agent error")
	}

	select {
	case <-h.sum.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("summarizer not invoked for partial transcript")
	}
	h.sum.mu.Lock()
	req := h.sum.reqs[0]
	h.sum.mu.Unlock()
	if !strings.Contains(req.Conversation, "caller: my sink is leaking") {
		t.Fatalf("conversation = %q", req.Conversation)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", h.registry.Len())
	}
}

func TestCallerInterimAfterAgentTurnDoesNotClearPlayback(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := h.registry.Open("CA114", "", "")
	readySession(t, h, s)
	s.AttachMedia(h.media, "MZ1")

	h.agent.emit(agent.Event{Kind: agent.EventAudio, Audio: []byte("agent-speech")})
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleAgent, Text: "What time suits you?", Final: true})
	waitFor(t, "agent turn recorded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 1
	})

	// The agent finished speaking; the caller answering is not a barge-in.
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "around", Final: false})
	h.agent.emit(agent.Event{Kind: agent.EventTranscript, Role: agent.RoleCaller, Text: "around noon", Final: true})
	waitFor(t, "caller turn recorded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 2
	})

	h.media.mu.Lock()
	clears := h.media.clears
	h.media.mu.Unlock()
	if clears != 0 {
		t.Fatalf("playback cleared %d times, want 0", clears)
	}
	h.agent.mu.Lock()
	flushes := h.agent.flushes
	h.agent.mu.Unlock()
	if flushes != 0 {
		t.Fatalf("agent flushed %d times, want 0", flushes)
	}
	s.Teardown("test done")
}
