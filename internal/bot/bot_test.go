package bot

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/events"
	"github.com/clinicvoice/callbridge/internal/forwarder"
	"github.com/clinicvoice/callbridge/internal/knowledge"
	"github.com/clinicvoice/callbridge/internal/patients"
	"github.com/clinicvoice/callbridge/internal/pipeline"
	"github.com/clinicvoice/callbridge/internal/recording"
	"github.com/clinicvoice/callbridge/internal/retrieval"
	"github.com/clinicvoice/callbridge/internal/tools"
	"github.com/clinicvoice/callbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type inbound func(ctx context.Context, obs events.Observer, queue transport.Queue) error

type fakeTransport struct {
	in chan inbound

	mu     sync.Mutex
	sent   []pipeline.Frame
	tools  []openai.Tool
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan inbound, 16)}
}

func (t *fakeTransport) Hello(_ context.Context, _, _, _ string, defs []openai.Tool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools = defs
	return nil
}

func (t *fakeTransport) Send(_ context.Context, f pipeline.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
	return nil
}

func (t *fakeTransport) Serve(ctx context.Context, obs events.Observer, queue transport.Queue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-t.in:
			if err := fn(ctx, obs, queue); err != nil {
				if errors.Is(err, pipeline.ErrTaskStopped) || errors.Is(err, events.ErrBusClosed) {
					return nil
				}
				return err
			}
		}
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) event(typ events.Type, data map[string]any) {
	t.in <- func(ctx context.Context, obs events.Observer, _ transport.Queue) error {
		return obs.Handle(ctx, events.Event{Type: typ, Data: data})
	}
}

func (t *fakeTransport) frame(f pipeline.Frame) {
	t.in <- func(ctx context.Context, _ events.Observer, queue transport.Queue) error {
		return queue(ctx, f)
	}
}

func (t *fakeTransport) find(kind pipeline.Kind, match func(pipeline.Frame) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.sent {
		if f.Kind == kind && (match == nil || match(f)) {
			return true
		}
	}
	return false
}

type fakeRedirector struct {
	mu      sync.Mutex
	targets []string
}

func (r *fakeRedirector) Redirect(_ context.Context, _ string, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	return nil
}

func (r *fakeRedirector) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

type fakeRecorder struct {
	mu            sync.Mutex
	starts, stops int
}

func (r *fakeRecorder) StartRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return nil
}

func (r *fakeRecorder) StopRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// legNeverReady fails every redirect as if the carrier leg were not up yet.
type legNeverReady struct {
	mu    sync.Mutex
	calls int
}

func (r *legNeverReady) Redirect(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return errors.New("leg not active")
}

func (r *legNeverReady) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// blockingDirectory holds Create until released.
type blockingDirectory struct {
	*patients.MemoryDirectory
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDirectory) Create(ctx context.Context, phone, name, email string) (*patients.Patient, error) {
	close(d.entered)
	<-d.release
	return d.MemoryDirectory.Create(ctx, phone, name, email)
}

type staticSearcher struct{}

func (staticSearcher) Search(context.Context, string, int) ([]knowledge.Hit, error) {
	return []knowledge.Hit{{Score: 0.9, ContextText: "Facials take 60 minutes", GuidelineText: "Offer the next free slot"}}, nil
}

func payload() Payload {
	return Payload{
		RoomURL:     "https://clinic.daily.co/callbridge-sip-1a2b3c4d",
		Token:       "tok",
		CallID:      "CA100",
		SIPURI:      "sip:room@clinic.sip.daily.co",
		CallerPhone: "+15550000000",
	}
}

func newDeps(tr *fakeTransport, redir *fakeRedirector, rec *fakeRecorder, searcher retrieval.Searcher) Deps {
	return Deps{
		Patients:      patients.NewMemoryDirectory(patients.Fixtures()...),
		Searcher:      searcher,
		Redirector:    redir,
		Recorder:      func(string) (recording.Recorder, error) { return rec, nil },
		Connect:       func(context.Context, Payload) (Transport, error) { return tr, nil },
		GreetingDelay: time.Millisecond,
		Now:           func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func TestRunDrivesCallLifecycle(t *testing.T) {
	tr := newFakeTransport()
	redir := &fakeRedirector{}
	rec := &fakeRecorder{}
	p := payload()

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), newDeps(tr, redir, rec, staticSearcher{}), p) }()

	tr.event(events.DialinReady, map[string]any{"sip_endpoint": "sip:other@daily"})
	tr.event(events.DialinReady, map[string]any{"sip_endpoint": "sip:other@daily"})
	tr.event(events.DialinConnected, nil)
	tr.event(events.ClientConnected, nil)

	require.Eventually(t, func() bool {
		return tr.find(pipeline.FrameSpeak, func(f pipeline.Frame) bool { return f.Text == Greeting })
	}, time.Second, 5*time.Millisecond)

	tr.frame(pipeline.Frame{Kind: pipeline.FrameUserTranscript, Text: "Can I book a facial tomorrow?"})
	tr.frame(pipeline.Frame{Kind: pipeline.FrameUserStoppedSpeaking})
	require.Eventually(t, func() bool {
		return tr.find(pipeline.FrameContext, func(f pipeline.Frame) bool {
			return strings.Contains(f.Messages[0].Text, retrieval.Marker)
		})
	}, time.Second, 5*time.Millisecond)

	tr.frame(pipeline.Frame{Kind: pipeline.FrameToolCall, ToolCall: &tools.Invocation{
		ID:        "call_1",
		Name:      "check_availability",
		Arguments: map[string]any{"date": "2025-07-02", "appointment_type": "service"},
	}})
	require.Eventually(t, func() bool {
		return tr.find(pipeline.FrameToolResult, func(f pipeline.Frame) bool {
			return f.ToolResult.ID == "call_1" && !f.ToolResult.Failed()
		})
	}, time.Second, 5*time.Millisecond)

	tr.event(events.ClientDisconnected, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop after disconnect")
	}

	assert.Equal(t, []string{p.SIPURI}, redir.calls())
	starts, stops := rec.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.True(t, tr.isClosed())
	assert.Len(t, tr.tools, len(tools.AllTools()))
}

func TestRunWithoutKnowledgeLeavesPromptUntouched(t *testing.T) {
	tr := newFakeTransport()
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), newDeps(tr, &fakeRedirector{}, &fakeRecorder{}, nil), payload())
	}()

	tr.frame(pipeline.Frame{Kind: pipeline.FrameUserTranscript, Text: "hello"})
	tr.frame(pipeline.Frame{Kind: pipeline.FrameUserStoppedSpeaking})
	require.Eventually(t, func() bool {
		return tr.find(pipeline.FrameUserStoppedSpeaking, nil)
	}, time.Second, 5*time.Millisecond)

	assert.False(t, tr.find(pipeline.FrameContext, func(f pipeline.Frame) bool {
		return strings.Contains(f.Messages[0].Text, retrieval.Marker)
	}))

	tr.event(events.ClientDisconnected, nil)
	require.NoError(t, <-done)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tr := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, newDeps(tr, &fakeRedirector{}, &fakeRecorder{}, nil), payload()) }()

	require.Eventually(t, func() bool { return tr.find(pipeline.FrameContext, nil) }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunRejectsInvalidPayload(t *testing.T) {
	p := payload()
	p.SIPURI = ""
	err := Run(context.Background(), Deps{}, p)
	assert.ErrorIs(t, err, ErrMissingCall)

	p = payload()
	p.Token = ""
	assert.ErrorIs(t, p.Validate(), ErrMissingRoom)
}

func TestRunFailsWhenTransportUnavailable(t *testing.T) {
	deps := newDeps(nil, &fakeRedirector{}, &fakeRecorder{}, nil)
	deps.Connect = func(context.Context, Payload) (Transport, error) { return nil, errors.New("sidecar down") }

	err := Run(context.Background(), deps, payload())
	assert.ErrorContains(t, err, "sidecar down")
}

func TestTeardownDoesNotWaitForMutatingTools(t *testing.T) {
	tr := newFakeTransport()
	rec := &fakeRecorder{}
	dir := &blockingDirectory{
		MemoryDirectory: patients.NewMemoryDirectory(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	defer close(dir.release)

	deps := newDeps(tr, &fakeRedirector{}, rec, nil)
	deps.Patients = dir
	deps.ToolDrain = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, deps, payload()) }()

	tr.event(events.DialinConnected, nil)
	tr.frame(pipeline.Frame{Kind: pipeline.FrameToolCall, ToolCall: &tools.Invocation{
		ID:   "call_create",
		Name: "create_patient",
		Arguments: map[string]any{
			"phone_number": "+15550001111",
			"name":         "Maya Chen",
			"email":        "maya@example.com",
		},
	}})

	select {
	case <-dir.entered:
	case <-time.After(time.Second):
		t.Fatal("create_patient never reached the directory")
	}
	require.Eventually(t, func() bool {
		starts, _ := rec.counts()
		return starts == 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run blocked on an in-flight create_patient")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, tr.isClosed())
}

func TestDisconnectInterruptsForwardRetries(t *testing.T) {
	tr := newFakeTransport()
	redir := &legNeverReady{}
	rec := &fakeRecorder{}

	deps := newDeps(tr, nil, rec, nil)
	deps.Redirector = redir
	deps.ForwardOptions = []forwarder.Option{
		forwarder.WithRetryable(func(error) bool { return true }),
		forwarder.WithMaxAttempts(50),
		forwarder.WithDelay(200 * time.Millisecond),
	}

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), deps, payload()) }()

	tr.event(events.DialinConnected, nil)
	tr.event(events.DialinReady, map[string]any{"sip_endpoint": "sip:room@daily"})
	require.Eventually(t, func() bool { return redir.count() >= 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	tr.event(events.ClientDisconnected, nil)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was queued behind forward retries")
	}
	assert.Less(t, time.Since(start), time.Second)

	_, stops := rec.counts()
	assert.Equal(t, 1, stops)
	assert.Less(t, redir.count(), 10)
}

func TestSignalScopeOnlyWhenRequested(t *testing.T) {
	ctx, stop := signalScope(context.Background(), payload())
	stop()
	assert.NoError(t, ctx.Err())

	p := payload()
	p.HandleSigint = true
	ctx, stop = signalScope(context.Background(), p)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("SIGTERM did not end the bot context")
	}
}

func TestAggregatorRecordsStructuredTranscripts(t *testing.T) {
	store := convctx.NewStore("prompt")
	a := &aggregator{store: store}

	var emitted []pipeline.Frame
	emit := func(_ context.Context, f pipeline.Frame) error {
		emitted = append(emitted, f)
		return nil
	}

	parts := []convctx.Part{{Type: "text", Text: "I need"}, {Type: "text", Text: "a facial"}}
	require.NoError(t, a.Process(context.Background(), pipeline.Frame{Kind: pipeline.FrameUserTranscript, Parts: parts}, emit))
	require.NoError(t, a.Process(context.Background(), pipeline.Frame{Kind: pipeline.FrameUserTranscript, Text: "tomorrow"}, emit))
	require.Len(t, emitted, 2)

	msgs := store.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, convctx.RoleUser, msgs[1].Role)
	assert.Equal(t, parts, msgs[1].Parts)
	assert.Equal(t, "I need a facial", msgs[1].PlainText())
	assert.Nil(t, msgs[2].Parts)
	assert.Equal(t, "tomorrow", msgs[2].PlainText())
}
