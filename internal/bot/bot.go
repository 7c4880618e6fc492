// Package bot runs one call's conversational agent: it seeds the
// conversation, connects to the media sidecar, and wires forwarding,
// recording, retrieval and tool dispatch to the call's events and frames.
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinicvoice/callbridge/internal/convctx"
	"github.com/clinicvoice/callbridge/internal/events"
	"github.com/clinicvoice/callbridge/internal/forwarder"
	"github.com/clinicvoice/callbridge/internal/logging"
	"github.com/clinicvoice/callbridge/internal/metrics"
	"github.com/clinicvoice/callbridge/internal/patients"
	"github.com/clinicvoice/callbridge/internal/pipeline"
	"github.com/clinicvoice/callbridge/internal/recording"
	"github.com/clinicvoice/callbridge/internal/retrieval"
	"github.com/clinicvoice/callbridge/internal/tools"
	"github.com/clinicvoice/callbridge/internal/transport"
)

const (
	Greeting             = "Thank you for calling Thérapie Clinic, how can I help you today?"
	DefaultGreetingDelay = 1800 * time.Millisecond

	// DefaultToolDrain bounds how long teardown waits for tool calls that
	// outlive the call, such as bookings. They keep running afterwards.
	DefaultToolDrain = 200 * time.Millisecond
)

// Transport is the call's connection to the media sidecar.
type Transport interface {
	pipeline.Sink
	Hello(ctx context.Context, callID, roomURL, token string, defs []openai.Tool) error
	Serve(ctx context.Context, obs events.Observer, queue transport.Queue) error
	Close() error
}

// Deps are the process-wide handles shared by every call.
type Deps struct {
	Log     *zap.Logger
	Metrics *metrics.Collectors

	Patients patients.Directory

	// Searcher is nil when the knowledge backend is unavailable.
	Searcher         retrieval.Searcher
	RetrievalTopK    int
	RetrievalTimeout time.Duration

	Redirector     forwarder.Redirector
	ForwardOptions []forwarder.Option

	Recorder func(roomURL string) (recording.Recorder, error)
	Connect  func(ctx context.Context, p Payload) (Transport, error)

	GreetingDelay time.Duration
	ToolDrain     time.Duration
	Now           func() time.Time
}

// session is the per-call wiring.
type session struct {
	payload    Payload
	log        *zap.Logger
	store      *convctx.Store
	dispatcher *tools.Dispatcher
	forwarder  *forwarder.Forwarder
	recorder   *recording.Manager
	task       *pipeline.Task
	conn       Transport

	greetingDelay time.Duration
	toolDrain     time.Duration
	cancel        context.CancelFunc
	background    sync.WaitGroup
}

// Run joins the call described by p and blocks until the caller hangs up,
// the sidecar goes away or ctx is cancelled.
func Run(ctx context.Context, deps Deps, p Payload) (err error) {
	if err := p.Validate(); err != nil {
		return err
	}
	log := logging.ForCall(deps.Log, "bot", p.CallID)
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("bot panic", zap.Any("panic", r))
			err = fmt.Errorf("bot panic: %v", r)
		}
	}()

	table, err := tools.ClinicTable(deps.Patients)
	if err != nil {
		return fmt.Errorf("building tool table: %w", err)
	}
	rec, err := deps.Recorder(p.RoomURL)
	if err != nil {
		return fmt.Errorf("binding recorder: %w", err)
	}

	ctx, stopSignals := signalScope(ctx, p)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := deps.Connect(ctx, p)
	if err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}

	fwdOpts := append([]forwarder.Option{forwarder.WithMetrics(deps.Metrics)}, deps.ForwardOptions...)
	s := &session{
		payload:       p,
		log:           log,
		store:         convctx.NewStore(convctx.SystemPrompt(p.Patient, now())),
		dispatcher:    tools.NewDispatcher(table, log.Named("tools"), deps.Metrics),
		forwarder:     forwarder.New(p.CallID, deps.Redirector, log.Named("forwarder"), fwdOpts...),
		recorder:      recording.NewManager(rec, log.Named("recording"), deps.Metrics),
		conn:          conn,
		greetingDelay: deps.GreetingDelay,
		toolDrain:     deps.ToolDrain,
		cancel:        cancel,
	}
	if s.greetingDelay <= 0 {
		s.greetingDelay = DefaultGreetingDelay
	}
	if s.toolDrain <= 0 {
		s.toolDrain = DefaultToolDrain
	}
	if p.Patient != nil {
		log.Info("known caller", zap.String("patient_id", p.Patient.ID))
	} else {
		log.Info("unknown caller", zap.String("caller_phone", p.CallerPhone))
	}

	var searcher retrieval.Searcher
	if deps.Searcher != nil {
		searcher = deps.Searcher
	} else {
		log.Warn("knowledge backend unavailable, retrieval disabled")
	}
	retrieverOpts := []retrieval.Option{retrieval.WithMetrics(deps.Metrics)}
	if deps.RetrievalTopK > 0 {
		retrieverOpts = append(retrieverOpts, retrieval.WithTopK(deps.RetrievalTopK))
	}
	if deps.RetrievalTimeout > 0 {
		retrieverOpts = append(retrieverOpts, retrieval.WithTimeout(deps.RetrievalTimeout))
	}

	agg := &aggregator{store: s.store, dispatcher: s.dispatcher, log: log}
	s.task = pipeline.NewTask(conn, log.Named("pipeline"),
		agg,
		retrieval.New(s.store, searcher, log.Named("retrieval"), retrieverOpts...),
		&publisher{store: s.store},
	)
	agg.queue = s.task.Queue

	bus := events.NewBus(log.Named("events"), 32)
	if err := s.register(bus); err != nil {
		_ = conn.Close()
		return err
	}

	defer s.teardown(bus)

	if err := conn.Hello(ctx, p.CallID, p.RoomURL, p.Token, table.Definitions()); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	if err := s.task.Queue(ctx, pipeline.Frame{Kind: pipeline.FrameStart}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.task.Run(gctx)
	})
	g.Go(func() error {
		return bus.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return conn.Serve(gctx, bus, s.task.Queue)
	})

	log.Info("bot running")
	err = g.Wait()
	log.Info("bot finished", zap.Error(err))
	return err
}

// signalScope ends the bot on SIGINT or SIGTERM when the payload asks for
// it. Bots run by a server or worker leave signals to their host process.
func signalScope(ctx context.Context, p Payload) (context.Context, context.CancelFunc) {
	if !p.HandleSigint {
		return ctx, func() {}
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (s *session) register(bus *events.Bus) error {
	handlers := map[events.Type]events.Handler{
		events.ClientConnected:    s.onClientConnected,
		events.ClientDisconnected: s.onClientDisconnected,
		events.DialinReady:        s.onDialinReady,
		events.DialinConnected: func(ctx context.Context, ev events.Event) error {
			s.log.Debug("dial-in connected", zap.Any("data", ev.Data))
			s.recorder.OnDialinConnected(ctx)
			return nil
		},
		events.DialinStopped: func(ctx context.Context, ev events.Event) error {
			s.log.Debug("dial-in stopped", zap.Any("data", ev.Data))
			s.recorder.OnDialinStopped(ctx)
			return nil
		},
		events.DialinError: func(ctx context.Context, ev events.Event) error {
			s.log.Error("dial-in error", zap.Any("data", ev.Data))
			s.recorder.OnDialinError(ctx)
			return nil
		},
		events.DialinWarning: func(_ context.Context, ev events.Event) error {
			s.log.Warn("dial-in warning", zap.Any("data", ev.Data))
			return nil
		},
		events.RecordingStarted: func(_ context.Context, ev events.Event) error {
			s.log.Info("recording started", zap.Any("status", ev.Data))
			return nil
		},
		events.RecordingStopped: func(_ context.Context, ev events.Event) error {
			s.recorder.OnRecordingStopped()
			return nil
		},
		events.RecordingError: func(_ context.Context, ev events.Event) error {
			s.recorder.OnRecordingError(ev.String("error"))
			return nil
		},
	}
	for t, h := range handlers {
		if err := bus.On(t, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) onClientConnected(ctx context.Context, _ events.Event) error {
	s.log.Info("client connected")
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		t := time.NewTimer(s.greetingDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		if err := s.task.Queue(ctx, pipeline.Frame{Kind: pipeline.FrameSpeak, Text: Greeting}); err != nil && !errors.Is(err, pipeline.ErrTaskStopped) {
			s.log.Warn("greeting not queued", zap.Error(err))
		}
	}()
	return nil
}

func (s *session) onClientDisconnected(ctx context.Context, _ events.Event) error {
	s.log.Info("client disconnected")
	s.recorder.OnDisconnected(ctx)
	s.task.Stop()
	s.cancel()
	return nil
}

// onDialinReady forwards in the background so disconnect and dial-in stop
// events are not queued behind the retry loop. Cancelling the call aborts
// the retries.
func (s *session) onDialinReady(ctx context.Context, ev events.Event) error {
	s.log.Info("dial-in ready", zap.String("sip_endpoint", ev.String("sip_endpoint")), zap.String("target", s.payload.SIPURI))
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		// The forwarder logs and counts its own failures.
		_ = s.forwarder.OnLegReady(ctx, s.payload.SIPURI)
	}()
	return nil
}

func (s *session) teardown(bus *events.Bus) {
	s.cancel()
	s.task.Stop()
	bus.Close()
	s.recorder.ForceStopped()
	if err := s.conn.Close(); err != nil {
		s.log.Debug("closing transport", zap.Error(err))
	}
	s.background.Wait()
	if !s.dispatcher.WaitTimeout(s.toolDrain) {
		s.log.Warn("tool calls still running after teardown")
	}
}
