// Package recording tracks whether the room is being recorded and issues
// start/stop requests at dial-in boundaries.
package recording

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/metrics"
)

type State int

const (
	NotRecording State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case NotRecording:
		return "NotRecording"
	case Recording:
		return "Recording"
	default:
		return "Unknown"
	}
}

// Outcome of a start or stop request.
type Outcome int

const (
	Ok Outcome = iota
	Failed
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Recorder controls recording on the media provider.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
}

// Manager owns a call's recording state. Every stop path leaves it in
// NotRecording whether or not the provider acknowledged the stop.
type Manager struct {
	recorder Recorder
	log      *zap.Logger
	metrics  *metrics.Collectors

	mu    sync.Mutex
	state State
}

func NewManager(r Recorder, log *zap.Logger, m *metrics.Collectors) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{recorder: r, log: log, metrics: m}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnDialinConnected starts recording unless it is already running.
func (m *Manager) OnDialinConnected(ctx context.Context) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Recording {
		m.log.Debug("recording already active")
		m.metrics.RecordingTransition("start", Skipped.String())
		return Skipped
	}

	if err := m.call(ctx, m.recorder.StartRecording); err != nil {
		m.log.Error("failed to start recording", zap.Error(err))
		m.metrics.RecordingTransition("start", Failed.String())
		return Failed
	}
	m.state = Recording
	m.log.Info("recording started")
	m.metrics.RecordingTransition("start", Ok.String())
	return Ok
}

func (m *Manager) OnDialinStopped(ctx context.Context) Outcome { return m.stop(ctx, "dialin_stopped") }

func (m *Manager) OnDialinError(ctx context.Context) Outcome { return m.stop(ctx, "dialin_error") }

func (m *Manager) OnDisconnected(ctx context.Context) Outcome {
	return m.stop(ctx, "client_disconnected")
}

// OnRecordingStopped records that the provider ended the recording.
func (m *Manager) OnRecordingStopped() { m.reset("recording_stopped") }

// OnRecordingError records that the provider reported a recording failure.
func (m *Manager) OnRecordingError(reason string) {
	m.log.Error("recording error", zap.String("reason", reason))
	m.reset("recording_error")
}

// ForceStopped sets NotRecording without contacting the provider. Used on
// teardown.
func (m *Manager) ForceStopped() { m.reset("teardown") }

func (m *Manager) stop(ctx context.Context, cause string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Recording {
		m.metrics.RecordingTransition("stop", Skipped.String())
		return Skipped
	}

	outcome := Ok
	if err := m.call(ctx, m.recorder.StopRecording); err != nil {
		// The provider may still be recording; local state is reset anyway.
		m.log.Error("failed to stop recording", zap.String("cause", cause), zap.Error(err))
		outcome = Failed
	} else {
		m.log.Info("recording stopped", zap.String("cause", cause))
	}
	m.state = NotRecording
	m.metrics.RecordingTransition("stop", outcome.String())
	return outcome
}

func (m *Manager) reset(cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Recording {
		m.log.Info("recording marked stopped", zap.String("cause", cause))
	}
	m.state = NotRecording
}

func (m *Manager) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recorder panic: %v", r)
		}
	}()
	return fn(ctx)
}
