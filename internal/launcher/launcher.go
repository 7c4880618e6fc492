// Package launcher starts a bot for an accepted call, in this process, on a
// worker fed through Redis, or through a remote agent start API.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/bot"
)

const (
	ModeLocal  = "local"
	ModeQueue  = "queue"
	ModeRemote = "remote"
)

var (
	ErrUnknownMode = errors.New("launcher: unknown mode")
	ErrStopped     = errors.New("launcher: stopped")
)

type Config struct {
	Mode string `env:"BOT_LAUNCH_MODE" envDefault:"local"`

	RedisAddr     string `env:"LAUNCH_REDIS_ADDR"`
	RedisPassword string `env:"LAUNCH_REDIS_PASSWORD"`
	RedisDB       int    `env:"LAUNCH_REDIS_DB" envDefault:"0"`
	QueueKey      string `env:"LAUNCH_QUEUE_KEY" envDefault:"callbridge:launch:v1"`

	StartURL   string `env:"BOT_START_URL"`
	StartToken string `env:"BOT_START_TOKEN"`

	MaxCalls int `env:"WORKER_MAX_CALLS" envDefault:"16"`
}

// Launcher hands a payload to whatever runs bots. It returns once the bot is
// accepted, without waiting for it to join the room.
type Launcher interface {
	Launch(ctx context.Context, p bot.Payload) error
}

// StartRequest is the body of a remote start call and of a queued launch.
type StartRequest struct {
	CreateDailyRoom bool        `json:"createDailyRoom"`
	Body            bot.Payload `json:"body"`
}

// RunFunc runs one bot to completion.
type RunFunc func(ctx context.Context, p bot.Payload) error

// Local runs bots as goroutines of this process. Bots outlive the request
// that launched them and stop when the Local is stopped.
type Local struct {
	run RunFunc
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewLocal(run RunFunc, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{run: run, log: log, ctx: ctx, cancel: cancel}
}

func (l *Local) Launch(_ context.Context, p bot.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.run(l.ctx, p); err != nil {
			l.log.Error("bot exited with error", zap.String("call_id", p.CallID), zap.Error(err))
			return
		}
		l.log.Info("bot exited", zap.String("call_id", p.CallID))
	}()
	return nil
}

// Stop cancels running bots and waits for them to finish.
func (l *Local) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}

// New selects the launcher for cfg.Mode. The returned stop func releases its
// resources.
func New(ctx context.Context, cfg Config, run RunFunc, log *zap.Logger) (Launcher, func(), error) {
	switch cfg.Mode {
	case "", ModeLocal:
		l := NewLocal(run, log)
		return l, l.Stop, nil
	case ModeQueue:
		q, err := NewQueue(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	case ModeRemote:
		r, err := NewRemote(cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}
