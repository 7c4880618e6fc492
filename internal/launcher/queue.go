package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/clinicvoice/callbridge/internal/bot"
)

const popTimeout = 5 * time.Second

type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

func dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, fmt.Errorf("launcher: LAUNCH_REDIS_ADDR is required for queue mode")
	}
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return c, nil
}

// Queue pushes launches onto a Redis list consumed by Worker processes.
type Queue struct {
	client listClient
	key    string
	log    *zap.Logger
}

func NewQueue(ctx context.Context, cfg Config, log *zap.Logger) (*Queue, error) {
	c, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newQueue(c, cfg.QueueKey, log), nil
}

func newQueue(c listClient, key string, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{client: c, key: key, log: log}
}

func (q *Queue) Launch(ctx context.Context, p bot.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(StartRequest{Body: p})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("queueing launch for %s: %w", p.CallID, err)
	}
	q.log.Debug("launch queued", zap.String("call_id", p.CallID))
	return nil
}

func (q *Queue) Close() error { return q.client.Close() }

// Worker pops queued launches and runs at most MaxCalls bots at once.
type Worker struct {
	client listClient
	key    string
	run    RunFunc
	sem    *semaphore.Weighted
	log    *zap.Logger

	wg sync.WaitGroup
}

func NewWorker(ctx context.Context, cfg Config, run RunFunc, log *zap.Logger) (*Worker, error) {
	c, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newWorker(c, cfg.QueueKey, cfg.MaxCalls, run, log), nil
}

func newWorker(c listClient, key string, maxCalls int, run RunFunc, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &Worker{client: c, key: key, run: run, sem: semaphore.NewWeighted(int64(maxCalls)), log: log}
}

// Consume runs until ctx is done, then waits for running bots to exit.
func (w *Worker) Consume(ctx context.Context) error {
	defer w.wg.Wait()
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		res, err := w.client.BRPop(ctx, popTimeout, w.key).Result()
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("popping launch: %w", err)
		}

		// BRPOP replies with [key, value].
		var req StartRequest
		if len(res) != 2 {
			w.sem.Release(1)
			w.log.Warn("unexpected pop reply", zap.Strings("reply", res))
			continue
		}
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			w.sem.Release(1)
			w.log.Warn("malformed launch", zap.Error(err))
			continue
		}

		w.wg.Add(1)
		go func(p bot.Payload) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			if err := w.run(ctx, p); err != nil {
				w.log.Error("bot exited with error", zap.String("call_id", p.CallID), zap.Error(err))
			}
		}(req.Body)
	}
}

func (w *Worker) Close() error { return w.client.Close() }
