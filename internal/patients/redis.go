package patients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	RedisAddr     string `env:"PATIENTS_REDIS_ADDR"`
	RedisUsername string `env:"PATIENTS_REDIS_USERNAME"`
	RedisPassword string `env:"PATIENTS_REDIS_PASSWORD"`
	RedisDB       int    `env:"PATIENTS_REDIS_DB" envDefault:"0"`
	Prefix        string `env:"PATIENTS_REDIS_PREFIX" envDefault:"callbridge:patients:v1"`
	SeedFixtures  bool   `env:"PATIENTS_SEED_FIXTURES" envDefault:"true"`
}

// RedisDirectory stores patients as JSON under prefix:id:<id> with a
// prefix:phone:<number> index pointing at the id.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisDirectory connects and verifies the server with a ping.
func NewRedisDirectory(ctx context.Context, cfg Config) (*RedisDirectory, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, fmt.Errorf("patients: redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "callbridge:patients:v1"
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(cfg.RedisUsername),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisDirectory{client: c, prefix: prefix, now: time.Now}, nil
}

func (d *RedisDirectory) idKey(id string) string       { return d.prefix + ":id:" + id }
func (d *RedisDirectory) phoneKey(phone string) string { return d.prefix + ":phone:" + phone }

// Close closes the Redis connection.
func (d *RedisDirectory) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

// LookupByPhone resolves the phone index, then loads the record.
func (d *RedisDirectory) LookupByPhone(ctx context.Context, phone string) (LookupResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Absent, nil
	}

	id, err := d.client.Get(ctx, d.phoneKey(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("failed to resolve phone index: %w", err)
	}

	raw, err := d.client.Get(ctx, d.idKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Stale index entry.
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("failed to load patient %s: %w", id, err)
	}

	p, err := decodePatient(raw)
	if err != nil {
		return Absent, err
	}
	return Found(p), nil
}

// Create claims the phone index with SETNX, then writes the record.
func (d *RedisDirectory) Create(ctx context.Context, phone, name, email string) (*Patient, error) {
	p, err := newPatient(phone, name, email, d.now())
	if err != nil {
		return nil, err
	}

	claimed, err := d.client.SetNX(ctx, d.phoneKey(p.PhoneNumber), p.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim phone index: %w", err)
	}
	if !claimed {
		return nil, ErrPhoneInUse
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patient: %w", err)
	}
	if err := d.client.Set(ctx, d.idKey(p.ID), data, 0).Err(); err != nil {
		_ = d.client.Del(ctx, d.phoneKey(p.PhoneNumber)).Err()
		return nil, fmt.Errorf("failed to store patient: %w", err)
	}
	return p, nil
}

// Seed writes records that do not exist yet. Existing records are left alone.
func (d *RedisDirectory) Seed(ctx context.Context, records []Patient) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range records {
			data, err := json.Marshal(records[i])
			if err != nil {
				return fmt.Errorf("failed to marshal patient: %w", err)
			}
			pipe.SetNX(ctx, d.idKey(records[i].ID), data, 0)
			if records[i].PhoneNumber != "" {
				pipe.SetNX(ctx, d.phoneKey(records[i].PhoneNumber), records[i].ID, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed patients: %w", err)
	}
	return nil
}

func decodePatient(raw []byte) (*Patient, error) {
	var p Patient
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient: %w", err)
	}
	if p.ID == "" {
		return nil, ErrInvalidPatient
	}
	return &p, nil
}

// NewDirectory picks the Redis directory when an address is configured and the
// in-memory one otherwise. closeFn releases whatever was opened.
func NewDirectory(ctx context.Context, cfg Config, log *zap.Logger) (Directory, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var seed []Patient
	if cfg.SeedFixtures {
		seed = Fixtures()
	}

	if strings.TrimSpace(cfg.RedisAddr) == "" {
		log.Info("using in-memory patient directory", zap.Int("records", len(seed)))
		return NewMemoryDirectory(seed...), func() error { return nil }, nil
	}

	d, err := NewRedisDirectory(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if len(seed) > 0 {
		if err := d.Seed(ctx, seed); err != nil {
			_ = d.Close()
			return nil, nil, err
		}
	}
	log.Info("connected to patient directory", zap.String("addr", cfg.RedisAddr), zap.String("prefix", d.prefix))
	return d, d.Close, nil
}
