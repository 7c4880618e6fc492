package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/bot"
	"github.com/clinicvoice/callbridge/internal/config"
	"github.com/clinicvoice/callbridge/internal/daily"
	"github.com/clinicvoice/callbridge/internal/embedding"
	"github.com/clinicvoice/callbridge/internal/forwarder"
	"github.com/clinicvoice/callbridge/internal/knowledge"
	"github.com/clinicvoice/callbridge/internal/logging"
	"github.com/clinicvoice/callbridge/internal/metrics"
	"github.com/clinicvoice/callbridge/internal/patients"
	"github.com/clinicvoice/callbridge/internal/recording"
	"github.com/clinicvoice/callbridge/internal/telephony"
	"github.com/clinicvoice/callbridge/internal/transport"
)

// botConfig covers everything a bot process needs beyond the per-package
// configs.
type botConfig struct {
	SidecarURL       string        `env:"SIDECAR_URL" envDefault:"ws://127.0.0.1:8765/ws"`
	SidecarToken     string        `env:"SIDECAR_TOKEN"`
	GreetingDelay    time.Duration `env:"GREETING_DELAY" envDefault:"1800ms"`
	RetrievalTimeout time.Duration `env:"RETRIEVAL_TIMEOUT" envDefault:"2s"`
	ForwardAttempts  int           `env:"FORWARD_MAX_ATTEMPTS" envDefault:"10"`
	ForwardDelay     time.Duration `env:"FORWARD_RETRY_DELAY" envDefault:"500ms"`
}

// app holds the process-wide handles shared by every command.
type app struct {
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collectors

	patients patients.Directory
	pool     *embedding.Pool
	store    *knowledge.Store
	daily    *daily.Client
	phone    *telephony.Client

	knowledgeCfg knowledge.Config
	embeddingCfg embedding.Config
	phoneCfg     telephony.Config

	closers []func() error
}

func newApp() (*app, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	logCfg, err := config.New[logging.Config]()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(*logCfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{log: log, registry: reg, metrics: metrics.New(reg)}, nil
}

// openPatients connects the patient directory.
func (a *app) openPatients(ctx context.Context) error {
	cfg, err := config.New[patients.Config]()
	if err != nil {
		return err
	}
	dir, closeFn, err := patients.NewDirectory(ctx, *cfg, a.log.Named("patients"))
	if err != nil {
		return fmt.Errorf("opening patient directory: %w", err)
	}
	a.patients = dir
	a.closers = append(a.closers, closeFn)
	return nil
}

// openEmbedding builds the encoder pool and warms it up.
func (a *app) openEmbedding(ctx context.Context) error {
	cfg, err := config.New[embedding.Config]()
	if err != nil {
		return err
	}
	enc, err := embedding.New(ctx, *cfg)
	if err != nil {
		return err
	}
	a.embeddingCfg = *cfg
	a.pool = embedding.NewPool(enc, cfg.Workers, a.log.Named("embedding"))
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })

	if err := a.pool.Warmup(ctx); err != nil {
		a.log.Warn("embedding warmup failed", zap.String("encoder", enc.Name()), zap.Error(err))
	}
	return nil
}

// openKnowledge connects the knowledge backend. Requires openEmbedding.
func (a *app) openKnowledge(ctx context.Context) error {
	cfg, err := config.New[knowledge.Config]()
	if err != nil {
		return err
	}
	a.knowledgeCfg = *cfg
	store, err := knowledge.Open(ctx, *cfg, a.pool.Dimensions(), a.log.Named("knowledge"))
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// openCallServices builds the Daily and carrier clients.
func (a *app) openCallServices() error {
	dcfg, err := config.New[daily.Config]()
	if err != nil {
		return err
	}
	if a.daily, err = daily.NewClient(*dcfg); err != nil {
		return err
	}
	tcfg, err := config.New[telephony.Config]()
	if err != nil {
		return err
	}
	if a.phone, err = telephony.NewClient(*tcfg); err != nil {
		return err
	}
	a.phoneCfg = *tcfg
	return nil
}

// botDeps wires the shared handles into what bot.Run needs. Retrieval is
// disabled when the knowledge backend could not be opened.
func (a *app) botDeps(ctx context.Context) (bot.Deps, error) {
	cfg, err := config.New[botConfig]()
	if err != nil {
		return bot.Deps{}, err
	}

	deps := bot.Deps{
		Log:              a.log,
		Metrics:          a.metrics,
		Patients:         a.patients,
		RetrievalTimeout: cfg.RetrievalTimeout,
		Redirector:       a.phone,
		ForwardOptions: []forwarder.Option{
			forwarder.WithMaxAttempts(cfg.ForwardAttempts),
			forwarder.WithDelay(cfg.ForwardDelay),
		},
		Recorder: func(roomURL string) (recording.Recorder, error) {
			name, err := daily.RoomName(roomURL)
			if err != nil {
				return nil, err
			}
			return a.daily.Recorder(name), nil
		},
		Connect: func(ctx context.Context, p bot.Payload) (bot.Transport, error) {
			header := http.Header{}
			if cfg.SidecarToken != "" {
				header.Set("Authorization", "Bearer "+cfg.SidecarToken)
			}
			return transport.Dial(ctx, cfg.SidecarURL, header, a.log.Named("transport").With(zap.String("call_id", p.CallID)))
		},
		GreetingDelay: cfg.GreetingDelay,
	}

	if err := a.openEmbedding(ctx); err != nil {
		a.log.Warn("embedding unavailable, retrieval disabled", zap.Error(err))
		return deps, nil
	}
	if err := a.openKnowledge(ctx); err != nil {
		a.log.Warn("knowledge backend unavailable, retrieval disabled", zap.Error(err))
		return deps, nil
	}
	deps.Searcher = knowledge.NewSearcher(a.pool, a.store)
	deps.RetrievalTopK = a.knowledgeCfg.TopK
	return deps, nil
}

func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("closing resources", zap.Error(err))
	}
	_ = a.log.Sync()
}
