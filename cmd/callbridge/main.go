package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/clinicvoice/callbridge/internal/bot"
	"github.com/clinicvoice/callbridge/internal/callbridge"
	"github.com/clinicvoice/callbridge/internal/config"
	"github.com/clinicvoice/callbridge/internal/knowledge"
	"github.com/clinicvoice/callbridge/internal/launcher"
	"github.com/clinicvoice/callbridge/internal/webhook"
)

type workerConfig struct {
	HealthAddr string `env:"WORKER_HEALTH_ADDR" envDefault:":50061"`
}

var (
	rootCmd = &cobra.Command{
		Use:           "callbridge",
		Short:         "Bridges inbound clinic calls to a voice agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the inbound call webhook and launch bots",
		RunE:  runServe,
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run bots for launches queued in Redis",
		RunE:  runWorker,
	}

	botCmd = &cobra.Command{
		Use:   "bot [payload.json]",
		Short: "Run one bot in the foreground for a launch payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runBot,
	}

	seedCmd = &cobra.Command{
		Use:   "seed [scenarios.yaml]",
		Short: "Embed call scenarios and load them into the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeed,
	}
)

func main() {
	rootCmd.AddCommand(serveCmd, workerCmd, botCmd, seedCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func startTracing(a *app) (func(), error) {
	cfg, err := config.New[tracingConfig]()
	if err != nil {
		return nil, err
	}
	shutdown, err := initTracing(*cfg)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.log.Warn("flushing traces", zap.Error(err))
		}
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	flush, err := startTracing(a)
	if err != nil {
		return err
	}
	defer flush()

	if err := a.openPatients(ctx); err != nil {
		return err
	}
	if err := a.openCallServices(); err != nil {
		return err
	}
	deps, err := a.botDeps(ctx)
	if err != nil {
		return err
	}

	var ctrl *callbridge.Controller
	run := func(ctx context.Context, p bot.Payload) error {
		defer ctrl.EndCall(p.CallID)
		return bot.Run(ctx, deps, p)
	}

	lcfg, err := config.New[launcher.Config]()
	if err != nil {
		return err
	}
	l, stopLauncher, err := launcher.New(ctx, *lcfg, run, a.log.Named("launcher"))
	if err != nil {
		return err
	}
	defer stopLauncher()

	ccfg, err := config.New[callbridge.Config]()
	if err != nil {
		return err
	}
	ctrl = callbridge.NewController(*ccfg, callbridge.NewDailyRooms(a.daily), l, a.patients, a.log.Named("controller"),
		callbridge.WithHoldMusic(a.phoneCfg.HoldMusicURL, a.phoneCfg.HoldMusicLoop),
		callbridge.WithMetrics(a.metrics),
	)

	wcfg, err := config.New[webhook.Config]()
	if err != nil {
		return err
	}
	h := webhook.Handlers{Bridge: ctrl, Gatherer: a.registry, Log: a.log.Named("webhook")}
	if lcfg.Mode == "" || lcfg.Mode == launcher.ModeLocal {
		h.Starter = l
	}

	a.log.Info("callbridge serving", zap.String("launch_mode", lcfg.Mode), zap.Bool("retrieval", deps.Searcher != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctrl.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return webhook.Serve(gctx, *wcfg, webhook.NewRouter(*wcfg, h), a.log.Named("http"))
	})
	return g.Wait()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	flush, err := startTracing(a)
	if err != nil {
		return err
	}
	defer flush()

	if err := a.openPatients(ctx); err != nil {
		return err
	}
	if err := a.openCallServices(); err != nil {
		return err
	}
	deps, err := a.botDeps(ctx)
	if err != nil {
		return err
	}

	lcfg, err := config.New[launcher.Config]()
	if err != nil {
		return err
	}
	wcfg, err := config.New[workerConfig]()
	if err != nil {
		return err
	}

	w, err := launcher.NewWorker(ctx, *lcfg, func(ctx context.Context, p bot.Payload) error {
		return bot.Run(ctx, deps, p)
	}, a.log.Named("worker"))
	if err != nil {
		return err
	}
	defer w.Close()

	lis, err := net.Listen("tcp", wcfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", wcfg.HealthAddr, err)
	}
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("worker health listening", zap.String("addr", wcfg.HealthAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		defer func() {
			hs.Shutdown()
			grpcServer.GracefulStop()
		}()
		a.log.Info("worker consuming", zap.String("queue", lcfg.QueueKey), zap.Int("max_calls", lcfg.MaxCalls))
		return w.Consume(gctx)
	})
	return g.Wait()
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	scenarios, err := knowledge.LoadScenarios(args[0])
	if err != nil {
		return err
	}
	if err := a.openEmbedding(ctx); err != nil {
		return err
	}
	if err := a.openKnowledge(ctx); err != nil {
		return err
	}
	return knowledge.Seed(ctx, a.pool, a.store, scenarios, a.embeddingCfg.Workers, a.log.Named("seed"))
}

// runBot runs a single bot owning this process, so the bot handles
// SIGINT/SIGTERM itself.
func runBot(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	var p bot.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parsing payload %s: %w", args[0], err)
	}
	p.HandleSigint = true

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.openPatients(ctx); err != nil {
		return err
	}
	if err := a.openCallServices(); err != nil {
		return err
	}
	deps, err := a.botDeps(ctx)
	if err != nil {
		return err
	}
	return bot.Run(ctx, deps, p)
}
