// Package webhook is the HTTP surface: the carrier's inbound call webhook,
// the local bot start endpoint, health and metrics.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinicvoice/callbridge/internal/callbridge"
	"github.com/clinicvoice/callbridge/internal/launcher"
)

type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":7860"`
	RateLimit       float64       `env:"WEBHOOK_RATE_LIMIT" envDefault:"20"`
	RateBurst       int           `env:"WEBHOOK_RATE_BURST" envDefault:"40"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Bridge accepts inbound calls.
type Bridge interface {
	HandleInbound(ctx context.Context, in callbridge.InboundCall) (string, error)
}

// Handlers serves the routes. Starter may be nil when this process does not
// run bots itself.
type Handlers struct {
	Bridge   Bridge
	Starter  launcher.Launcher
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

// NewRouter builds the gin engine for h.
func NewRouter(cfg Config, h Handlers) *gin.Engine {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	if h.Gatherer == nil {
		h.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(h.Log))

	limited := r.Group("/")
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limited.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}
	limited.POST("/call", h.handleCall)
	limited.POST("/start", h.handleStart)

	r.GET("/health", handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	return r
}

func (h Handlers) handleCall(c *gin.Context) {
	in := callbridge.InboundCall{
		CallID:       c.PostForm("CallSid"),
		CallerNumber: c.PostForm("From"),
	}

	twiml, err := h.Bridge.HandleInbound(c.Request.Context(), in)
	switch {
	case errors.Is(err, callbridge.ErrMissingCallID):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Missing CallSid in request"})
		return
	case err != nil:
		h.Log.Error("inbound call failed", zap.String("call_id", in.CallID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twiml))
}

func (h Handlers) handleStart(c *gin.Context) {
	if h.Starter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "bots are not run by this process"})
		return
	}

	var req launcher.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid start request: " + err.Error()})
		return
	}
	if req.CreateDailyRoom {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "room creation on start is not supported"})
		return
	}
	if err := req.Body.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if err := h.Starter.Launch(c.Request.Context(), req.Body); err != nil {
		h.Log.Error("bot start failed", zap.String("call_id", req.Body.CallID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Bot started successfully", "call_id": req.Body.CallID})
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Serve runs the HTTP server until ctx is done, then shuts it down.
func Serve(ctx context.Context, cfg Config, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
