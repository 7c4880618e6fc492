// Package callbridge accepts inbound calls: it identifies the caller,
// provisions a dial-in room, launches the call's bot and parks the caller on
// hold until the bot forwards them into the room.
package callbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/bot"
	"github.com/clinicvoice/callbridge/internal/metrics"
	"github.com/clinicvoice/callbridge/internal/patients"
	"github.com/clinicvoice/callbridge/internal/telephony"
)

const UnknownCaller = "unknown-caller"

var (
	ErrMissingCallID = errors.New("callbridge: missing CallSid")
	ErrNoSIPEndpoint = errors.New("callbridge: room has no SIP endpoint")
	ErrRoomFailed    = errors.New("callbridge: room provisioning failed")
	ErrLaunchFailed  = errors.New("callbridge: bot launch failed")
)

type Config struct {
	RoomPrefix    string        `env:"ROOM_PREFIX" envDefault:"callbridge-sip"`
	RoomExpiry    time.Duration `env:"ROOM_EXPIRY" envDefault:"2h"`
	LookupTimeout time.Duration `env:"PATIENT_LOOKUP_TIMEOUT" envDefault:"2s"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
}

// RoomConfig describes the dial-in room created for one call.
type RoomConfig struct {
	Name        string
	DisplayName string
	Expiry      time.Duration
}

// Room is a provisioned room.
type Room struct {
	URL         string
	SIPEndpoint string
}

// RoomProvider creates rooms and their access tokens.
type RoomProvider interface {
	CreateRoom(ctx context.Context, cfg RoomConfig) (Room, error)
	IssueToken(ctx context.Context, roomURL string, expiry time.Duration) (string, error)
}

// Launcher starts the bot for a call without waiting for it to join.
type Launcher interface {
	Launch(ctx context.Context, p bot.Payload) error
}

// InboundCall is the carrier's new-call signal.
type InboundCall struct {
	CallID       string
	CallerNumber string
}

// Controller handles inbound call signals.
type Controller struct {
	config   Config
	rooms    RoomProvider
	launcher Launcher
	dir      patients.Directory
	holdURL  string
	holdLoop int
	log      *zap.Logger
	metrics  *metrics.Collectors
	callMgr  *CallManager
	now      func() time.Time
}

type Option func(*Controller)

// WithHoldMusic sets the audio played while the caller waits.
func WithHoldMusic(url string, loop int) Option {
	return func(c *Controller) { c.holdURL, c.holdLoop = url, loop }
}

func WithMetrics(m *metrics.Collectors) Option { return func(c *Controller) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// NewController creates a controller.
func NewController(cfg Config, rooms RoomProvider, l Launcher, dir patients.Directory, log *zap.Logger, opts ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RoomPrefix == "" {
		cfg.RoomPrefix = "callbridge-sip"
	}
	if cfg.RoomExpiry <= 0 {
		cfg.RoomExpiry = 2 * time.Hour
	}
	c := &Controller{
		config:   cfg,
		rooms:    rooms,
		launcher: l,
		dir:      dir,
		holdURL:  telephony.DefaultHoldMusicURL,
		holdLoop: 10,
		log:      log,
		callMgr:  NewCallManager(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sessions exposes the controller's call registry.
func (c *Controller) Sessions() *CallManager { return c.callMgr }

// HandleInbound bridges a new call and returns the TwiML that holds the
// caller. A repeated signal for a call already being bridged returns the
// hold response again without provisioning anything.
func (c *Controller) HandleInbound(ctx context.Context, in InboundCall) (string, error) {
	callID := strings.TrimSpace(in.CallID)
	if callID == "" {
		c.metrics.InboundCall("rejected")
		return "", ErrMissingCallID
	}
	caller := NormalizePhone(in.CallerNumber)
	if caller == "" {
		caller = UnknownCaller
	}
	log := c.log.With(zap.String("call_id", callID))
	log.Debug("processing inbound call", zap.String("caller", caller))

	session, created := c.callMgr.Register(NewCallSession(callID, caller, c.now()))
	if !created && session.GetState() != StateFailed {
		log.Warn("duplicate inbound signal", zap.Stringer("state", session.GetState()))
		return c.hold()
	}
	if !created {
		c.callMgr.Remove(callID)
		session, _ = c.callMgr.Register(NewCallSession(callID, caller, c.now()))
	}

	if err := c.bridge(ctx, session, log); err != nil {
		session.fail(err)
		c.metrics.InboundCall("error")
		return "", err
	}
	c.metrics.InboundCall("bridged")
	c.metrics.CallStarted()
	return c.hold()
}

func (c *Controller) bridge(ctx context.Context, s *CallSession, log *zap.Logger) error {
	s.Identity = c.lookup(ctx, s.CallerNumber, log)

	room, err := c.rooms.CreateRoom(ctx, RoomConfig{
		Name:        c.roomName(),
		DisplayName: s.CallerNumber,
		Expiry:      c.config.RoomExpiry,
	})
	if err != nil {
		log.Error("creating room", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrRoomFailed, err)
	}
	if room.SIPEndpoint == "" {
		return ErrNoSIPEndpoint
	}
	token, err := c.rooms.IssueToken(ctx, room.URL, c.config.RoomExpiry)
	if err != nil {
		log.Error("issuing room token", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrRoomFailed, err)
	}

	s.mu.Lock()
	s.RoomURL, s.Token, s.ForwardingTarget = room.URL, token, room.SIPEndpoint
	s.State = StateRoomReady
	s.mu.Unlock()
	log.Info("room ready", zap.String("room_url", room.URL), zap.String("sip_endpoint", room.SIPEndpoint))

	payload := bot.Payload{
		RoomURL:     room.URL,
		Token:       token,
		CallID:      s.CallID,
		SIPURI:      room.SIPEndpoint,
		CallerPhone: s.CallerNumber,
		Patient:     s.Identity.Patient,
	}
	if err := c.launcher.Launch(ctx, payload); err != nil {
		log.Error("launching bot", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	s.mu.Lock()
	s.State, s.launched = StateLaunched, true
	s.mu.Unlock()
	log.Info("bot launched")
	return nil
}

// lookup degrades every failure to an unknown caller.
func (c *Controller) lookup(ctx context.Context, phone string, log *zap.Logger) patients.LookupResult {
	if c.dir == nil || phone == UnknownCaller {
		return patients.Absent
	}
	if c.config.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.LookupTimeout)
		defer cancel()
	}

	res, err := c.dir.LookupByPhone(ctx, phone)
	if err != nil {
		log.Warn("patient lookup failed", zap.Error(err))
		return patients.Absent
	}
	if res.Found() {
		log.Debug("matched patient by phone", zap.String("patient_id", res.Patient.ID))
	} else {
		log.Debug("no patient match for caller phone")
	}
	return res
}

func (c *Controller) roomName() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return c.config.RoomPrefix + "-" + id[:8]
}

func (c *Controller) hold() (string, error) {
	return telephony.HoldTwiML(c.holdURL, c.holdLoop)
}

// EndCall forgets a call once its bot has exited.
func (c *Controller) EndCall(callID string) {
	if s := c.callMgr.Remove(callID); s != nil {
		if s.wasLaunched() {
			c.metrics.CallEnded()
		}
		c.log.Debug("call ended", zap.String("call_id", callID))
	}
}

// Run sweeps sessions whose room has expired until ctx is done. Bots launched
// on other processes never report back, so expiry is their only cleanup.
func (c *Controller) Run(ctx context.Context) {
	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// Sweep drops sessions older than the room expiry.
func (c *Controller) Sweep() int {
	removed := c.callMgr.RemoveOlderThan(c.now().Add(-c.config.RoomExpiry))
	for _, s := range removed {
		if s.wasLaunched() {
			c.metrics.CallEnded()
		}
		c.log.Debug("session expired", zap.String("call_id", s.CallID))
	}
	return len(removed)
}
