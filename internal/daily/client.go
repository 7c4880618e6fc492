// Package daily is a small client for the Daily REST API: rooms with SIP
// dial-in, meeting tokens and cloud recording.
package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrMissingAPIKey = errors.New("daily: DAILY_API_KEY is required")

type Config struct {
	APIKey      string        `env:"DAILY_API_KEY"`
	APIURL      string        `env:"DAILY_API_URL" envDefault:"https://api.daily.co/v1"`
	RoomExpiry  time.Duration `env:"DAILY_ROOM_EXPIRY" envDefault:"2h"`
	TokenExpiry time.Duration `env:"DAILY_TOKEN_EXPIRY" envDefault:"2h"`
	Timeout     time.Duration `env:"DAILY_HTTP_TIMEOUT" envDefault:"10s"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Kind   string `json:"error"`
	Info   string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daily api: status %d: %s %s", e.Status, e.Kind, e.Info)
}

// SIPParams configures dial-in on a room.
type SIPParams struct {
	DisplayName  string `json:"display_name"`
	Video        bool   `json:"video"`
	SIPMode      string `json:"sip_mode"`
	NumEndpoints int    `json:"num_endpoints"`
}

// RoomProperties is the subset of room properties the bridge sets.
type RoomProperties struct {
	Exp             int64      `json:"exp,omitempty"`
	EjectAtRoomExp  bool       `json:"eject_at_room_exp"`
	StartVideoOff   bool       `json:"start_video_off"`
	EnableRecording string     `json:"enable_recording,omitempty"`
	SIP             *SIPParams `json:"sip,omitempty"`
}

// Room is a created room.
type Room struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Config struct {
		SIPURI struct {
			Endpoint string `json:"endpoint"`
		} `json:"sip_uri"`
	} `json:"config"`
}

// SIPEndpoint is where the carrier should send the caller.
func (r *Room) SIPEndpoint() string { return r.Config.SIPURI.Endpoint }

// Client calls the Daily REST API.
type Client struct {
	cfg  Config
	base string
	http *http.Client
	now  func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.APIURL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}, nil
}

// CreateRoom creates a room named name. Zero expiry uses the configured default.
func (c *Client) CreateRoom(ctx context.Context, name string, props RoomProperties) (*Room, error) {
	if props.Exp == 0 {
		props.Exp = c.now().Add(c.cfg.RoomExpiry).Unix()
	}
	body := map[string]any{"name": name, "properties": props}

	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms", body, &room); err != nil {
		return nil, fmt.Errorf("creating room %s: %w", name, err)
	}
	return &room, nil
}

// IssueToken returns an owner token for the room at roomURL.
func (c *Client) IssueToken(ctx context.Context, roomURL string, expiry time.Duration) (string, error) {
	name, err := RoomName(roomURL)
	if err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = c.cfg.TokenExpiry
	}
	body := map[string]any{
		"properties": map[string]any{
			"room_name": name,
			"is_owner":  true,
			"exp":       c.now().Add(expiry).Unix(),
		},
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/meeting-tokens", body, &resp); err != nil {
		return "", fmt.Errorf("issuing token for %s: %w", name, err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("issuing token for %s: empty token", name)
	}
	return resp.Token, nil
}

// StartRecording starts cloud recording of the room.
func (c *Client) StartRecording(ctx context.Context, roomName string) error {
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomName)+"/recordings/start", map[string]any{}, nil); err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}
	return nil
}

// StopRecording stops cloud recording of the room.
func (c *Client) StopRecording(ctx context.Context, roomName string) error {
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomName)+"/recordings/stop", map[string]any{}, nil); err != nil {
		return fmt.Errorf("stopping recording: %w", err)
	}
	return nil
}

// RoomName extracts the room name from a room URL.
func RoomName(roomURL string) (string, error) {
	u, err := url.Parse(roomURL)
	if err != nil {
		return "", fmt.Errorf("parsing room url: %w", err)
	}
	name := strings.Trim(u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("room url %q has no room name", roomURL)
	}
	return name, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// RoomRecorder starts and stops cloud recording for one room.
type RoomRecorder struct {
	client *Client
	room   string
}

// Recorder binds recording control to roomName.
func (c *Client) Recorder(roomName string) *RoomRecorder {
	return &RoomRecorder{client: c, room: roomName}
}

func (r *RoomRecorder) StartRecording(ctx context.Context) error {
	return r.client.StartRecording(ctx, r.room)
}

func (r *RoomRecorder) StopRecording(ctx context.Context) error {
	return r.client.StopRecording(ctx, r.room)
}
