package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clinicvoice/callbridge/internal/bot"
)

// Remote starts bots through an agent start endpoint.
type Remote struct {
	url   string
	token string
	http  *http.Client
}

func NewRemote(cfg Config) (*Remote, error) {
	if cfg.StartURL == "" {
		return nil, fmt.Errorf("launcher: BOT_START_URL is required for remote mode")
	}
	return &Remote{url: cfg.StartURL, token: cfg.StartToken, http: &http.Client{Timeout: 15 * time.Second}}, nil
}

func (r *Remote) Launch(ctx context.Context, p bot.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(StartRequest{CreateDailyRoom: false, Body: p})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("starting bot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("starting bot: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
