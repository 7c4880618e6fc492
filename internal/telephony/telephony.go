// Package telephony talks to the carrier that owns the caller's phone leg.
package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// CodeCallNotInProgress is returned by the carrier while the leg cannot yet
// accept a redirect.
const CodeCallNotInProgress = 21220

// DefaultHoldMusicURL is the ringback played while the bot joins.
const DefaultHoldMusicURL = "https://therapeutic-crayon-2467.twil.io/assets/US_ringback_tone.mp3"

// ErrLegNotActive marks a redirect that may succeed if retried shortly.
var ErrLegNotActive = errors.New("telephony: call leg not in progress")

type Config struct {
	AccountSID    string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken     string `env:"TWILIO_AUTH_TOKEN"`
	HoldMusicURL  string `env:"HOLD_MUSIC_URL" envDefault:"https://therapeutic-crayon-2467.twil.io/assets/US_ringback_tone.mp3"`
	HoldMusicLoop int    `env:"HOLD_MUSIC_LOOP" envDefault:"10"`
}

// RedirectError is a carrier rejection of a redirect.
type RedirectError struct {
	Code    int
	Message string
	Err     error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect rejected (code %d): %s", e.Code, e.Message)
}

func (e *RedirectError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLegNotActive) true for the retry-eligible code.
func (e *RedirectError) Is(target error) bool {
	return target == ErrLegNotActive && e.Code == CodeCallNotInProgress
}

// IsLegNotActive reports whether err is the retry-eligible redirect failure.
func IsLegNotActive(err error) bool {
	return errors.Is(err, ErrLegNotActive)
}

type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Client redirects live calls.
type Client struct {
	calls callUpdater
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{calls: rc.Api}, nil
}

// Redirect points the caller's leg at the SIP URI.
func (c *Client) Redirect(ctx context.Context, callID, sipURI string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := DialSIPTwiML(sipURI)
	if err != nil {
		return err
	}

	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := c.calls.UpdateCall(callID, params); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var rest *twclient.TwilioRestError
	if errors.As(err, &rest) {
		return &RedirectError{Code: rest.Code, Message: rest.Message, Err: err}
	}
	return fmt.Errorf("updating call: %w", err)
}

// DialSIPTwiML renders <Response><Dial><Sip>uri</Sip></Dial></Response>.
func DialSIPTwiML(sipURI string) (string, error) {
	dial := &twiml.VoiceDial{
		InnerElements: []twiml.Element{&twiml.VoiceSip{SipUrl: sipURI}},
	}
	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		return "", fmt.Errorf("rendering dial twiml: %w", err)
	}
	return doc, nil
}

// HoldTwiML renders the hold music played while the bot starts.
func HoldTwiML(musicURL string, loop int) (string, error) {
	play := &twiml.VoicePlay{Url: musicURL}
	if loop > 0 {
		play.Loop = fmt.Sprint(loop)
	}
	doc, err := twiml.Voice([]twiml.Element{play})
	if err != nil {
		return "", fmt.Errorf("rendering hold twiml: %w", err)
	}
	return doc, nil
}
