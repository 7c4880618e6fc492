package bot

import (
	"errors"

	"github.com/clinicvoice/callbridge/internal/patients"
)

var (
	ErrMissingCall = errors.New("bot: call_id and sip_uri are required")
	ErrMissingRoom = errors.New("bot: room_url and token are required")
)

// Payload is everything a bot needs to join a call. Field names match the
// launch body the webhook produces.
type Payload struct {
	RoomURL     string            `json:"room_url"`
	Token       string            `json:"token"`
	CallID      string            `json:"call_id"`
	SIPURI      string            `json:"sip_uri"`
	CallerPhone string            `json:"caller_phone"`
	Patient     *patients.Patient `json:"patient"`
	// HandleSigint makes the bot stop itself on SIGINT/SIGTERM. Only set for
	// a bot that owns its process.
	HandleSigint bool `json:"handle_sigint"`
}

func (p Payload) Validate() error {
	if p.CallID == "" || p.SIPURI == "" {
		return ErrMissingCall
	}
	if p.RoomURL == "" || p.Token == "" {
		return ErrMissingRoom
	}
	return nil
}
