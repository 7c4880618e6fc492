package callbridge

import (
	"context"
	"time"

	"github.com/clinicvoice/callbridge/internal/daily"
)

// DailyRooms provisions dial-in rooms on Daily.
type DailyRooms struct {
	client *daily.Client
	now    func() time.Time
}

func NewDailyRooms(c *daily.Client) *DailyRooms {
	return &DailyRooms{client: c, now: time.Now}
}

// CreateRoom creates a dial-in only room: one SIP endpoint, no dial-out,
// video off, cloud recording, ejecting everyone at expiry.
func (d *DailyRooms) CreateRoom(ctx context.Context, cfg RoomConfig) (Room, error) {
	props := daily.RoomProperties{
		EjectAtRoomExp:  true,
		StartVideoOff:   true,
		EnableRecording: "cloud",
		SIP: &daily.SIPParams{
			DisplayName:  cfg.DisplayName,
			Video:        false,
			SIPMode:      "dial-in",
			NumEndpoints: 1,
		},
	}
	if cfg.Expiry > 0 {
		props.Exp = d.now().Add(cfg.Expiry).Unix()
	}

	room, err := d.client.CreateRoom(ctx, cfg.Name, props)
	if err != nil {
		return Room{}, err
	}
	return Room{URL: room.URL, SIPEndpoint: room.SIPEndpoint()}, nil
}

func (d *DailyRooms) IssueToken(ctx context.Context, roomURL string, expiry time.Duration) (string, error) {
	return d.client.IssueToken(ctx, roomURL, expiry)
}
