package daily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	path string
	auth string
	body map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, c captured)) (*Client, *[]captured) {
	t.Helper()
	var seen []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		seen = append(seen, c)
		handler(w, c)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "key", APIURL: srv.URL + "/", RoomExpiry: 2 * time.Hour, TokenExpiry: time.Hour})
	require.NoError(t, err)
	client.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return client, &seen
}

func TestCreateRoom(t *testing.T) {
	client, seen := newTestClient(t, func(w http.ResponseWriter, _ captured) {
		_, _ = w.Write([]byte(`{"id":"r1","name":"callbridge-sip-abc","url":"https://x.daily.co/callbridge-sip-abc","config":{"sip_uri":{"endpoint":"sip:abc@x.sip.daily.co"}}}`))
	})

	room, err := client.CreateRoom(context.Background(), "callbridge-sip-abc", RoomProperties{
		EjectAtRoomExp:  true,
		StartVideoOff:   true,
		EnableRecording: "cloud",
		SIP:             &SIPParams{DisplayName: "+14155550198", SIPMode: "dial-in", NumEndpoints: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "sip:abc@x.sip.daily.co", room.SIPEndpoint())

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, "/rooms", got.path)
	assert.Equal(t, "Bearer key", got.auth)
	props := got.body["properties"].(map[string]any)
	assert.Equal(t, float64(1_700_000_000+7200), props["exp"])
	assert.Equal(t, "cloud", props["enable_recording"])
	sip := props["sip"].(map[string]any)
	assert.Equal(t, "dial-in", sip["sip_mode"])
	assert.Equal(t, float64(1), sip["num_endpoints"])
}

func TestIssueToken(t *testing.T) {
	client, seen := newTestClient(t, func(w http.ResponseWriter, _ captured) {
		_, _ = w.Write([]byte(`{"token":"tok"}`))
	})

	tok, err := client.IssueToken(context.Background(), "https://x.daily.co/room-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	props := (*seen)[0].body["properties"].(map[string]any)
	assert.Equal(t, "room-1", props["room_name"])
	assert.Equal(t, true, props["is_owner"])
	assert.Equal(t, float64(1_700_000_000+3600), props["exp"])
}

func TestRecordingEndpointsAndErrors(t *testing.T) {
	client, seen := newTestClient(t, func(w http.ResponseWriter, c captured) {
		if c.path == "/rooms/room-1/recordings/stop" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid-request-error","info":"no active recording"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, client.StartRecording(context.Background(), "room-1"))
	err := client.StopRecording(context.Background(), "room-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "no active recording", apiErr.Info)
	assert.Equal(t, "/rooms/room-1/recordings/start", (*seen)[0].path)
}

func TestRoomName(t *testing.T) {
	name, err := RoomName("https://clinic.daily.co/callbridge-sip-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, "callbridge-sip-1a2b3c4d", name)

	_, err = RoomName("https://clinic.daily.co/")
	assert.Error(t, err)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
