package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicvoice/callbridge/internal/bot"
	"github.com/clinicvoice/callbridge/internal/callbridge"
	"github.com/clinicvoice/callbridge/internal/metrics"
)

type fakeBridge struct {
	mu    sync.Mutex
	calls []callbridge.InboundCall
	twiml string
	err   error
}

func (b *fakeBridge) HandleInbound(_ context.Context, in callbridge.InboundCall) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, in)
	if in.CallID == "" {
		return "", callbridge.ErrMissingCallID
	}
	return b.twiml, b.err
}

type fakeStarter struct {
	payloads []bot.Payload
	err      error
}

func (s *fakeStarter) Launch(_ context.Context, p bot.Payload) error {
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCallReturnsTwiML(t *testing.T) {
	b := &fakeBridge{twiml: `<Response><Play loop="10">hold.mp3</Play></Response>`}
	r := NewRouter(Config{}, Handlers{Bridge: b})

	w := postForm(r, "/call", url.Values{"CallSid": {"CA1"}, "From": {"+14155550198"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")
	assert.Equal(t, b.twiml, w.Body.String())

	require.Len(t, b.calls, 1)
	assert.Equal(t, callbridge.InboundCall{CallID: "CA1", CallerNumber: "+14155550198"}, b.calls[0])
}

func TestCallErrors(t *testing.T) {
	b := &fakeBridge{}
	r := NewRouter(Config{}, Handlers{Bridge: b})

	w := postForm(r, "/call", url.Values{"From": {"+1"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing CallSid")

	b.err = errors.New("room quota exceeded")
	w = postForm(r, "/call", url.Values{"CallSid": {"CA2"}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "room quota exceeded")
}

func TestStart(t *testing.T) {
	s := &fakeStarter{}
	r := NewRouter(Config{}, Handlers{Bridge: &fakeBridge{}, Starter: s})

	body := `{"createDailyRoom":false,"body":{"room_url":"https://clinic.daily.co/r","token":"t","call_id":"CA1","sip_uri":"sip:r@daily","caller_phone":"+1555"}}`
	w := postJSON(r, "/start", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bot started successfully", resp["status"])
	assert.Equal(t, "CA1", resp["call_id"])
	require.Len(t, s.payloads, 1)
	assert.Equal(t, "sip:r@daily", s.payloads[0].SIPURI)
}

func TestStartRejectsBadRequests(t *testing.T) {
	s := &fakeStarter{}
	r := NewRouter(Config{}, Handlers{Bridge: &fakeBridge{}, Starter: s})

	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/start", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/start", `{"body":{"call_id":"CA1"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/start", `{"createDailyRoom":true,"body":{}}`).Code)
	assert.Empty(t, s.payloads)

	s.err = errors.New("launcher: stopped")
	w := postJSON(r, "/start", `{"body":{"room_url":"u","token":"t","call_id":"CA1","sip_uri":"sip:x"}}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	noStarter := NewRouter(Config{}, Handlers{Bridge: &fakeBridge{}})
	assert.Equal(t, http.StatusServiceUnavailable, postJSON(noStarter, "/start", `{}`).Code)
}

func TestRateLimit(t *testing.T) {
	b := &fakeBridge{twiml: "<Response/>"}
	r := NewRouter(Config{RateLimit: 0.001, RateBurst: 2}, Handlers{Bridge: b})

	form := url.Values{"CallSid": {"CA1"}}
	assert.Equal(t, http.StatusOK, postForm(r, "/call", form).Code)
	assert.Equal(t, http.StatusOK, postForm(r, "/call", form).Code)
	assert.Equal(t, http.StatusTooManyRequests, postForm(r, "/call", form).Code)

	// health is not limited
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.InboundCall("bridged")
	r := NewRouter(Config{}, Handlers{Bridge: &fakeBridge{}, Gatherer: reg})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "inbound_calls_total")
}
