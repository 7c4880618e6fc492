package callbridge

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/clinicvoice/callbridge/internal/patients"
)

// CallState represents how far an inbound call has been bridged.
type CallState int

const (
	StateAccepted CallState = iota
	StateRoomReady
	StateLaunched
	StateFailed
	StateClosed
)

func (s CallState) String() string {
	names := []string{"Accepted", "RoomReady", "Launched", "Failed", "Closed"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// CallSession is one inbound call known to this process.
type CallSession struct {
	CallID       string
	CallerNumber string
	Identity     patients.LookupResult

	// Room
	RoomURL          string
	Token            string
	ForwardingTarget string

	State     CallState
	CreatedAt time.Time
	LastError error
	launched  bool

	mu sync.RWMutex
}

// NewCallSession creates a session for an accepted call.
func NewCallSession(callID, callerNumber string, now time.Time) *CallSession {
	return &CallSession{
		CallID:       callID,
		CallerNumber: callerNumber,
		Identity:     patients.Absent,
		State:        StateAccepted,
		CreatedAt:    now,
	}
}

// SetState safely sets the call state
func (s *CallSession) SetState(state CallState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// GetState safely gets the call state
func (s *CallSession) GetState() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

func (s *CallSession) wasLaunched() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.launched
}

func (s *CallSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateFailed
	s.LastError = err
}

// CallManager tracks concurrent call sessions by carrier call id.
type CallManager struct {
	byCallID map[string]*CallSession
	mu       sync.RWMutex
}

func NewCallManager() *CallManager {
	return &CallManager{byCallID: make(map[string]*CallSession)}
}

// Register adds s unless a session with the same call id exists, in which
// case the existing session is returned with false.
func (m *CallManager) Register(s *CallSession) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byCallID[s.CallID]; ok {
		return existing, false
	}
	m.byCallID[s.CallID] = s
	return s, true
}

// GetByCallID retrieves a session by call ID
func (m *CallManager) GetByCallID(callID string) *CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCallID[callID]
}

// Remove drops the session for callID and marks it closed.
func (m *CallManager) Remove(callID string) *CallSession {
	m.mu.Lock()
	s, ok := m.byCallID[callID]
	delete(m.byCallID, callID)
	m.mu.Unlock()
	if ok {
		s.SetState(StateClosed)
	}
	return s
}

// RemoveOlderThan drops every session created before cutoff and returns them.
func (m *CallManager) RemoveOlderThan(cutoff time.Time) []*CallSession {
	m.mu.Lock()
	var removed []*CallSession
	for id, s := range m.byCallID {
		if s.CreatedAt.Before(cutoff) {
			removed = append(removed, s)
			delete(m.byCallID, id)
		}
	}
	m.mu.Unlock()

	for _, s := range removed {
		s.SetState(StateClosed)
	}
	return removed
}

// Count returns the number of active sessions
func (m *CallManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCallID)
}

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// NormalizePhone reduces a caller value to its digits and leading plus.
// SIP and tel URIs are reduced to their user part. Values without any digit,
// such as "anonymous", are returned trimmed and unchanged.
//
// Examples:
//   - sip:+15551234567@domain.com -> +15551234567
//   - tel:+1 (555) 123-4567 -> +15551234567
//   - +15551234567 -> +15551234567
func NormalizePhone(value string) string {
	v := strings.TrimSpace(value)
	uri := strings.TrimPrefix(strings.TrimPrefix(v, "sip:"), "tel:")
	if idx := strings.Index(uri, "@"); idx != -1 {
		uri = uri[:idx]
	}
	if idx := strings.Index(uri, ";"); idx != -1 {
		uri = uri[:idx]
	}

	phone := nonPhoneChars.ReplaceAllString(uri, "")
	if strings.Trim(phone, "+") == "" {
		return v
	}
	return phone
}
