// Package patients resolves callers to clinic patient records.
package patients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidPatient = errors.New("patients: invalid patient record")
	ErrPhoneInUse     = errors.New("patients: phone number already registered")
)

// Patient is one clinic patient record.
type Patient struct {
	ID          string `json:"patient_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	CreatedAt   string `json:"created_at"`
}

// Map returns the record keyed by its wire field names.
func (p *Patient) Map() map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"patient_id":   p.ID,
		"name":         p.Name,
		"email":        p.Email,
		"phone_number": p.PhoneNumber,
		"created_at":   p.CreatedAt,
	}
}

// LookupResult is the outcome of a directory lookup. Absent is a normal
// outcome, not an error.
type LookupResult struct {
	Patient *Patient
}

// Found reports whether the lookup matched a record.
func (r LookupResult) Found() bool { return r.Patient != nil }

// Absent is the result for an unknown caller.
var Absent = LookupResult{}

// Found wraps p as a matched lookup.
func Found(p *Patient) LookupResult { return LookupResult{Patient: p} }

// Directory finds and registers patients.
type Directory interface {
	LookupByPhone(ctx context.Context, phone string) (LookupResult, error)
	Create(ctx context.Context, phone, name, email string) (*Patient, error)
}

// NewID returns a short patient identifier.
func NewID() string {
	return "pt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func newPatient(phone, name, email string, now time.Time) (*Patient, error) {
	phone = strings.TrimSpace(phone)
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if phone == "" || name == "" || email == "" {
		return nil, fmt.Errorf("%w: phone number, name and email are required", ErrInvalidPatient)
	}
	return &Patient{
		ID:          NewID(),
		Name:        name,
		Email:       email,
		PhoneNumber: phone,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}, nil
}

// Fixtures returns the records every fresh directory is seeded with.
func Fixtures() []Patient {
	const created = "2025-01-01T00:00:00Z"
	return []Patient{
		{ID: "pt_123456", Name: "Peter Parker", Email: "peter.parker@example.com", PhoneNumber: "", CreatedAt: created},
		{ID: "pt_10293a", Name: "Lauren Park", Email: "lauren.park@example.com", PhoneNumber: "+14155550198", CreatedAt: created},
		{ID: "pt_98ff31", Name: "Miguel Alvarez", Email: "miguel.alvarez@example.com", PhoneNumber: "+15125550140", CreatedAt: created},
		{ID: "pt_75b2d9", Name: "Priya Nair", Email: "priya.nair@example.com", PhoneNumber: "+16175550127", CreatedAt: created},
	}
}
