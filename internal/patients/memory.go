package patients

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory is a process-local directory. It backs development runs and
// tests, and serves as the fallback when Redis is not configured.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*Patient
	byPhone map[string]string
	now     func() time.Time
}

// NewMemoryDirectory returns a directory seeded with seed.
func NewMemoryDirectory(seed ...Patient) *MemoryDirectory {
	d := &MemoryDirectory{
		byID:    make(map[string]*Patient),
		byPhone: make(map[string]string),
		now:     time.Now,
	}
	for i := range seed {
		p := seed[i]
		d.put(&p)
	}
	return d
}

func (d *MemoryDirectory) put(p *Patient) {
	d.byID[p.ID] = p
	if p.PhoneNumber != "" {
		d.byPhone[p.PhoneNumber] = p.ID
	}
}

// LookupByPhone matches the exact phone number. An empty number is Absent.
func (d *MemoryDirectory) LookupByPhone(_ context.Context, phone string) (LookupResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Absent, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byPhone[phone]
	if !ok {
		return Absent, nil
	}
	cp := *d.byID[id]
	return Found(&cp), nil
}

// Create registers a new patient.
func (d *MemoryDirectory) Create(_ context.Context, phone, name, email string) (*Patient, error) {
	p, err := newPatient(phone, name, email, d.now())
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.byPhone[p.PhoneNumber]; taken {
		return nil, ErrPhoneInUse
	}
	d.put(p)
	cp := *p
	return &cp, nil
}

// Len returns the number of records.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
