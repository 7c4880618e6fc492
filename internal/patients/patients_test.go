package patients

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectoryLookup(t *testing.T) {
	d := NewMemoryDirectory(Fixtures()...)
	ctx := context.Background()

	res, err := d.LookupByPhone(ctx, "+14155550198")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, "pt_10293a", res.Patient.ID)
	assert.Equal(t, "Lauren Park", res.Patient.Name)

	res, err = d.LookupByPhone(ctx, "+10000000000")
	require.NoError(t, err)
	assert.False(t, res.Found())
}

func TestMemoryDirectoryEmptyPhoneIsAbsent(t *testing.T) {
	// pt_123456 is stored with an empty phone number and must never match.
	d := NewMemoryDirectory(Fixtures()...)
	res, err := d.LookupByPhone(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, Absent, res)
}

func TestMemoryDirectoryLookupReturnsCopy(t *testing.T) {
	d := NewMemoryDirectory(Fixtures()...)
	res, err := d.LookupByPhone(context.Background(), "+15125550140")
	require.NoError(t, err)
	res.Patient.Name = "changed"

	again, err := d.LookupByPhone(context.Background(), "+15125550140")
	require.NoError(t, err)
	assert.Equal(t, "Miguel Alvarez", again.Patient.Name)
}

func TestMemoryDirectoryCreate(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	p, err := d.Create(ctx, "+15550001111", "Ada Lovelace", "ada@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.ID, "pt_"))
	assert.Len(t, p.ID, len("pt_")+6)
	assert.NotEmpty(t, p.CreatedAt)

	res, err := d.LookupByPhone(ctx, "+15550001111")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, p.ID, res.Patient.ID)

	_, err = d.Create(ctx, "+15550001111", "Someone Else", "else@example.com")
	assert.ErrorIs(t, err, ErrPhoneInUse)

	_, err = d.Create(ctx, "", "No Phone", "np@example.com")
	assert.ErrorIs(t, err, ErrInvalidPatient)
	assert.Equal(t, 1, d.Len())
}

func TestPatientWireNames(t *testing.T) {
	p := Fixtures()[1]
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, p.Map(), m)
	assert.Nil(t, (*Patient)(nil).Map())
}

func TestDecodePatientRejectsMissingID(t *testing.T) {
	_, err := decodePatient([]byte(`{"name":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidPatient)

	_, err = decodePatient([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewDirectoryWithoutRedis(t *testing.T) {
	dir, closeFn, err := NewDirectory(context.Background(), Config{SeedFixtures: true}, nil)
	require.NoError(t, err)
	defer closeFn()

	res, err := dir.LookupByPhone(context.Background(), "+16175550127")
	require.NoError(t, err)
	assert.True(t, res.Found())
}
