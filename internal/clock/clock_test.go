package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringFormat(t *testing.T) {
	assert.Equal(t, "123.45", Timestamp(12345).String())
	assert.Equal(t, "1.00", Timestamp(100).String())
	assert.Equal(t, "0.05", Timestamp(5).String())
}

func TestParseRoundTrip(t *testing.T) {
	ts, err := Parse("123.45")
	assert.NoError(t, err)
	assert.Equal(t, Timestamp(12345), ts)
	assert.Equal(t, "123.45", ts.String())
}

func TestParseRejectsNegative(t *testing.T) {
	_, err := Parse("-1.00")
	assert.Error(t, err)
}

func TestFreezeMonotonic(t *testing.T) {
	svc := NewService()

	future := Now() + 10000 // far in the future relative to wall clock
	got := svc.Freeze(future)
	assert.Equal(t, future+1, got)
}

func TestFreezeUsesWallClockWhenAhead(t *testing.T) {
	svc := NewService()
	got := svc.Freeze(0)
	assert.True(t, got > 0)
}
