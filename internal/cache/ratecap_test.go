package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWriteCapTrackerAllowsWithinBudget(t *testing.T) {
	tr := NewWriteCapTracker(1000, time.Hour)
	assert.True(t, tr.Record(1, 500))
	assert.True(t, tr.Record(1, 400))
}

func TestWriteCapTrackerRejectsOverBudget(t *testing.T) {
	tr := NewWriteCapTracker(1000, time.Hour)
	assert.True(t, tr.Record(1, 900))
	assert.False(t, tr.Record(1, 200))
	assert.True(t, tr.Flagged(1))
}

func TestWriteCapTrackerDisabledWhenBudgetNonPositive(t *testing.T) {
	tr := NewWriteCapTracker(0, time.Hour)
	assert.True(t, tr.Record(1, 1<<30))
	assert.False(t, tr.Flagged(1))
}

func TestWriteCapTrackerPerUserIsolation(t *testing.T) {
	tr := NewWriteCapTracker(1000, time.Hour)
	assert.False(t, tr.Record(1, 1200))
	assert.True(t, tr.Record(2, 500))
}
