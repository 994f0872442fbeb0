package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_TwoRetriesThenEscalate(t *testing.T) {
	tr := NewTracker(0)
	assert.Equal(t, DefaultMaxEmptyRetries, tr.MaxEmptyRetries)

	assert.Equal(t, Retry, tr.RecordEmpty())
	assert.Equal(t, Retry, tr.RecordEmpty())
	assert.Equal(t, Escalate, tr.RecordEmpty())
	assert.Equal(t, 3, tr.Consecutive())
}

func TestTracker_HealthyResets(t *testing.T) {
	tr := NewTracker(2)

	assert.Equal(t, Retry, tr.RecordEmpty())
	assert.Equal(t, Retry, tr.RecordEmpty())
	tr.RecordHealthy()
	assert.Equal(t, 0, tr.Consecutive())

	assert.Equal(t, Retry, tr.RecordEmpty())
	assert.Equal(t, Retry, tr.RecordEmpty())
	assert.Equal(t, Escalate, tr.RecordEmpty())
}
