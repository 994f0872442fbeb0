package recovery

// Action is what the caller should do after an unhealthy node
type Action int

const (
	// Retry injects a directive and asks the model again
	Retry Action = iota
	// Escalate stops retrying and falls back to the iteration-limit summary
	Escalate
)

func (a Action) String() string {
	if a == Escalate {
		return "escalate"
	}
	return "retry"
}

// DefaultMaxEmptyRetries is the number of consecutive unhealthy nodes retried
const DefaultMaxEmptyRetries = 2

// Tracker counts consecutive empty or truncated nodes within a turn. It is not
// safe for concurrent use; a turn drives it from one goroutine.
type Tracker struct {
	MaxEmptyRetries int

	consecutive int
}

// NewTracker creates a tracker. Non-positive limits take the default.
func NewTracker(maxEmptyRetries int) *Tracker {
	if maxEmptyRetries <= 0 {
		maxEmptyRetries = DefaultMaxEmptyRetries
	}
	return &Tracker{MaxEmptyRetries: maxEmptyRetries}
}

// RecordEmpty counts an unhealthy node and returns Escalate once the retry budget
// is spent.
func (t *Tracker) RecordEmpty() Action {
	t.consecutive++
	if t.consecutive > t.MaxEmptyRetries {
		return Escalate
	}
	return Retry
}

// RecordHealthy resets the streak
func (t *Tracker) RecordHealthy() {
	t.consecutive = 0
}

// Consecutive returns the current streak
func (t *Tracker) Consecutive() int {
	return t.consecutive
}
