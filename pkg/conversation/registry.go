package conversation

import (
	"sync"
	"time"
)

// CallStatus is the lifecycle state of a tracked tool call
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallCancelled CallStatus = "cancelled"
)

// CallRecord is the cached state of one tool call
type CallRecord struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Status     CallStatus     `json:"status"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// CallRegistry tracks tool calls and their cached arguments for a session.
// Status updates may arrive from concurrent tool goroutines.
type CallRegistry struct {
	mu    sync.RWMutex
	calls map[string]*CallRecord
	order []string
}

// NewCallRegistry creates an empty registry
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		calls: make(map[string]*CallRecord),
	}
}

// Register records a tool call part as pending. Re-registering an id is a no-op.
func (r *CallRegistry) Register(call Part) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ToolCallID]; exists {
		return
	}
	r.calls[call.ToolCallID] = &CallRecord{
		ID:     call.ToolCallID,
		Name:   call.ToolName,
		Args:   call.Args,
		Status: CallPending,
	}
	r.order = append(r.order, call.ToolCallID)
}

// MarkRunning moves a call to running
func (r *CallRegistry) MarkRunning(id string) {
	r.update(id, func(rec *CallRecord) {
		rec.Status = CallRunning
		rec.StartedAt = time.Now()
	})
}

// Complete records a successful result
func (r *CallRegistry) Complete(id, result string) {
	r.update(id, func(rec *CallRecord) {
		rec.Status = CallCompleted
		rec.Result = result
		rec.FinishedAt = time.Now()
	})
}

// Fail records a failed call
func (r *CallRegistry) Fail(id, errMsg string) {
	r.update(id, func(rec *CallRecord) {
		rec.Status = CallFailed
		rec.Error = errMsg
		rec.FinishedAt = time.Now()
	})
}

// Cancel marks a call as cancelled unless it already finished
func (r *CallRegistry) Cancel(id string) {
	r.update(id, func(rec *CallRecord) {
		if rec.Status == CallCompleted || rec.Status == CallFailed {
			return
		}
		rec.Status = CallCancelled
		rec.FinishedAt = time.Now()
	})
}

func (r *CallRegistry) update(id string, fn func(*CallRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.calls[id]; ok {
		fn(rec)
	}
}

// Get returns a copy of the record for id
func (r *CallRegistry) Get(id string) (CallRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.calls[id]
	if !ok {
		return CallRecord{}, false
	}
	return *rec, true
}

// Remove forgets the given calls and their cached arguments
func (r *CallRegistry) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := r.calls[id]; ok {
			drop[id] = true
			delete(r.calls, id)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// All returns every record in registration order
func (r *CallRegistry) All() []CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.calls[id])
	}
	return out
}

// Recent returns up to n of the most recently registered calls, oldest first
func (r *CallRegistry) Recent(n int) []CallRecord {
	all := r.All()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of tracked calls
func (r *CallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Counts returns the number of tracked calls per tool name
func (r *CallRegistry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, rec := range r.calls {
		counts[rec.Name]++
	}
	return counts
}
