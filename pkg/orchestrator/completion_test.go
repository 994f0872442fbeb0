package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhrasePolicy_Detect(t *testing.T) {
	p := DefaultCompletionPolicy()

	tests := []struct {
		name     string
		text     string
		wantBody string
		wantOK   bool
	}{
		{"marker", "TASK COMPLETE: Fixed the parser.", "Fixed the parser.", true},
		{"leading whitespace", "\n  TASK COMPLETE:\nAll done.", "All done.", true},
		{"marker only", "TASK COMPLETE:", "", true},
		{"lowercase", "task complete: done", "task complete: done", false},
		{"not at start", "I think TASK COMPLETE: done", "I think TASK COMPLETE: done", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ok := p.Detect(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestPhrasePolicy_PendingIntention(t *testing.T) {
	p := DefaultCompletionPolicy()

	tests := []struct {
		name      string
		text      string
		iteration int
		want      bool
	}{
		{"phrase on first iteration", "Let me check the config.", 1, true},
		{"action ending", "Still searching", 1, true},
		{"action ending with period", "Now reading.", 0, true},
		{"clean answer", "The config is valid.", 1, false},
		{"phrase after first iteration", "Let me check the config.", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.PendingIntention(tt.text, tt.iteration))
		})
	}
}

func TestCustomMarker(t *testing.T) {
	p := &PhrasePolicy{Marker: "DONE:", MaxIteration: 1}
	assert.Equal(t, "DONE:", p.CompletionMarker())

	body, ok := p.Detect("DONE: shipped")
	assert.True(t, ok)
	assert.Equal(t, "shipped", body)

	_, ok = p.Detect("TASK COMPLETE: shipped")
	assert.False(t, ok)
}

func TestNoPendingIntention(t *testing.T) {
	p := NoPendingIntention{}
	assert.False(t, p.PendingIntention("let me check", 0))
	assert.Equal(t, DefaultMarker, p.CompletionMarker())

	body, ok := p.Detect("TASK COMPLETE: ok")
	assert.True(t, ok)
	assert.Equal(t, "ok", body)
}
