package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from Phase
		to   Phase
		ok   bool
	}{
		{PhaseUserInput, PhaseAssistant, true},
		{PhaseUserInput, PhaseToolExecution, false},
		{PhaseAssistant, PhaseToolExecution, true},
		{PhaseAssistant, PhaseResponse, true},
		{PhaseAssistant, PhaseAssistant, false},
		{PhaseToolExecution, PhaseResponse, true},
		{PhaseToolExecution, PhaseAssistant, false},
		{PhaseResponse, PhaseAssistant, true},
		{PhaseResponse, PhaseUserInput, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			s := &State{Phase: tt.from}
			err := s.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.Phase)
				return
			}

			var invalid *InvalidTransitionError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.from, invalid.From)
			assert.Equal(t, tt.to, invalid.To)
			assert.Equal(t, tt.from, s.Phase)
		})
	}
}

func TestState_Fields(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Transition(PhaseAssistant))
	s.Iteration = 3
	s.UnproductiveStreak = 1

	fields := s.Fields()
	assert.Equal(t, "assistant", fields["phase"])
	assert.Equal(t, 3, fields["iteration"])
	assert.Equal(t, 1, fields["unproductive_streak"])
	assert.Equal(t, 0, fields["forced_reflections"])
}
