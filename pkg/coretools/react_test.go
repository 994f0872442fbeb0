package coretools

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReact(t *testing.T) {
	h := newHarness(t)

	res := h.run("react", map[string]interface{}{"action": "get"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "React scratchpad is empty", res.Text())

	res = h.run("react", map[string]interface{}{"action": "think", "thoughts": "check config", "next_action": "read config.go"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Recorded think step", res.Text())

	res = h.run("react", map[string]interface{}{"action": "observe", "result": "config uses viper"})
	require.True(t, res.Success, res.Error)

	res = h.run("react", map[string]interface{}{"action": "get"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "1. think: thoughts='check config', next_action='read config.go'\n2. observe: result='config uses viper'", res.Text())

	res = h.runIn("other", "react", map[string]interface{}{"action": "get"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "React scratchpad is empty", res.Text())

	res = h.run("react", map[string]interface{}{"action": "clear"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "React scratchpad cleared", res.Text())

	res = h.run("react", map[string]interface{}{"action": "get"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "React scratchpad is empty", res.Text())
}

func TestReact_Errors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		params map[string]interface{}
		want   string
	}{
		{"think without thoughts", map[string]interface{}{"action": "think", "next_action": "x"}, "provide thoughts"},
		{"think without next action", map[string]interface{}{"action": "think", "thoughts": "x"}, "specify next_action"},
		{"observe without result", map[string]interface{}{"action": "observe"}, "provide result"},
		{"unknown action", map[string]interface{}{"action": "dance"}, `invalid react action "dance"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.run("react", tt.params)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.want)
		})
	}
}

func TestScratchpad_Cap(t *testing.T) {
	pad := NewScratchpad()
	for i := 0; i < maxScratchpadEntries+5; i++ {
		pad.Append("s", ScratchpadEntry{Type: "observe", Result: fmt.Sprint(i)})
	}

	entries := pad.Entries("s")
	require.Len(t, entries, maxScratchpadEntries)
	assert.Equal(t, "5", entries[0].Result)
	assert.Empty(t, pad.Entries("missing"))
}

func TestPresentPlan(t *testing.T) {
	h := newHarness(t)

	res := h.run("present_plan", map[string]interface{}{"plan": "  1. add flag\n2. test it  "})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Plan presented to the user. Wait for approval before making changes.", res.Text())
	assert.Equal(t, "1. add flag\n2. test it", h.plans["s1"])

	res = h.run("present_plan", map[string]interface{}{"plan": " "})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "plan is required")
}
