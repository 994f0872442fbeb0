package history

import (
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
)

// DefaultMaxPasses bounds the repair loop
const DefaultMaxPasses = 10

// ArgsCache holds cached tool call arguments that must be dropped with their calls
type ArgsCache interface {
	Remove(ids ...string)
}

// Config holds sanitizer configuration
type Config struct {
	Registry  ArgsCache
	Logger    zerolog.Logger
	MaxPasses int
}

// Report describes what a Repair call changed
type Report struct {
	Passes                int      `json:"passes"`
	RemovedCalls          []string `json:"removed_calls,omitempty"`
	RemovedReturns        int      `json:"removed_returns"`
	RemovedEmpty          int      `json:"removed_empty"`
	CollapsedRequests     int      `json:"collapsed_requests"`
	StrippedSystemPrompts int      `json:"stripped_system_prompts"`
	Converged             bool     `json:"converged"`
}

// Changed reports whether the log was modified
func (r Report) Changed() bool {
	return len(r.RemovedCalls) > 0 || r.RemovedReturns > 0 || r.RemovedEmpty > 0 ||
		r.CollapsedRequests > 0 || r.StrippedSystemPrompts > 0
}

// Sanitizer repairs structural invariants of a conversation log
type Sanitizer struct {
	registry  ArgsCache
	logger    zerolog.Logger
	maxPasses int
}

// New creates a sanitizer
func New(cfg Config) *Sanitizer {
	maxPasses := cfg.MaxPasses
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	return &Sanitizer{
		registry:  cfg.Registry,
		logger:    cfg.Logger.With().Str("component", "sanitizer").Logger(),
		maxPasses: maxPasses,
	}
}

// Repair mutates *log in place until a full pass changes nothing or the pass
// ceiling is reached.
func (s *Sanitizer) Repair(log *conversation.Log) Report {
	var report Report
	if log == nil {
		report.Converged = true
		return report
	}
	start := time.Now()

	for pass := 0; pass < s.maxPasses; pass++ {
		changed := false

		removed, orphans := s.removeDanglingCalls(log)
		if len(removed) > 0 || orphans > 0 {
			report.RemovedCalls = append(report.RemovedCalls, removed...)
			report.RemovedReturns += orphans
			changed = true
		}
		if n := removeEmptyResponses(log); n > 0 {
			report.RemovedEmpty += n
			changed = true
		}
		if n := collapseRequests(log); n > 0 {
			report.CollapsedRequests += n
			changed = true
		}
		if n := stripSystemPrompts(log); n > 0 {
			report.StrippedSystemPrompts += n
			changed = true
		}

		if !changed {
			report.Converged = true
			break
		}
		report.Passes++
	}

	if report.Changed() {
		s.logger.Info().
			Int("passes", report.Passes).
			Strs("removed_calls", report.RemovedCalls).
			Int("removed_returns", report.RemovedReturns).
			Int("removed_empty", report.RemovedEmpty).
			Int("collapsed_requests", report.CollapsedRequests).
			Int("stripped_system_prompts", report.StrippedSystemPrompts).
			Bool("converged", report.Converged).
			Dur("duration", time.Since(start)).
			Msg("Conversation history repaired")
		observability.RecordSanitizerRepair(report.Passes, len(report.RemovedCalls)+report.RemovedReturns+report.RemovedEmpty)
	}
	if !report.Converged {
		s.logger.Warn().Int("max_passes", s.maxPasses).Msg("History repair hit pass ceiling")
	}

	return report
}

// removeDanglingCalls deletes calls that are not answered before the next request,
// then any return whose call is no longer present earlier in the log.
func (s *Sanitizer) removeDanglingCalls(log *conversation.Log) ([]string, int) {
	dangling := log.PendingCallIDs()
	drop := make(map[string]bool, len(dangling))
	for _, id := range dangling {
		drop[id] = true
	}

	msgs := *log
	seen := make(map[string]bool)
	orphans := 0
	for i := range msgs {
		parts := msgs[i].Parts[:0:0]
		for _, p := range msgs[i].Parts {
			switch {
			case p.Kind == conversation.PartToolCall && drop[p.ToolCallID]:
				continue
			case p.Kind == conversation.PartToolCall:
				seen[p.ToolCallID] = true
			case p.Kind == conversation.PartToolReturn && !seen[p.ToolCallID]:
				orphans++
				continue
			}
			parts = append(parts, p)
		}
		msgs[i].Parts = parts
	}

	if len(dangling) > 0 && s.registry != nil {
		s.registry.Remove(dangling...)
	}
	return dangling, orphans
}

func removeEmptyResponses(log *conversation.Log) int {
	msgs := *log
	kept := msgs[:0]
	removed := 0
	for _, m := range msgs {
		if m.Role == conversation.RoleResponse && len(m.Parts) == 0 {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	*log = kept
	return removed
}

// collapseRequests keeps only the last request of each consecutive run. System
// prompts of dropped requests move into the kept one so pass 4 can pick the latest.
func collapseRequests(log *conversation.Log) int {
	msgs := *log
	kept := msgs[:0]
	removed := 0
	var carried []conversation.Part

	for i, m := range msgs {
		nextIsRequest := i+1 < len(msgs) && msgs[i+1].Role == conversation.RoleRequest
		if m.Role == conversation.RoleRequest && nextIsRequest {
			for _, p := range m.Parts {
				if p.Kind == conversation.PartSystemPrompt {
					carried = append(carried, p)
				}
			}
			removed++
			continue
		}
		if m.Role == conversation.RoleRequest && len(carried) > 0 {
			m.Parts = append(append([]conversation.Part{}, carried...), m.Parts...)
			carried = nil
		}
		kept = append(kept, m)
	}
	*log = kept
	return removed
}

// stripSystemPrompts keeps only the most recently added system prompt part.
// A request left with no parts is dropped.
func stripSystemPrompts(log *conversation.Log) int {
	msgs := *log
	lastMsg, lastPart := -1, -1
	for i := len(msgs) - 1; i >= 0 && lastMsg < 0; i-- {
		for j := len(msgs[i].Parts) - 1; j >= 0; j-- {
			if msgs[i].Parts[j].Kind == conversation.PartSystemPrompt {
				lastMsg, lastPart = i, j
				break
			}
		}
	}
	if lastMsg < 0 {
		return 0
	}

	stripped := 0
	kept := msgs[:0]
	for i, m := range msgs {
		parts := m.Parts[:0:0]
		hadParts := len(m.Parts) > 0
		for j, p := range m.Parts {
			if p.Kind == conversation.PartSystemPrompt && (i != lastMsg || j != lastPart) {
				stripped++
				continue
			}
			parts = append(parts, p)
		}
		m.Parts = parts
		if hadParts && len(parts) == 0 && m.Role == conversation.RoleRequest {
			continue
		}
		kept = append(kept, m)
	}
	*log = kept
	return stripped
}
