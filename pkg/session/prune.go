package session

import (
	"context"
	"fmt"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
)

// DefaultMaxMessages is the retention used by Prune when none is given
const DefaultMaxMessages = 500

// PruneLog keeps at most maxMessages of the newest messages. The cut is moved
// forward to the next user request so that no tool return loses its call and
// the kept log still starts with a request.
func PruneLog(log conversation.Log, maxMessages int) conversation.Log {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if len(log) <= maxMessages {
		return log
	}

	for i := len(log) - maxMessages; i < len(log); i++ {
		if isUserRequest(log[i]) {
			return log[i:].Clone()
		}
	}
	return conversation.Log{}
}

func isUserRequest(m conversation.Message) bool {
	if !m.IsRequest() {
		return false
	}
	for _, p := range m.Parts {
		if p.Kind == conversation.PartText {
			return true
		}
	}
	return false
}

// Prune trims every stored session to maxMessages and returns how many
// sessions were rewritten. A session that fails to prune is logged and skipped.
func Prune(ctx context.Context, store Store, maxMessages int, logger zerolog.Logger) (int, error) {
	keys, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	pruned := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}

		log, err := store.Load(ctx, key)
		if err != nil {
			logger.Warn().Str("session_key", key).Err(err).Msg("Failed to load session for pruning")
			continue
		}

		kept := PruneLog(log, maxMessages)
		if len(kept) == len(log) {
			continue
		}
		if err := store.Save(ctx, key, kept); err != nil {
			logger.Warn().Str("session_key", key).Err(err).Msg("Failed to prune session")
			continue
		}
		pruned++

		logger.Debug().
			Str("session_key", key).
			Int("from_messages", len(log)).
			Int("to_messages", len(kept)).
			Msg("Session pruned")
	}

	if pruned > 0 {
		logger.Info().Int("pruned", pruned).Msg("Pruned sessions")
	}
	return pruned, nil
}
