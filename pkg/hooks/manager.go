package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Turn lifecycle events
const (
	EventTurnStart  = "turn:start"
	EventTurnEnd    = "turn:end"
	EventTurnFailed = "turn:failed"
)

const defaultTimeout = 30 * time.Second

// EnvPrefix prefixes every variable passed to a hook command
const EnvPrefix = "SKIPPER_HOOK_"

// Hook is a shell command run when a turn lifecycle event fires
type Hook struct {
	ID      string
	Event   string
	Command string
	Timeout time.Duration
}

// Config configures a Manager
type Config struct {
	Hooks []Hook
	// Dir is the working directory of hook commands
	Dir    string
	Logger zerolog.Logger
}

// Manager runs the hooks registered for each event. A nil Manager does nothing.
type Manager struct {
	dir     string
	logger  zerolog.Logger
	byEvent map[string][]Hook
}

// NewManager validates hooks and groups them by event
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		dir:     cfg.Dir,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}

	for i, hook := range cfg.Hooks {
		hook.Event = strings.TrimSpace(hook.Event)
		if !knownEvent(hook.Event) {
			return nil, fmt.Errorf("hook %d: unknown event %q", i, hook.Event)
		}
		if strings.TrimSpace(hook.Command) == "" {
			return nil, fmt.Errorf("hook %d: command is required for event %s", i, hook.Event)
		}
		if hook.ID == "" {
			hook.ID = fmt.Sprintf("%s#%d", hook.Event, len(m.byEvent[hook.Event])+1)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultTimeout
		}
		m.byEvent[hook.Event] = append(m.byEvent[hook.Event], hook)
	}

	return m, nil
}

func knownEvent(event string) bool {
	switch event {
	case EventTurnStart, EventTurnEnd, EventTurnFailed:
		return true
	}
	return false
}

// Count returns how many hooks are registered for event
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	return len(m.byEvent[event])
}

// Trigger runs every hook of event in registration order. All hooks run even
// when one fails; the failures are joined.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	hooks := m.byEvent[event]
	if len(hooks) == 0 {
		return nil
	}

	env := environment(event, data)
	var errs []error
	for _, hook := range hooks {
		if err := m.run(ctx, hook, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, hook Hook, env []string) error {
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Command)
	cmd.Env = env
	cmd.Dir = m.dir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("hook %s timed out after %s", hook.ID, hook.Timeout)
		}
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hook.ID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}

	m.logger.Debug().
		Str("event", hook.Event).
		Str("hook_id", hook.ID).
		Dur("duration", time.Since(start)).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

// environment is the process environment plus SKIPPER_HOOK_EVENT and one
// SKIPPER_HOOK_<KEY> per data entry, sorted by key
func environment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, EnvPrefix+"EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, EnvPrefix+envKey(key)+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
