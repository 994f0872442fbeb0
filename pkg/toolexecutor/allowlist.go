package toolexecutor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// AllowlistEntry is one glob pattern over tool names
type AllowlistEntry struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
	AddedAt string `json:"added_at,omitempty"`
}

// AllowlistManager holds the scoped tool allowlist and reloads it when the file changes
type AllowlistManager struct {
	filePath string
	entries  []AllowlistEntry
	mu       sync.RWMutex
	logger   zerolog.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	onReload func(count int)
}

// NewAllowlistManager loads the allowlist at filePath. A missing file is an empty allowlist.
func NewAllowlistManager(filePath string, logger zerolog.Logger) (*AllowlistManager, error) {
	if filePath == "" {
		return nil, fmt.Errorf("allowlist path is required")
	}

	am := &AllowlistManager{
		filePath: filePath,
		entries:  []AllowlistEntry{},
		logger:   logger.With().Str("component", "allowlist").Logger(),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := am.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load allowlist: %w", err)
		}
		am.logger.Debug().Str("path", filePath).Msg("Allowlist file does not exist, starting empty")
	}

	return am, nil
}

// Load reads the allowlist from file
func (am *AllowlistManager) Load() error {
	data, err := os.ReadFile(am.filePath)
	if err != nil {
		return err
	}

	var entries []AllowlistEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to parse allowlist: %w", err)
		}
	}

	for _, e := range entries {
		if _, err := filepath.Match(e.Pattern, ""); err != nil {
			return fmt.Errorf("invalid allowlist pattern %q: %w", e.Pattern, err)
		}
	}

	am.mu.Lock()
	am.entries = entries
	am.mu.Unlock()

	am.logger.Info().
		Str("path", am.filePath).
		Int("count", len(entries)).
		Msg("Allowlist loaded")

	return nil
}

// Save writes the allowlist through a temp file and rename
func (am *AllowlistManager) Save() error {
	am.mu.RLock()
	data, err := json.MarshalIndent(am.entries, "", "  ")
	am.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(am.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := am.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	return os.Rename(tmp, am.filePath)
}

// Add appends a pattern if it is not already present
func (am *AllowlistManager) Add(entry AllowlistEntry) error {
	if entry.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if _, err := filepath.Match(entry.Pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", entry.Pattern, err)
	}
	if entry.AddedAt == "" {
		entry.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}

	am.mu.Lock()
	defer am.mu.Unlock()
	for _, existing := range am.entries {
		if existing.Pattern == entry.Pattern {
			return nil
		}
	}
	am.entries = append(am.entries, entry)
	return nil
}

// Remove deletes a pattern
func (am *AllowlistManager) Remove(pattern string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i, entry := range am.entries {
		if entry.Pattern == pattern {
			am.entries = append(am.entries[:i], am.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("entry not found in allowlist")
}

// IsAllowed implements Allowlist
func (am *AllowlistManager) IsAllowed(toolName string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, entry := range am.entries {
		if matched, _ := filepath.Match(entry.Pattern, toolName); matched {
			return true
		}
	}
	return false
}

// List returns a copy of the entries
func (am *AllowlistManager) List() []AllowlistEntry {
	am.mu.RLock()
	defer am.mu.RUnlock()

	entries := make([]AllowlistEntry, len(am.entries))
	copy(entries, am.entries)
	return entries
}

// Count returns the number of entries
func (am *AllowlistManager) Count() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.entries)
}

// OnReload registers a callback run after each successful hot reload
func (am *AllowlistManager) OnReload(fn func(count int)) {
	am.onReload = fn
}

// Watch reloads the allowlist whenever its file changes. The parent directory is
// watched so that editors which replace the file are picked up.
func (am *AllowlistManager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(am.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	am.watcher = watcher
	go am.run()
	return nil
}

// Stop stops watching
func (am *AllowlistManager) Stop() error {
	var err error
	am.stopOnce.Do(func() {
		close(am.stopCh)
		if am.watcher != nil {
			err = am.watcher.Close()
		}
	})
	return err
}

func (am *AllowlistManager) run() {
	var timer *time.Timer
	target := filepath.Clean(am.filePath)

	for {
		select {
		case event, ok := <-am.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(am.debounce, am.reload)

		case err, ok := <-am.watcher.Errors:
			if !ok {
				return
			}
			am.logger.Warn().Err(err).Msg("Allowlist watcher error")

		case <-am.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (am *AllowlistManager) reload() {
	if err := am.Load(); err != nil {
		if os.IsNotExist(err) {
			am.mu.Lock()
			am.entries = []AllowlistEntry{}
			am.mu.Unlock()
		} else {
			am.logger.Warn().Err(err).Msg("Allowlist reload failed, keeping previous entries")
			return
		}
	}
	if am.onReload != nil {
		am.onReload(am.Count())
	}
}
