package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/internal/tracing"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const jsonlExt = ".jsonl"

// maxLineSize bounds a single stored message; large tool outputs stay well below it
const maxLineSize = 16 * 1024 * 1024

// JSONLStore keeps one file per session with one message per line
type JSONLStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	logger     zerolog.Logger
}

// NewJSONLStore creates the store rooted at dir, defaulting to ~/.skipper/sessions
func NewJSONLStore(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".skipper", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &JSONLStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		logger:     logger.With().Str("component", "session_store").Str("backend", BackendJSONL).Logger(),
	}
	s.logger.Debug().Str("dir", dir).Msg("Session store initialized")
	return s, nil
}

func (s *JSONLStore) path(key string) string {
	return filepath.Join(s.dir, key+jsonlExt)
}

// lock returns the write lock of key
func (s *JSONLStore) lock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.writeLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.writeLocks[key] = l
	return l
}

func (s *JSONLStore) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span, zerolog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(ctx, tracerName, name, attribute.String("session_key", key))
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_key", key).Logger()
	return ctx, span, logger
}

// Load reads the session file. Lines that cannot be parsed are skipped with a
// warning. Lines in the role/content wire shape are converted.
func (s *JSONLStore) Load(ctx context.Context, key string) (conversation.Log, error) {
	_, span, logger := s.startSpan(ctx, "session.load", key)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := ValidateKey(key); err != nil {
		return nil, tracing.Fail(span, err)
	}

	file, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		logger.Debug().Msg("Session does not exist")
		return conversation.Log{}, nil
	}
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	var log conversation.Log
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0
	skipped := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg, err := decodeLine([]byte(line))
		if err != nil {
			skipped++
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		log = append(log, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to read session file: %w", err))
	}

	span.SetAttributes(attribute.Int("messages", len(log)), attribute.Int("skipped", skipped))
	logger.Debug().Int("messages", len(log)).Int("skipped", skipped).Msg("Session loaded")
	return log, nil
}

func decodeLine(line []byte) (conversation.Message, error) {
	var msg conversation.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return conversation.Message{}, err
	}
	if msg.IsRequest() || msg.IsResponse() {
		return msg, nil
	}

	var wm conversation.WireMessage
	if err := json.Unmarshal(line, &wm); err != nil {
		return conversation.Message{}, err
	}
	converted, err := conversation.FromWire([]conversation.WireMessage{wm})
	if err != nil {
		return conversation.Message{}, err
	}
	return converted[0], nil
}

// Save replaces the session file with log. The file is written to a temporary
// sibling and renamed into place so a crash never leaves a partial session.
func (s *JSONLStore) Save(ctx context.Context, key string, log conversation.Log) error {
	_, span, logger := s.startSpan(ctx, "session.save", key)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateKey(key); err != nil {
		return tracing.Fail(span, err)
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i, msg := range log {
		if err := enc.Encode(msg); err != nil {
			tmp.Close()
			return tracing.Fail(span, fmt.Errorf("failed to encode message %d: %w", i, err))
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return tracing.Fail(span, fmt.Errorf("failed to write session file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return tracing.Fail(span, fmt.Errorf("failed to sync file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to close temp file: %w", err))
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to set permissions: %w", err))
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to replace session file: %w", err))
	}
	committed = true

	logger.Debug().Int("messages", len(log)).Msg("Session saved")
	return nil
}

// Delete removes the session file. Deleting a missing session is not an error.
func (s *JSONLStore) Delete(ctx context.Context, key string) error {
	_, span, logger := s.startSpan(ctx, "session.delete", key)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return tracing.Fail(span, err)
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return tracing.Fail(span, fmt.Errorf("failed to delete session file: %w", err))
	}

	s.locksMu.Lock()
	delete(s.writeLocks, key)
	s.locksMu.Unlock()

	logger.Info().Msg("Session deleted")
	return nil
}

// List returns the stored session keys in lexical order
func (s *JSONLStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jsonlExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), jsonlExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; files are closed after every operation
func (s *JSONLStore) Close() error {
	return nil
}
