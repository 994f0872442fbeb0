package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/internal/tracing"
	"github.com/harun/skipper/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	session_key TEXT NOT NULL,
	ordinal     INTEGER NOT NULL,
	role        TEXT NOT NULL,
	body        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (session_key, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key);
`

// SQLiteStore keeps every session in one database, one row per message
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path, defaulting to
// ~/.skipper/sessions.db
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".skipper", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "session_store").Str("backend", BackendSQLite).Logger(),
	}
	s.logger.Debug().Str("path", path).Msg("Session store initialized")
	return s, nil
}

func (s *SQLiteStore) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span, zerolog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(ctx, tracerName, name,
		attribute.String("session_key", key),
		attribute.String("backend", BackendSQLite),
	)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_key", key).Logger()
	return ctx, span, logger
}

// Load returns the messages of key in ordinal order. Rows that fail to decode
// are skipped with a warning.
func (s *SQLiteStore) Load(ctx context.Context, key string) (conversation.Log, error) {
	ctx, span, logger := s.startSpan(ctx, "session.load", key)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := ValidateKey(key); err != nil {
		return nil, tracing.Fail(span, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, body FROM messages WHERE session_key = ? ORDER BY ordinal`, key)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to query session: %w", err))
	}
	defer rows.Close()

	log := conversation.Log{}
	for rows.Next() {
		var ordinal int
		var body string
		if err := rows.Scan(&ordinal, &body); err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("failed to scan row: %w", err))
		}

		msg, err := decodeLine([]byte(body))
		if err != nil {
			logger.Warn().Int("ordinal", ordinal).Err(err).Msg("Failed to decode message, skipping")
			continue
		}
		log = append(log, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to read session: %w", err))
	}

	logger.Debug().Int("messages", len(log)).Msg("Session loaded")
	return log, nil
}

// Save replaces the rows of key inside one transaction
func (s *SQLiteStore) Save(ctx context.Context, key string, log conversation.Log) (err error) {
	ctx, span, logger := s.startSpan(ctx, "session.save", key)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateKey(key); err != nil {
		return tracing.Fail(span, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to clear session: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (session_key, ordinal, role, body, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for i, msg := range log {
		body, mErr := json.Marshal(msg)
		if mErr != nil {
			err = fmt.Errorf("failed to encode message %d: %w", i, mErr)
			return tracing.Fail(span, err)
		}
		created := msg.Timestamp
		if created.IsZero() {
			created = time.Now()
		}
		if _, err = stmt.ExecContext(ctx, key, i, string(msg.Role), string(body), created.UnixMilli()); err != nil {
			return tracing.Fail(span, fmt.Errorf("failed to insert message %d: %w", i, err))
		}
	}

	if err = tx.Commit(); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to commit session: %w", err))
	}

	logger.Debug().Int("messages", len(log)).Msg("Session saved")
	return nil
}

// Delete removes every row of key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	ctx, span, logger := s.startSpan(ctx, "session.delete", key)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return tracing.Fail(span, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to delete session: %w", err))
	}
	logger.Info().Msg("Session deleted")
	return nil
}

// List returns the stored session keys in lexical order
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_key FROM messages ORDER BY session_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan session key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}
