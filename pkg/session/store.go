package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
)

const tracerName = "skipper.session"

// ErrInvalidKey is returned for empty or path-unsafe session keys
var ErrInvalidKey = errors.New("invalid session key")

// Store loads and saves conversation logs by session key. Loading a missing
// session returns an empty log.
type Store interface {
	Load(ctx context.Context, key string) (conversation.Log, error)
	Save(ctx context.Context, key string, log conversation.Log) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names accepted by Open
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Config selects and configures a store
type Config struct {
	Backend string
	Dir     string
	DBPath  string
	Logger  zerolog.Logger
}

// Open creates the store named by cfg.Backend. An empty backend means jsonl.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendJSONL:
		return NewJSONLStore(cfg.Dir, cfg.Logger)
	case BackendSQLite:
		return NewSQLiteStore(cfg.DBPath, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Backend)
	}
}

// ValidateKey rejects keys that are empty or could escape the session directory
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidKey)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidKey)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidKey)
	}
	return nil
}
