package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "mentionbot/pkg/logx"
)

// DefaultPath is the file driver's backing file when none is configured.
const DefaultPath = "./interacted_users.json"

// Store persists whole snapshots. Save replaces everything previously saved.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Close() error
}

type StoreConfig struct {
	Driver      string // file (default) | sqlite
	Path        string
	Mode        Mode
	BusyTimeout time.Duration
}

// OpenStore initializes the configured store.
func OpenStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultPath
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}
