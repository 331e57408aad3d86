package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "mentionbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqliteStore keeps one row per opt-in. seq is the position across the whole
// snapshot, so reading ORDER BY seq restores both scope and roster order.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg StoreConfig, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	log.Debug("ledger sqlite opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, user_id, name FROM optin ORDER BY seq`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var snap Snapshot
	index := map[int64]int{}
	for rows.Next() {
		var (
			scope int64
			e     Entry
		)
		if err := rows.Scan(&scope, &e.UserID, &e.Name); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		i, ok := index[scope]
		if !ok {
			i = len(snap.Rosters)
			index[scope] = i
			snap.Rosters = append(snap.Rosters, Roster{Scope: scope})
		}
		snap.Rosters[i].Entries = append(snap.Rosters[i].Entries, e)
	}
	return snap, rows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM optin`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO optin(scope, user_id, name, seq) VALUES(?,?,?,?)
		ON CONFLICT(scope, user_id) DO UPDATE SET name=excluded.name`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	seq := 0
	for _, r := range snap.Rosters {
		for _, e := range r.Entries {
			if _, err := stmt.ExecContext(ctx, r.Scope, e.UserID, e.Name, seq); err != nil {
				return err
			}
			seq++
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
