package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS adapters (
	adapter_id    TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL DEFAULT '',
	endpoints     TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS adapters_group ON adapters(group_id);
CREATE TABLE IF NOT EXISTS objects (
	identity   TEXT PRIMARY KEY,
	adapter_id TEXT NOT NULL
);`

// SQLite is a Store persisted in a SQLite database. Endpoints are kept in
// their stringified form.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path. ":memory:" keeps the
// directory in memory for the lifetime of the store.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// FindAdapterByID implements locator.Directory
func (s *SQLite) FindAdapterByID(ctx context.Context, adapterID string) ([]core.Endpoint, error) {
	var endpoints string
	err := s.db.QueryRowContext(ctx, `SELECT endpoints FROM adapters WHERE adapter_id = ?`, adapterID).Scan(&endpoints)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", locator.ErrAdapterNotFound, adapterID)
	}
	if err != nil {
		return nil, fmt.Errorf("find adapter %s: %w", adapterID, err)
	}
	return core.ParseEndpoints(endpoints)
}

// FindReplicaGroupByID implements locator.Directory
func (s *SQLite) FindReplicaGroupByID(ctx context.Context, groupID string) ([][]core.Endpoint, error) {
	adapters, err := s.query(ctx, `SELECT adapter_id, group_id, endpoints, registered_at FROM adapters WHERE group_id = ? ORDER BY adapter_id`, groupID)
	if err != nil {
		return nil, err
	}
	return groupSets(adapters, groupID)
}

// FindObjectByID implements locator.Directory
func (s *SQLite) FindObjectByID(ctx context.Context, id core.Identity) (core.Reference, error) {
	var adapterID string
	err := s.db.QueryRowContext(ctx, `SELECT adapter_id FROM objects WHERE identity = ?`, id.String()).Scan(&adapterID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Reference{}, fmt.Errorf("%w: %s", locator.ErrObjectNotFound, id)
	}
	if err != nil {
		return core.Reference{}, fmt.Errorf("find object %s: %w", id, err)
	}
	return core.NewIndirectReference(id, adapterID)
}

// RegisterAdapter implements locator.Registry
func (s *SQLite) RegisterAdapter(ctx context.Context, adapterID, groupID string, endpoints []core.Endpoint) error {
	if err := validateAdapter(adapterID, endpoints); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO adapters (adapter_id, group_id, endpoints, registered_at) VALUES (?, ?, ?, ?)
ON CONFLICT(adapter_id) DO UPDATE SET
	group_id = excluded.group_id,
	endpoints = excluded.endpoints,
	registered_at = excluded.registered_at`,
		adapterID, groupID, core.FormatEndpoints(endpoints), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("register adapter %s: %w", adapterID, err)
	}
	return nil
}

// UnregisterAdapter implements locator.Registry. Unknown ids are ignored.
func (s *SQLite) UnregisterAdapter(ctx context.Context, adapterID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM adapters WHERE adapter_id = ?`, adapterID); err != nil {
		return fmt.Errorf("unregister adapter %s: %w", adapterID, err)
	}
	return nil
}

// RegisterObject implements locator.Registry
func (s *SQLite) RegisterObject(ctx context.Context, id core.Identity, adapterID string) error {
	if err := validateObject(id, adapterID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO objects (identity, adapter_id) VALUES (?, ?)
ON CONFLICT(identity) DO UPDATE SET adapter_id = excluded.adapter_id`,
		id.String(), adapterID)
	if err != nil {
		return fmt.Errorf("register object %s: %w", id, err)
	}
	return nil
}

// UnregisterObject implements Store
func (s *SQLite) UnregisterObject(ctx context.Context, id core.Identity) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE identity = ?`, id.String()); err != nil {
		return fmt.Errorf("unregister object %s: %w", id, err)
	}
	return nil
}

// Adapters implements Store
func (s *SQLite) Adapters(ctx context.Context) ([]AdapterInfo, error) {
	return s.query(ctx, `SELECT adapter_id, group_id, endpoints, registered_at FROM adapters ORDER BY adapter_id`)
}

// Close implements Store
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]AdapterInfo, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list adapters: %w", err)
	}
	defer rows.Close()

	var out []AdapterInfo
	for rows.Next() {
		var (
			info      AdapterInfo
			endpoints string
			at        int64
		)
		if err := rows.Scan(&info.AdapterID, &info.ReplicaGroupID, &endpoints, &at); err != nil {
			return nil, fmt.Errorf("list adapters: %w", err)
		}
		if info.Endpoints, err = core.ParseEndpoints(endpoints); err != nil {
			return nil, fmt.Errorf("adapter %s: %w", info.AdapterID, err)
		}
		info.RegisteredAt = time.Unix(0, at)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list adapters: %w", err)
	}
	return out, nil
}
