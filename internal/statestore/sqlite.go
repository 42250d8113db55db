package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// SQLiteStore implements Store on a SQLite file. Workers on the same host
// share it; SQLite's file locking serializes writers.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ports (
	port      INTEGER PRIMARY KEY,
	unit_id   TEXT NOT NULL,
	leased_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ready (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	type_name TEXT NOT NULL,
	unit_id   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ready_type ON ready(type_name, seq);
CREATE TABLE IF NOT EXISTS units (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bindings (
	key     TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	data    TEXT NOT NULL
);
`

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// One connection per process; other workers contend through file locks.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AddPort records a lease if the port is free.
func (s *SQLiteStore) AddPort(ctx context.Context, lease types.PortLease) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ports (port, unit_id, leased_at) VALUES (?, ?, ?) ON CONFLICT(port) DO NOTHING`,
		lease.Port, lease.UnitID, lease.LeasedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("add port %d: %w", lease.Port, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RemovePort frees a port.
func (s *SQLiteStore) RemovePort(ctx context.Context, port int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ports WHERE port = ?`, port)
	return err
}

// ListPorts returns all active leases ordered by port.
func (s *SQLiteStore) ListPorts(ctx context.Context) ([]types.PortLease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port, unit_id, leased_at FROM ports ORDER BY port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PortLease
	for rows.Next() {
		var (
			l  types.PortLease
			ts int64
		)
		if err := rows.Scan(&l.Port, &l.UnitID, &ts); err != nil {
			return nil, err
		}
		l.LeasedAt = time.Unix(0, ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

// PushReady appends a unit to the ready queue of its type.
func (s *SQLiteStore) PushReady(ctx context.Context, typeName, unitID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ready (type_name, unit_id) VALUES (?, ?)`, typeName, unitID)
	return err
}

// PopReady removes and returns the oldest ready unit of a type.
func (s *SQLiteStore) PopReady(ctx context.Context, typeName string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var (
		seq int64
		id  string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, unit_id FROM ready WHERE type_name = ? ORDER BY seq LIMIT 1`, typeName).Scan(&seq, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ready WHERE seq = ?`, seq); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// RemoveReady removes a unit from the ready queue if present.
func (s *SQLiteStore) RemoveReady(ctx context.Context, typeName, unitID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ready WHERE type_name = ? AND unit_id = ?`, typeName, unitID)
	return err
}

// ReadyLen returns the ready queue length of a type.
func (s *SQLiteStore) ReadyLen(ctx context.Context, typeName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ready WHERE type_name = ?`, typeName).Scan(&n)
	return n, err
}

// ListReady returns the ready queue of a type, oldest first.
func (s *SQLiteStore) ListReady(ctx context.Context, typeName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unit_id FROM ready WHERE type_name = ? ORDER BY seq`, typeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PutUnit creates or replaces a unit record.
func (s *SQLiteStore) PutUnit(ctx context.Context, unit *types.Unit) error {
	if unit == nil || unit.ID == "" {
		return errors.New("unit ID cannot be empty")
	}
	data, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO units (id, created_at, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at, data = excluded.data`,
		unit.ID, unit.CreatedAt.UnixNano(), string(data))
	return err
}

// GetUnit returns a unit record.
func (s *SQLiteStore) GetUnit(ctx context.Context, unitID string) (*types.Unit, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM units WHERE id = ?`, unitID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	var u types.Unit
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("decode unit %s: %w", unitID, err)
	}
	return &u, nil
}

// DeleteUnit removes a unit record.
func (s *SQLiteStore) DeleteUnit(ctx context.Context, unitID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id = ?`, unitID)
	return err
}

// ListUnits returns all unit records ordered by creation time.
func (s *SQLiteStore) ListUnits(ctx context.Context) ([]*types.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM units ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Unit
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var u types.Unit
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("decode unit: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// GetBinding returns a tenant binding.
func (s *SQLiteStore) GetBinding(ctx context.Context, key types.TenantKey) (*types.TenantBinding, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM bindings WHERE key = ?`, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBinding([]byte(data))
}

// CompareAndSwapBinding stores next if the stored version matches. Each
// branch is a single conditional statement, so no transaction is needed.
func (s *SQLiteStore) CompareAndSwapBinding(ctx context.Context, next *types.TenantBinding, expectedVersion int64) (*types.TenantBinding, error) {
	stored := next.Clone()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO bindings (key, version, data) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			next.Key.String(), stored.Version, string(data))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bindings SET version = ?, data = ? WHERE key = ? AND version = ?`,
			stored.Version, string(data), next.Key.String(), expectedVersion)
	}
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, types.ErrStoreConflict
	}
	return stored, nil
}

// DeleteBinding removes a binding if its version matches.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, key types.TenantKey, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM bindings WHERE key = ?`, key.String()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrBindingNotFound
	}
	if err != nil {
		return err
	}
	if version != expectedVersion {
		return types.ErrStoreConflict
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE key = ?`, key.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListBindings returns all tenant bindings.
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]*types.TenantBinding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM bindings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TenantBinding
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		b, err := decodeBinding([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
