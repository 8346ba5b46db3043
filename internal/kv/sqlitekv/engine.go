package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/matheus3301/sbcache/internal/kv"
	"go.uber.org/zap"
)

// Engine opens one SQLite file per database name under a directory.
type Engine struct {
	dir    string
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[string]*DB
}

// New returns an engine rooted at dir. Files are created lazily by Open.
func New(dir string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{dir: dir, logger: logger, dbs: make(map[string]*DB)}
}

// Path returns the file backing the named database.
func (e *Engine) Path(database string) string {
	return filepath.Join(e.dir, database+".db")
}

// Open migrates the database file and registers the table when it is new.
func (e *Engine) Open(ctx context.Context, database, table string) (kv.Table, error) {
	db, err := e.database(database)
	if err != nil {
		return nil, err
	}

	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO object_stores (name, key_path, created_at) VALUES (?, 'key', ?)`,
		table, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create object store %q: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		e.logger.Info("object store created", zap.String("database", database), zap.String("table", table))
	}
	return &Table{db: db, name: table}, nil
}

func (e *Engine) database(name string) (*DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok {
		return db, nil
	}
	if err := os.MkdirAll(e.dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := e.Path(name)
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		e.logger.Info("migrations applied", zap.Uint("version", result.Version), zap.String("path", path))
	}
	e.dbs[name] = db
	return db, nil
}

// Close closes every opened database file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, db := range e.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(e.dbs, name)
	}
	return errors.Join(errs...)
}

// Table is one object store inside a database file.
type Table struct {
	db   *DB
	name string
}

func (t *Table) Update(ctx context.Context, fn func(kv.Tx) error) error {
	return t.run(ctx, true, fn)
}

func (t *Table) View(ctx context.Context, fn func(kv.Tx) error) error {
	return t.run(ctx, false, fn)
}

func (t *Table) run(ctx context.Context, writable bool, fn func(kv.Tx) error) error {
	sqlTx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{ctx: ctx, tx: sqlTx, store: t.name, writable: writable}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if !writable {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("sqlitekv: write in read-only transaction")

type tx struct {
	ctx      context.Context
	tx       *sql.Tx
	store    string
	writable bool
}

func (x *tx) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := x.tx.QueryRowContext(x.ctx,
		`SELECT value FROM records WHERE store = ? AND key = ?`, x.store, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (x *tx) Put(key string, value []byte) error {
	if !x.writable {
		return ErrReadOnly
	}
	_, err := x.tx.ExecContext(x.ctx, `
		INSERT INTO records (store, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		x.store, key, value, time.Now().UnixMilli())
	return err
}

func (x *tx) Insert(key string, value []byte) error {
	if !x.writable {
		return ErrReadOnly
	}
	_, err := x.tx.ExecContext(x.ctx,
		`INSERT INTO records (store, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		x.store, key, value, time.Now().UnixMilli())
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return kv.ErrKeyExists
	}
	return err
}

func (x *tx) Delete(key string) error {
	if !x.writable {
		return ErrReadOnly
	}
	_, err := x.tx.ExecContext(x.ctx, `DELETE FROM records WHERE store = ? AND key = ?`, x.store, key)
	return err
}

func (x *tx) Ascend(fn func(key string, value []byte) bool) error {
	rows, err := x.tx.QueryContext(x.ctx,
		`SELECT key, value FROM records WHERE store = ? ORDER BY key`, x.store)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if !fn(key, value) {
			break
		}
	}
	return rows.Err()
}
