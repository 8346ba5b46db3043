// Package pebblekv is a kv.Engine on top of Pebble. Each database is a Pebble
// directory; tables share the keyspace under a "r\x00<table>\x00" prefix.
package pebblekv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/matheus3301/sbcache/internal/kv"
	"go.uber.org/zap"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("pebblekv: write in read-only transaction")

// Engine keeps one Pebble instance per database name.
type Engine struct {
	dir    string
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[string]*pebble.DB
}

// New returns an engine rooted at dir.
func New(dir string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{dir: dir, logger: logger, dbs: make(map[string]*pebble.DB)}
}

func storeKey(table string) []byte { return []byte("s\x00" + table) }

func recordPrefix(table string) []byte { return []byte("r\x00" + table + "\x00") }

// Open registers the table on first use and returns a handle to it.
func (e *Engine) Open(_ context.Context, database, table string) (kv.Table, error) {
	db, err := e.database(database)
	if err != nil {
		return nil, err
	}
	marker := storeKey(table)
	_, closer, err := db.Get(marker)
	switch {
	case err == nil:
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
		if err := db.Set(marker, []byte("key"), pebble.Sync); err != nil {
			return nil, fmt.Errorf("create object store %q: %w", table, err)
		}
		e.logger.Info("object store created", zap.String("database", database), zap.String("table", table))
	default:
		return nil, fmt.Errorf("read object store %q: %w", table, err)
	}

	prefix := recordPrefix(table)
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++
	return &Table{db: db, prefix: prefix, upper: upper}, nil
}

func (e *Engine) database(name string) (*pebble.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok {
		return db, nil
	}
	path := filepath.Join(e.dir, name)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	e.dbs[name] = db
	return db, nil
}

// Close closes every opened Pebble instance.
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

// Table is a key range inside a Pebble instance.
type Table struct {
	db     *pebble.DB
	prefix []byte
	upper  []byte

	// writers serializes read-modify-write transactions on this table.
	writers sync.Mutex
}

func (t *Table) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writers.Lock()
	defer t.writers.Unlock()
	batch := t.db.NewIndexedBatch()
	defer batch.Close()
	if err := fn(&tx{table: t, reader: batch, batch: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Table) View(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := t.db.NewSnapshot()
	defer snap.Close()
	return fn(&tx{table: t, reader: snap})
}

type tx struct {
	table  *Table
	reader pebble.Reader
	batch  *pebble.Batch
}

func (x *tx) key(k string) []byte {
	out := make([]byte, 0, len(x.table.prefix)+len(k))
	out = append(out, x.table.prefix...)
	return append(out, k...)
}

func (x *tx) Get(key string) ([]byte, bool, error) {
	value, closer, err := x.reader.Get(x.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func (x *tx) Put(key string, value []byte) error {
	if x.batch == nil {
		return ErrReadOnly
	}
	return x.batch.Set(x.key(key), value, nil)
}

func (x *tx) Insert(key string, value []byte) error {
	if x.batch == nil {
		return ErrReadOnly
	}
	_, found, err := x.Get(key)
	if err != nil {
		return err
	}
	if found {
		return kv.ErrKeyExists
	}
	return x.batch.Set(x.key(key), value, nil)
}

func (x *tx) Delete(key string) error {
	if x.batch == nil {
		return ErrReadOnly
	}
	return x.batch.Delete(x.key(key), nil)
}

func (x *tx) Ascend(fn func(key string, value []byte) bool) error {
	iter, err := x.reader.NewIter(&pebble.IterOptions{
		LowerBound: x.table.prefix,
		UpperBound: x.table.upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(x.table.prefix):])
		value := append([]byte(nil), iter.Value()...)
		if !fn(key, value) {
			break
		}
	}
	return iter.Error()
}
