// Package kv provides a readiness-gated key/value cache over a pluggable
// transactional storage engine. A Store owns exactly one table.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrStorageUnavailable is returned by New when no storage engine is supplied.
	ErrStorageUnavailable = errors.New("kv: no storage engine available")
	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("kv: store closed")
)

const (
	DefaultDatabase = "MyDB"
	DefaultTable    = "default"
)

// Options selects the database and table a Store binds to.
type Options struct {
	Database string
	Table    string
}

func (o Options) withDefaults() Options {
	if o.Database == "" {
		o.Database = DefaultDatabase
	}
	if o.Table == "" {
		o.Table = DefaultTable
	}
	return o
}

// Record is a single key/value pair. Value holds JSON.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// AddResult describes the outcome of Add.
type AddResult struct {
	Key      string
	Inserted bool
	// Existing holds the stored value when Inserted is false.
	Existing json.RawMessage
}

// Store is an asynchronous key/value cache bound to one table.
// Every operation waits for the table to be opened first.
type Store struct {
	engine Engine
	opts   Options
	logger *zap.Logger

	ready   chan struct{}
	table   Table
	openErr error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts opening the configured table in the background and returns
// immediately. A nil engine fails synchronously with ErrStorageUnavailable.
func New(engine Engine, opts Options, logger *zap.Logger) (*Store, error) {
	if engine == nil {
		return nil, ErrStorageUnavailable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		engine: engine,
		opts:   opts.withDefaults(),
		logger: logger,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.open()
	return s, nil
}

func (s *Store) open() {
	defer close(s.ready)
	t, err := s.engine.Open(context.Background(), s.opts.Database, s.opts.Table)
	if err != nil {
		s.openErr = fmt.Errorf("kv open %s/%s: %w", s.opts.Database, s.opts.Table, err)
		s.logger.Error("kv open failed", zap.Error(err),
			zap.String("database", s.opts.Database), zap.String("table", s.opts.Table))
		return
	}
	s.table = t
	s.logger.Debug("kv ready", zap.String("database", s.opts.Database), zap.String("table", s.opts.Table))
}

// Ready blocks until the table is open. It returns the open error, if any.
func (s *Store) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.openErr
}

// Options returns the database and table the store is bound to.
func (s *Store) Options() Options { return s.opts }

// gated waits for readiness and then invokes fn with the open table.
func gated[T any](ctx context.Context, s *Store, fn func(Table) (T, error)) (T, error) {
	var zero T
	if err := s.Ready(ctx); err != nil {
		return zero, err
	}
	return fn(s.table)
}

// SetItem inserts or replaces the value stored under key and returns the key.
func (s *Store) SetItem(ctx context.Context, key string, value any) (string, error) {
	data, err := encode(value)
	if err != nil {
		return "", fmt.Errorf("kv setItem %q: %w", key, err)
	}
	return gated(ctx, s, func(t Table) (string, error) {
		err := t.Update(ctx, func(tx Tx) error {
			_, found, err := tx.Get(key)
			if err != nil {
				return err
			}
			if found {
				return tx.Put(key, data)
			}
			return tx.Insert(key, data)
		})
		if err != nil {
			return "", fmt.Errorf("kv setItem %q: %w", key, err)
		}
		return key, nil
	})
}

// Add inserts value under key only when the key is absent. An existing value
// is returned untouched in AddResult.Existing.
func (s *Store) Add(ctx context.Context, key string, value any) (AddResult, error) {
	data, err := encode(value)
	if err != nil {
		return AddResult{}, fmt.Errorf("kv add %q: %w", key, err)
	}
	return gated(ctx, s, func(t Table) (AddResult, error) {
		res := AddResult{Key: key}
		err := t.Update(ctx, func(tx Tx) error {
			existing, found, err := tx.Get(key)
			if err != nil {
				return err
			}
			if found {
				res.Existing = json.RawMessage(existing)
				return nil
			}
			res.Inserted = true
			return tx.Insert(key, data)
		})
		if err != nil {
			return AddResult{}, fmt.Errorf("kv add %q: %w", key, err)
		}
		return res, nil
	})
}

// GetItem returns the value stored under key. It returns nil when the key is
// absent or the stored value is falsy (null, false, 0 or "").
func (s *Store) GetItem(ctx context.Context, key string) (json.RawMessage, error) {
	return gated(ctx, s, func(t Table) (json.RawMessage, error) {
		var out json.RawMessage
		err := t.View(ctx, func(tx Tx) error {
			v, found, err := tx.Get(key)
			if err != nil || !found {
				return err
			}
			if !falsy(v) {
				out = json.RawMessage(v)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("kv getItem %q: %w", key, err)
		}
		return out, nil
	})
}

// GetAll returns every record in ascending key order.
func (s *Store) GetAll(ctx context.Context) ([]Record, error) {
	return gated(ctx, s, func(t Table) ([]Record, error) {
		out, err := scan(ctx, t, nil)
		if err != nil {
			return nil, fmt.Errorf("kv getAll: %w", err)
		}
		return out, nil
	})
}

// RemoveItem deletes key. Deleting an absent key succeeds.
func (s *Store) RemoveItem(ctx context.Context, key string) (bool, error) {
	return gated(ctx, s, func(t Table) (bool, error) {
		err := t.Update(ctx, func(tx Tx) error {
			return tx.Delete(key)
		})
		if err != nil {
			return false, fmt.Errorf("kv removeItem %q: %w", key, err)
		}
		return true, nil
	})
}

// OpenCursor scans the whole table in ascending key order and returns the
// records whose key matches re. When fn is non-nil it is called once with
// the full result before OpenCursor returns.
func (s *Store) OpenCursor(ctx context.Context, re *regexp.Regexp, fn func([]Record)) ([]Record, error) {
	return gated(ctx, s, func(t Table) ([]Record, error) {
		out, err := scan(ctx, t, re)
		if err != nil {
			return nil, fmt.Errorf("kv openCursor %s: %w", re, err)
		}
		if fn != nil {
			fn(out)
		}
		return out, nil
	})
}

// Close waits for the open to finish and then closes the engine.
func (s *Store) Close() error {
	<-s.ready
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.engine.Close()
	})
	return s.closeErr
}

func scan(ctx context.Context, t Table, re *regexp.Regexp) ([]Record, error) {
	out := []Record{}
	err := t.View(ctx, func(tx Tx) error {
		return tx.Ascend(func(key string, value []byte) bool {
			if re == nil || re.MatchString(key) {
				out = append(out, Record{Key: key, Value: json.RawMessage(value)})
			}
			return true
		})
	})
	return out, err
}
