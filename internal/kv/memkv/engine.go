// Package memkv is an in-memory kv.Engine backed by ordered B-trees.
// Transactions operate on copy-on-write clones, so a failed Update leaves
// the table untouched.
package memkv

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/matheus3301/sbcache/internal/kv"
)

const degree = 32

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("memkv: write in read-only transaction")

type item struct {
	key   string
	value []byte
}

func less(a, b item) bool { return strings.Compare(a.key, b.key) < 0 }

// Engine holds every database and table in process memory.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{tables: make(map[string]*table)}
}

// Open returns the named table, creating it on first use.
func (e *Engine) Open(_ context.Context, database, name string) (kv.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := database + "/" + name
	t, ok := e.tables[id]
	if !ok {
		t = &table{tree: btree.NewG[item](degree, less)}
		e.tables[id] = t
	}
	return t, nil
}

// Close is a no-op; the data lives as long as the Engine.
func (e *Engine) Close() error { return nil }

type table struct {
	mu   sync.Mutex
	tree *btree.BTreeG[item]
}

func (t *table) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.tree.Clone()
	if err := fn(&tx{tree: next, writable: true}); err != nil {
		return err
	}
	t.tree = next
	return nil
}

func (t *table) View(ctx context.Context, fn func(kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Clone rewrites the source's copy-on-write context, so it needs the write lock.
	t.mu.Lock()
	snapshot := t.tree.Clone()
	t.mu.Unlock()
	return fn(&tx{tree: snapshot})
}

type tx struct {
	tree     *btree.BTreeG[item]
	writable bool
}

func (x *tx) Get(key string) ([]byte, bool, error) {
	it, ok := x.tree.Get(item{key: key})
	if !ok {
		return nil, false, nil
	}
	return clone(it.value), true, nil
}

func (x *tx) Put(key string, value []byte) error {
	if !x.writable {
		return ErrReadOnly
	}
	x.tree.ReplaceOrInsert(item{key: key, value: clone(value)})
	return nil
}

func (x *tx) Insert(key string, value []byte) error {
	if !x.writable {
		return ErrReadOnly
	}
	if x.tree.Has(item{key: key}) {
		return kv.ErrKeyExists
	}
	x.tree.ReplaceOrInsert(item{key: key, value: clone(value)})
	return nil
}

func (x *tx) Delete(key string) error {
	if !x.writable {
		return ErrReadOnly
	}
	x.tree.Delete(item{key: key})
	return nil
}

func (x *tx) Ascend(fn func(key string, value []byte) bool) error {
	x.tree.Ascend(func(it item) bool {
		return fn(it.key, clone(it.value))
	})
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
