package kv

import (
	"context"
	"errors"
)

// ErrKeyExists is returned by Tx.Insert when the key is already present.
var ErrKeyExists = errors.New("key already exists")

// Engine is a storage backend able to open named tables inside named databases.
// Open must create the table when it does not exist yet.
type Engine interface {
	Open(ctx context.Context, database, table string) (Table, error)
	Close() error
}

// Table runs transactions against a single table.
type Table interface {
	// Update runs fn in a read-write transaction. The transaction commits when
	// fn returns nil and is rolled back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction. Byte slices
// handed out by Get and Ascend belong to the caller.
type Tx interface {
	// Get returns the value for key and whether it was found.
	Get(key string) ([]byte, bool, error)
	// Put inserts or replaces the value for key.
	Put(key string, value []byte) error
	// Insert adds key and fails with ErrKeyExists when it is present.
	Insert(key string, value []byte) error
	Delete(key string) error
	// Ascend calls fn for every record in ascending key order until fn returns false.
	Ascend(fn func(key string, value []byte) bool) error
}
