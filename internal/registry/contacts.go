package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
	"go.uber.org/zap"
)

// Book is the global contact table shared by every channel of a registry.
// It is persisted under ContactsKey after every change.
type Book struct {
	db     *kv.Store
	logger *zap.Logger

	mu       sync.Mutex
	contacts channel.Contacts
}

func newBook(db *kv.Store, logger *zap.Logger) *Book {
	return &Book{db: db, logger: logger, contacts: channel.Contacts{}}
}

func (b *Book) load(ctx context.Context) error {
	stored, err := kv.Get[channel.Contacts](ctx, b.db, ContactsKey)
	if err != nil {
		return fmt.Errorf("read contacts: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contacts = channel.Contacts{}
	if stored != nil {
		for id, name := range *stored {
			b.contacts[id] = name
		}
	}
	return nil
}

// Lookup returns the known name of id.
func (b *Book) Lookup(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.contacts[id]
	return name, ok
}

// Observe records name for id unless id is already known.
func (b *Book) Observe(ctx context.Context, id, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contacts[id]; ok {
		return nil
	}
	b.contacts[id] = name
	return b.saveLocked(ctx)
}

// Rename overwrites the name of id.
func (b *Book) Rename(ctx context.Context, id, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.contacts[id]; ok && old == name {
		return nil
	}
	b.contacts[id] = name
	return b.saveLocked(ctx)
}

// absorb adds every contact of c that is not yet known and persists the result.
func (b *Book) absorb(ctx context.Context, c channel.Contacts) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, name := range c {
		if _, ok := b.contacts[id]; !ok {
			b.contacts[id] = name
		}
	}
	return b.saveLocked(ctx)
}

// Snapshot returns a copy of the table.
func (b *Book) Snapshot() channel.Contacts {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(channel.Contacts, len(b.contacts))
	for id, name := range b.contacts {
		out[id] = name
	}
	return out
}

func (b *Book) saveLocked(ctx context.Context) error {
	if err := kv.Put(ctx, b.db, ContactsKey, b.contacts); err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}
	b.logger.Debug("contacts saved", zap.Int("count", len(b.contacts)))
	return nil
}
