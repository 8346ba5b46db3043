// Package registry owns every known channel of a profile, the global contact
// table and the on-disk layout version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
	"go.uber.org/zap"
)

// CurrentVersion is the layout version written by this package.
const CurrentVersion = 3

// Storage keys of the registry layout.
const (
	MarkerKey   = "migration-marker"
	IndexKey    = "channels-index"
	ContactsKey = "contacts"
)

var (
	// ErrMigration wraps any failure while loading or migrating persisted state.
	ErrMigration = errors.New("registry: load failed")
	// ErrNotFound is returned for unknown channel ids.
	ErrNotFound = errors.New("registry: channel not found")
)

// Marker records the layout version of the store.
type Marker struct {
	Version   int   `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// Loaded is the payload of the registry.loaded event.
type Loaded struct {
	Marker   Marker
	Migrated int
	Channels int
}

// Change is the payload of registry.changed events.
type Change struct {
	Op        string
	ChannelID string
}

// Registry is the entry point for channel management.
type Registry struct {
	db     *kv.Store
	svc    channel.Service
	crypto channel.Crypto
	bus    *bus.Bus
	logger *zap.Logger
	book   *Book
	now    func() time.Time
	track  *tracker

	ready   chan struct{}
	loadErr error

	mu      sync.Mutex
	entries map[string]*entry
	marker  Marker

	closeOnce sync.Once
}

// New starts loading persisted state in the background. Every method waits
// for the load to finish.
func New(db *kv.Store, svc channel.Service, crypto channel.Crypto, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		db:      db,
		svc:     svc,
		crypto:  crypto,
		bus:     b,
		logger:  logger,
		book:    newBook(db, logger),
		now:     time.Now,
		ready:   make(chan struct{}),
		entries: make(map[string]*entry),
	}
	go func() {
		defer close(r.ready)
		if err := r.load(context.Background()); err != nil {
			r.loadErr = fmt.Errorf("%w: %w", ErrMigration, err)
			r.logger.Error("registry load failed", zap.Error(err))
		}
	}()
	return r
}

// Ready blocks until persisted state is loaded and returns the load error, if any.
func (r *Registry) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) load(ctx context.Context) error {
	if err := r.db.Ready(ctx); err != nil {
		return err
	}
	marker, err := kv.Get[Marker](ctx, r.db, MarkerKey)
	if err != nil {
		return fmt.Errorf("read marker: %w", err)
	}

	migrated := 0
	switch {
	case marker != nil && marker.Version > CurrentVersion:
		return fmt.Errorf("layout version %d is newer than supported %d", marker.Version, CurrentVersion)
	case marker == nil || marker.Version < CurrentVersion:
		from := 0
		if marker != nil {
			from = marker.Version
		}
		if migrated, err = r.migrate(ctx); err != nil {
			return fmt.Errorf("migrate from version %d: %w", from, err)
		}
		marker = &Marker{Version: CurrentVersion, Timestamp: r.now().UnixMilli()}
		if err := kv.Put(ctx, r.db, MarkerKey, *marker); err != nil {
			return fmt.Errorf("write marker: %w", err)
		}
		r.logger.Info("layout migrated",
			zap.Int("from", from),
			zap.Int("to", CurrentVersion),
			zap.Int("channels", migrated))
	}

	if err := r.book.load(ctx); err != nil {
		return err
	}
	index, err := r.readIndex(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.marker = *marker
	for _, s := range index {
		r.entries[s.ID] = &entry{summary: s, ch: r.rehydrate(s)}
	}
	n := len(r.entries)
	r.mu.Unlock()
	r.track = r.startTracker()

	r.logger.Info("registry loaded", zap.Int("channels", n), zap.Int("version", marker.Version))
	r.bus.Publish(bus.Event{
		Kind:    bus.KindRegistryLoaded,
		Payload: Loaded{Marker: *marker, Migrated: migrated, Channels: n},
	})
	return nil
}

// Marker returns the layout marker in effect.
func (r *Registry) Marker(ctx context.Context) (Marker, error) {
	if err := r.Ready(ctx); err != nil {
		return Marker{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marker, nil
}

// Contacts returns a copy of the global contact table.
func (r *Registry) Contacts(ctx context.Context) (channel.Contacts, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	return r.book.Snapshot(), nil
}

// Book returns the global contact table.
func (r *Registry) Book() *Book { return r.book }

// Close closes every channel. The store is left open.
func (r *Registry) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		<-r.ready
		if r.track != nil {
			r.track.stop()
		}
		r.mu.Lock()
		chans := make([]*channel.Channel, 0, len(r.entries))
		for _, e := range r.entries {
			chans = append(chans, e.ch)
		}
		r.mu.Unlock()
		for _, ch := range chans {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel %s: %w", ch.ID(), err))
			}
		}
	})
	return errors.Join(errs...)
}

func (r *Registry) deps() channel.Deps {
	return channel.Deps{
		DB:      r.db,
		Service: r.svc,
		Crypto:  r.crypto,
		Bus:     r.bus,
		Logger:  r.logger,
	}
}

func (r *Registry) publish(op, id string) {
	r.bus.Publish(bus.Event{Kind: bus.KindRegistryChanged, Payload: Change{Op: op, ChannelID: id}})
}
