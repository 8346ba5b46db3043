package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/sbcache/internal/channel"
	"go.uber.org/zap"
)

// Create provisions a new owned channel and registers it.
func (r *Registry) Create(ctx context.Context, opts channel.Options, secret string) (*channel.Channel, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if opts.Name == "" {
		opts.Name = r.defaultNameLocked()
	}
	r.mu.Unlock()
	opts.Contacts = r.book

	ch := channel.New(r.deps(), opts)
	if err := ch.Create(ctx, secret); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := r.register(ctx, ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// Connect joins the channel in opts.ID. A channel that is already connected
// is returned as is. Missing key and names are filled from the cached record
// and the index.
func (r *Registry) Connect(ctx context.Context, opts channel.Options) (*channel.Channel, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	if opts.ID != "" {
		r.mu.Lock()
		e := r.entries[opts.ID]
		if e != nil && connected(e.ch) {
			r.mu.Unlock()
			return e.ch, nil
		}
		if e != nil {
			opts.Name = firstNonEmpty(opts.Name, e.summary.Name)
			opts.UserName = firstNonEmpty(opts.UserName, e.summary.UserName)
		} else if opts.Name == "" {
			opts.Name = r.defaultNameLocked()
		}
		r.mu.Unlock()

		if len(opts.Key) == 0 {
			rec, err := channel.LoadRecord(ctx, r.db, opts.ID)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				opts.Key = rec.Key
			}
		}
	}
	opts.Contacts = r.book

	ch := channel.New(r.deps(), opts)
	if err := ch.Connect(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := r.register(ctx, ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ch.ID()]; ok {
		return e.ch, nil
	}
	return ch, nil
}

// register records a ready channel in the index. A concurrently connected
// channel with the same id wins and ch is closed.
func (r *Registry) register(ctx context.Context, ch *channel.Channel) error {
	rec, err := ch.Record(ctx)
	if err != nil {
		return err
	}
	id := rec.ID
	now := r.now()

	var stale *channel.Channel
	r.mu.Lock()
	e, ok := r.entries[id]
	switch {
	case ok && e.ch != ch && connected(e.ch):
		r.mu.Unlock()
		r.logger.Debug("channel already connected", zap.String("channel_id", id))
		return ch.Close()
	case ok:
		stale = e.ch
		e.ch = ch
		e.summary.Name = rec.Name
		e.summary.UserName = rec.UserName
		e.summary.UpdatedAt = now
		e.summary.ConnectedAt = now
	default:
		r.entries[id] = &entry{
			ch: ch,
			summary: ChannelSummary{
				ID:          id,
				Order:       len(r.entries),
				Name:        rec.Name,
				UserName:    rec.UserName,
				CreatedAt:   now,
				UpdatedAt:   now,
				ConnectedAt: now,
			},
		}
	}
	if err := r.saveIndexLocked(ctx); err != nil {
		if ok {
			e.ch = stale
		} else {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if stale != nil && stale != ch {
		_ = stale.Close()
	}
	r.logger.Info("channel registered", zap.String("channel_id", id), zap.String("name", rec.Name))
	r.publish("connect", id)
	return nil
}

// Channels returns the channel index in display order.
func (r *Registry) Channels(ctx context.Context) ([]ChannelSummary, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summariesLocked(), nil
}

// Channel returns the registered channel with the given id. It may not be connected.
func (r *Registry) Channel(ctx context.Context, id string) (*channel.Channel, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.ch, nil
}

func (r *Registry) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, &entry{summary: e.summary, ch: e.ch})
	}
	return out
}

// RenameContact renames a contact in the global table and in every channel
// that knows it.
func (r *Registry) RenameContact(ctx context.Context, contactID, name string) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}
	if err := r.book.Rename(ctx, contactID, name); err != nil {
		return err
	}
	var errs []error
	for _, e := range r.snapshot() {
		var err error
		if connected(e.ch) {
			var contacts channel.Contacts
			if contacts, err = e.ch.Contacts(ctx); err == nil {
				if _, ok := contacts[contactID]; ok {
					err = e.ch.RenameContact(ctx, contactID, name)
				}
			}
		} else {
			err = channel.RenameStoredContact(ctx, r.db, e.summary.ID, contactID, name)
		}
		if err != nil && !errors.Is(err, channel.ErrNoActiveSocket) {
			errs = append(errs, fmt.Errorf("rename contact in %s: %w", e.summary.ID, err))
		}
	}
	return errors.Join(errs...)
}

// RenameChannel changes the local name of a channel.
func (r *Registry) RenameChannel(ctx context.Context, id, name string) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	var ch *channel.Channel
	if ok {
		ch = e.ch
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if connected(ch) {
		if err := ch.UpdateChannelName(ctx, name); err != nil {
			return err
		}
	} else {
		rec, err := channel.LoadRecord(ctx, r.db, id)
		if err != nil {
			return err
		}
		if rec != nil {
			rec.Name = name
			if err := channel.SaveRecord(ctx, r.db, *rec); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.summary.Name = name
		e.summary.UpdatedAt = r.now()
	}
	err := r.saveIndexLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish("rename", id)
	return nil
}

// Remove closes a channel and deletes its record and index entry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.entries, id)
	for i, s := range r.summariesLocked() {
		r.entries[s.ID].summary.Order = i
	}
	err := r.saveIndexLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.ch.Close(); err != nil {
		r.logger.Warn("close removed channel", zap.String("channel_id", id), zap.Error(err))
	}
	if _, err := r.db.RemoveItem(ctx, channel.RecordKey(id)); err != nil {
		return fmt.Errorf("remove channel %s: %w", id, err)
	}
	r.logger.Info("channel removed", zap.String("channel_id", id))
	r.publish("remove", id)
	return nil
}
