package channel

import (
	"context"
	"fmt"
	"sort"

	"github.com/matheus3301/sbcache/internal/bus"
	"go.uber.org/zap"
)

// mergeMessages reconciles a backfilled page with the cached history. A
// received message whose id is cached is overlaid onto the cached copy; the
// rest are appended once, with observe called for each. The result is unique
// by id and sorted ascending by id.
func mergeMessages(existing, received []Message, observe func(Message)) []Message {
	latest := make(map[string]int, len(received))
	for i, m := range received {
		latest[m.ID] = i
	}

	merged := make([]Message, 0, len(existing)+len(received))
	index := make(map[string]int, len(existing)+len(received))
	add := func(m Message) bool {
		if j, ok := index[m.ID]; ok {
			merged[j] = merged[j].overlay(m)
			return false
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
		return true
	}

	cached := make(map[string]bool, len(existing))
	for _, m := range existing {
		if j, ok := latest[m.ID]; ok {
			m = m.overlay(received[j])
		}
		add(m)
		cached[m.ID] = true
	}
	for _, m := range received {
		if cached[m.ID] {
			continue
		}
		if add(m) && observe != nil {
			observe(m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

// UniqueMessages collapses repeated ids by overlaying later copies onto the
// first and returns the result sorted by id.
func UniqueMessages(msgs []Message) []Message {
	return mergeMessages(nil, msgs, nil)
}

// GetOldMessages backfills up to count older messages from the server,
// decrypts whispers, merges them into the cached history and persists it.
// It returns the page as received (after decryption).
func (c *Channel) GetOldMessages(ctx context.Context, count int) ([]Message, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	if c.beginSync() {
		defer c.endSync()
	}

	page, err := sock.API().GetOldMessages(ctx, count)
	if err != nil {
		return nil, fmt.Errorf("get old messages: %w", err)
	}
	for i := range page {
		c.stampCreatedAt(&page[i])
		page[i] = c.decryptWhisper(ctx, sock, page[i])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.rec.Messages)
	c.rec.Messages = mergeMessages(c.rec.Messages, page, func(m Message) {
		if author := m.Author(); author != nil {
			reported := m.SenderName
			if m.User != nil {
				reported = m.User.Name
			}
			c.observeContactLocked(ctx, author.ContactID(), reported)
		}
	})
	if n := len(c.rec.Messages); n > 0 {
		last := c.rec.Messages[n-1]
		c.rec.LastSeenMessage = last.ID
		c.rec.LastMessageTime = last.TimestampPrefix
	}
	if err := c.persistLocked(ctx); err != nil {
		return nil, err
	}

	c.bus.Publish(bus.Event{
		Kind:    bus.KindChannelBackfill,
		Payload: Backfill{ChannelID: c.rec.ID, Received: len(page), Added: len(c.rec.Messages) - before},
	})
	return page, nil
}

// beginSync enters SYNCING for the first of overlapping backfills. It
// reports whether the caller must call endSync.
func (c *Channel) beginSync() bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncs == 0 {
		if err := c.machine.Transition(Syncing); err != nil {
			c.logger.Debug("enter syncing skipped", zap.Error(err))
			return false
		}
	}
	c.syncs++
	return true
}

// endSync returns to READY once the last running backfill finishes.
func (c *Channel) endSync() {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	c.syncs--
	if c.syncs > 0 {
		return
	}
	if err := c.machine.Transition(Ready); err != nil {
		c.logger.Debug("leave syncing skipped", zap.Error(err))
	}
}

// Backfill is the payload of backfill events.
type Backfill struct {
	ChannelID string
	Received  int
	Added     int
}
