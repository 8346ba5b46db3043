package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matheus3301/sbcache/internal/channel"
	"go.uber.org/zap"
)

// KeyExport is the portable backup of every channel key, in the layout other
// clients read.
type KeyExport struct {
	RoomData     map[string]RoomKey      `json:"roomData"`
	RoomMetadata map[string]RoomMetadata `json:"roomMetadata"`
	Contacts     channel.Contacts        `json:"contacts"`
}

type RoomKey struct {
	Key             json.RawMessage `json:"key"`
	LastSeenMessage string          `json:"lastSeenMessage,omitempty"`
}

type RoomMetadata struct {
	Name            string `json:"name"`
	LastMessageTime string `json:"lastMessageTime,omitempty"`
}

// ExportKeys collects the key material of every channel that has one.
func (r *Registry) ExportKeys(ctx context.Context) (KeyExport, error) {
	out := KeyExport{
		RoomData:     map[string]RoomKey{},
		RoomMetadata: map[string]RoomMetadata{},
	}
	summaries, err := r.Channels(ctx)
	if err != nil {
		return out, err
	}
	for _, s := range summaries {
		rec, err := channel.LoadRecord(ctx, r.db, s.ID)
		if err != nil {
			return out, fmt.Errorf("export %s: %w", s.ID, err)
		}
		if rec == nil || len(rec.Key) == 0 {
			continue
		}
		out.RoomData[s.ID] = RoomKey{Key: rec.Key, LastSeenMessage: rec.LastSeenMessage}
		out.RoomMetadata[s.ID] = RoomMetadata{
			Name:            firstNonEmpty(rec.Name, s.Name),
			LastMessageTime: rec.LastMessageTime,
		}
	}
	out.Contacts = r.book.Snapshot()
	return out, nil
}

// ImportKeys writes a record for every room in exp and registers it. Rooms
// already cached only get their key filled in when missing. Imported channels
// are not connected. It returns the number of rooms imported.
func (r *Registry) ImportKeys(ctx context.Context, exp KeyExport) (int, error) {
	if err := r.Ready(ctx); err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(exp.RoomData))
	for id, room := range exp.RoomData {
		if id != "" && len(room.Key) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if err := r.book.absorb(ctx, exp.Contacts); err != nil {
		return 0, err
	}

	imported := 0
	for _, id := range ids {
		room := exp.RoomData[id]
		meta := exp.RoomMetadata[id]

		rec, err := channel.LoadRecord(ctx, r.db, id)
		if err != nil {
			return imported, fmt.Errorf("import %s: %w", id, err)
		}
		if rec == nil {
			rec = &channel.Record{
				ID:              id,
				Name:            meta.Name,
				UserName:        channel.DefaultUserName,
				LastSeenMessage: room.LastSeenMessage,
				LastMessageTime: meta.LastMessageTime,
				Contacts:        channel.Contacts{},
			}
			for k, v := range exp.Contacts {
				rec.Contacts[k] = v
			}
		}
		if len(rec.Key) == 0 {
			rec.Key = room.Key
		}

		r.mu.Lock()
		e, known := r.entries[id]
		if rec.Name == "" {
			if known {
				rec.Name = e.summary.Name
			} else {
				rec.Name = r.defaultNameLocked()
			}
		}
		r.mu.Unlock()

		if err := channel.SaveRecord(ctx, r.db, *rec); err != nil {
			return imported, fmt.Errorf("import %s: %w", id, err)
		}

		r.mu.Lock()
		if !known {
			now := r.now()
			s := ChannelSummary{
				ID:        id,
				Order:     len(r.entries),
				Name:      rec.Name,
				UserName:  rec.UserName,
				CreatedAt: now,
				UpdatedAt: now,
			}
			r.entries[id] = &entry{summary: s, ch: r.rehydrate(s)}
		}
		err = r.saveIndexLocked(ctx)
		r.mu.Unlock()
		if err != nil {
			return imported, err
		}
		imported++
		r.logger.Debug("channel key imported", zap.String("channel_id", id))
		r.publish("import", id)
	}
	return imported, nil
}
