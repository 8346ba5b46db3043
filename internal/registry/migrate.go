package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"

	"github.com/matheus3301/sbcache/internal/channel"
	"go.uber.org/zap"
)

// Keys of the older layouts. Version 1 kept every room in one blob; version 2
// split rooms into per-channel records next to a channel list.
const (
	legacyBlobKey     = "sb_data"
	legacyChannelsKey = "sb_data_channels"
	legacyContactsKey = "sb_data_contacts"
	legacyRoomPrefix  = "sb_data_"
)

type legacyRoom struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Key               json.RawMessage   `json:"key"`
	UserName          string            `json:"userName"`
	LastSeenMessage   string            `json:"lastSeenMessage"`
	LastSeenMessageID string            `json:"lastSeenMessageId"`
	LastMessageTime   json.RawMessage   `json:"lastMessageTime"`
	Contacts          channel.Contacts  `json:"contacts"`
	Messages          []channel.Message `json:"messages"`
}

type legacyEntry struct {
	ID       string           `json:"_id"`
	Name     string           `json:"name"`
	Order    *int             `json:"order"`
	Contacts channel.Contacts `json:"contacts"`
	Metadata struct {
		Options struct {
			Name     string `json:"name"`
			UserName string `json:"userName"`
		} `json:"options"`
	} `json:"metadata"`
}

// migrate rewrites the legacy layouts into channel records, the channel index
// and the global contact table. Legacy keys are left untouched, so running it
// again over the same data produces the same state.
func (r *Registry) migrate(ctx context.Context) (int, error) {
	rooms, order, err := r.readLegacyBlob(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := r.readLegacyChannels(ctx)
	if err != nil {
		return 0, err
	}

	names := map[string]string{}
	userNames := map[string]string{}
	var contacts []channel.Contacts
	for _, e := range entries {
		room, err := r.readLegacyRoom(ctx, e.ID)
		if err != nil {
			return 0, err
		}
		if room == nil {
			room = rooms[e.ID]
		}
		if room == nil {
			room = &legacyRoom{}
		}
		room.ID = e.ID
		rooms[e.ID] = room
		if !slices.Contains(order, e.ID) {
			order = append(order, e.ID)
		}
		names[e.ID] = firstNonEmpty(e.Metadata.Options.Name, e.Name)
		userNames[e.ID] = e.Metadata.Options.UserName
		contacts = append(contacts, e.Contacts)
	}

	global, err := r.readLegacyContacts(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.book.load(ctx); err != nil {
		return 0, err
	}
	if err := r.book.absorb(ctx, global); err != nil {
		return 0, err
	}

	index, err := r.readIndex(ctx)
	if err != nil {
		return 0, err
	}
	if index == nil {
		index = []ChannelSummary{}
	}
	known := make(map[string]int, len(index))
	for i, s := range index {
		known[s.ID] = i
	}

	now := r.now()
	for _, id := range order {
		room := rooms[id]
		rec := room.record(id)
		fallback := channel.DefaultName + " " + strconv.Itoa(len(index)+1)
		if i, ok := known[id]; ok {
			fallback = index[i].Name
		}
		rec.Name = firstNonEmpty(rec.Name, names[id], fallback)
		rec.UserName = firstNonEmpty(rec.UserName, userNames[id], channel.DefaultUserName)
		if err := channel.SaveRecord(ctx, r.db, rec); err != nil {
			return 0, fmt.Errorf("migrate channel %s: %w", id, err)
		}
		contacts = append(contacts, room.Contacts)

		if i, ok := known[id]; ok {
			index[i].Name = rec.Name
			index[i].UserName = rec.UserName
			continue
		}
		known[id] = len(index)
		index = append(index, ChannelSummary{
			ID:        id,
			Order:     len(index),
			Name:      rec.Name,
			UserName:  rec.UserName,
			CreatedAt: now,
			UpdatedAt: now,
		})
		r.logger.Debug("legacy channel migrated", zap.String("channel_id", id), zap.Int("messages", len(rec.Messages)))
	}

	for _, c := range contacts {
		if err := r.book.absorb(ctx, c); err != nil {
			return 0, err
		}
	}
	if _, err := r.db.SetItem(ctx, IndexKey, index); err != nil {
		return 0, fmt.Errorf("save channel index: %w", err)
	}
	return len(order), nil
}

// readLegacyBlob decodes the version 1 blob. Some writers stored it as a JSON
// encoded string rather than an object.
func (r *Registry) readLegacyBlob(ctx context.Context) (map[string]*legacyRoom, []string, error) {
	rooms := map[string]*legacyRoom{}
	raw, err := r.db.GetItem(ctx, legacyBlobKey)
	if err != nil || raw == nil {
		return rooms, nil, err
	}
	raw, err = unquote(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", legacyBlobKey, err)
	}
	var blob struct {
		Rooms map[string]*legacyRoom `json:"rooms"`
	}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", legacyBlobKey, err)
	}
	order := make([]string, 0, len(blob.Rooms))
	for id, room := range blob.Rooms {
		if id == "" || room == nil {
			continue
		}
		rooms[id] = room
		order = append(order, id)
	}
	sort.Strings(order)
	return rooms, order, nil
}

// readLegacyChannels accepts the channel list both as an array and as a map
// keyed by id.
func (r *Registry) readLegacyChannels(ctx context.Context) ([]legacyEntry, error) {
	raw, err := r.db.GetItem(ctx, legacyChannelsKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var list []legacyEntry
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", legacyChannelsKey, err)
		}
	} else {
		var m map[string]legacyEntry
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", legacyChannelsKey, err)
		}
		for id, e := range m {
			if e.ID == "" {
				e.ID = id
			}
			list = append(list, e)
		}
	}

	out := list[:0]
	for _, e := range list {
		if e.ID != "" {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := orderOf(out[i]), orderOf(out[j])
		if oi != oj {
			return oi < oj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Registry) readLegacyRoom(ctx context.Context, id string) (*legacyRoom, error) {
	raw, err := r.db.GetItem(ctx, legacyRoomPrefix+id)
	if err != nil || raw == nil {
		return nil, err
	}
	var room legacyRoom
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode %s%s: %w", legacyRoomPrefix, id, err)
	}
	return &room, nil
}

func (r *Registry) readLegacyContacts(ctx context.Context) (channel.Contacts, error) {
	raw, err := r.db.GetItem(ctx, legacyContactsKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var c channel.Contacts
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", legacyContactsKey, err)
	}
	return c, nil
}

func (room *legacyRoom) record(id string) channel.Record {
	rec := channel.Record{
		ID:              id,
		Name:            room.Name,
		Key:             room.Key,
		UserName:        room.UserName,
		LastSeenMessage: firstNonEmpty(room.LastSeenMessage, room.LastSeenMessageID),
		LastMessageTime: scalar(room.LastMessageTime),
		Contacts:        channel.Contacts{},
		Messages:        channel.UniqueMessages(room.Messages),
	}
	for k, v := range room.Contacts {
		rec.Contacts[k] = v
	}
	if bytes.Equal(bytes.TrimSpace(rec.Key), []byte("null")) {
		rec.Key = nil
	}
	return rec
}

func unquote(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// scalar renders a JSON string or number as a string.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func orderOf(e legacyEntry) int {
	if e.Order == nil {
		return math.MaxInt
	}
	return *e.Order
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
