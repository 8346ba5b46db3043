package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/sbcache/internal/kv"
)

// RecordPrefix prefixes the storage key of every channel record.
const RecordPrefix = "channel:"

// RecordKey returns the storage key of the record for channel id.
func RecordKey(id string) string { return RecordPrefix + id }

// SharedKey is derived symmetric key material. The zero value means "no
// shared key" and is stored as JSON false.
type SharedKey []byte

func (k SharedKey) MarshalJSON() ([]byte, error) {
	if len(k) == 0 {
		return []byte("false"), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(k))
}

func (k *SharedKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("false")) || bytes.Equal(data, []byte("null")) {
		*k = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("shared key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("shared key: %w", err)
	}
	*k = raw
	return nil
}

// Record is the persisted state of one channel.
type Record struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Key             json.RawMessage `json:"key,omitempty"`
	UserName        string          `json:"userName"`
	SharedKey       SharedKey       `json:"sharedKey"`
	LastSeenMessage string          `json:"lastSeenMessage"`
	LastMessageTime string          `json:"lastMessageTime"`
	Contacts        Contacts        `json:"contacts"`
	Messages        []Message       `json:"messages"`
}

func (r *Record) normalize() {
	if r.Contacts == nil {
		r.Contacts = Contacts{}
	}
	if r.Messages == nil {
		r.Messages = []Message{}
	}
}

func (r Record) clone() Record {
	out := r
	out.Contacts = r.Contacts.clone()
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.clone()
	}
	if r.SharedKey != nil {
		out.SharedKey = append(SharedKey(nil), r.SharedKey...)
	}
	return out
}

// LoadRecord reads the cached record of channel id. It returns nil when
// nothing is cached.
func LoadRecord(ctx context.Context, db *kv.Store, id string) (*Record, error) {
	rec, err := kv.Get[Record](ctx, db, RecordKey(id))
	if err != nil || rec == nil {
		return nil, err
	}
	rec.normalize()
	return rec, nil
}

// SaveRecord writes rec under its channel key.
func SaveRecord(ctx context.Context, db *kv.Store, rec Record) error {
	rec.normalize()
	_, err := db.SetItem(ctx, RecordKey(rec.ID), rec)
	return err
}

// RenameStoredContact rewrites a contact name inside the cached record of an
// unconnected channel. Missing records and unknown contacts are left alone.
func RenameStoredContact(ctx context.Context, db *kv.Store, channelID, contactID, name string) error {
	rec, err := LoadRecord(ctx, db, channelID)
	if err != nil || rec == nil {
		return err
	}
	if old, ok := rec.Contacts[contactID]; !ok || old == name {
		return nil
	}
	rec.Contacts[contactID] = name
	return SaveRecord(ctx, db, *rec)
}
