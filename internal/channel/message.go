package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// WhisperPlaceholder is the text of a whispered message that could not be decrypted.
const WhisperPlaceholder = "(whispered)"

// PublicKey is an exportable EC public key in JWK form.
type PublicKey struct {
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv"`
	X      string   `json:"x"`
	Y      string   `json:"y"`
	Ext    bool     `json:"ext,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
}

// ContactID is the canonical contact table key for k.
func (k PublicKey) ContactID() string {
	return k.X + " " + k.Y
}

type publicKeyFields PublicKey

// UnmarshalJSON accepts a JWK object or a string holding one. Older clients
// cached author keys in the string form; an empty string is the zero key.
func (k *PublicKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*k = PublicKey{}
			return nil
		}
		data = []byte(s)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var f publicKeyFields
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	*k = PublicKey(f)
	return nil
}

// IsZero reports whether k carries no coordinates.
func (k PublicKey) IsZero() bool {
	return k.X == "" && k.Y == ""
}

// Contacts maps contact ids to display names.
type Contacts map[string]string

func (c Contacts) clone() Contacts {
	out := make(Contacts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// User is the author block attached to a message.
type User struct {
	ID   PublicKey `json:"_id"`
	Name string    `json:"name"`
}

// Message is a channel message as delivered by the server and cached
// locally. Fields the cache does not know about are kept in Extra and
// written back unchanged.
type Message struct {
	ID              string     `json:"_id"`
	TimestampPrefix string     `json:"timestampPrefix"`
	CreatedAt       int64      `json:"createdAt,omitempty"`
	User            *User      `json:"user,omitempty"`
	SenderKey       *PublicKey `json:"sender_pubKey,omitempty"`
	SenderName      string     `json:"sender_username,omitempty"`
	Whispered       bool       `json:"whispered,omitempty"`
	Whisper         string     `json:"whisper,omitempty"`
	ReplyTo         *PublicKey `json:"reply_to,omitempty"`
	Text            string     `json:"text,omitempty"`
	Contents        string     `json:"contents,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type messageFields Message

var knownMessageFields = []string{
	"_id", "timestampPrefix", "createdAt", "user", "sender_pubKey", "sender_username",
	"whispered", "whisper", "reply_to", "text", "contents",
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var f messageFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownMessageFields {
		delete(all, k)
	}
	f.Extra = nil
	if len(all) > 0 {
		f.Extra = all
	}
	*m = Message(f)
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(messageFields(m))
	if err != nil || len(m.Extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Author returns the key that identifies the author in the contact table.
func (m Message) Author() *PublicKey {
	if m.User != nil && !m.User.ID.IsZero() {
		return &m.User.ID
	}
	return m.SenderKey
}

// Sender returns the key the author signed the whisper with.
func (m Message) Sender() *PublicKey {
	if m.SenderKey != nil {
		return m.SenderKey
	}
	if m.User != nil && !m.User.ID.IsZero() {
		return &m.User.ID
	}
	return nil
}

// overlay returns m with every field present in newer taken from newer.
// Fields newer leaves out, including unknown ones, keep m's values.
func (m Message) overlay(newer Message) Message {
	base, err := json.Marshal(m)
	if err != nil {
		return newer
	}
	top, err := json.Marshal(newer)
	if err != nil {
		return newer
	}
	var fields, updates map[string]json.RawMessage
	if json.Unmarshal(base, &fields) != nil || json.Unmarshal(top, &updates) != nil {
		return newer
	}
	for k, v := range updates {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return newer
	}
	var out Message
	if err := json.Unmarshal(merged, &out); err != nil {
		return newer
	}
	return out
}

func (m Message) clone() Message {
	out := m
	if m.User != nil {
		u := *m.User
		out.User = &u
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// ParseTimestampPrefix decodes the base-2 timestamp prefix of a message id
// into Unix milliseconds.
func ParseTimestampPrefix(prefix string) (int64, error) {
	return strconv.ParseInt(prefix, 2, 64)
}
