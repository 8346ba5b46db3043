package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// encode turns value into the JSON bytes stored by the engine. Raw JSON and
// byte slices are stored as-is.
func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid json value")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid json value")
		}
		return v, nil
	default:
		return json.Marshal(value)
	}
}

func falsy(v []byte) bool {
	v = bytes.TrimSpace(v)
	switch string(v) {
	case "", "null", "false", "0", `""`, "-0", "0.0":
		return true
	}
	return false
}

// Get loads key and decodes it into T. It returns nil when GetItem would.
func Get[T any](ctx context.Context, s *Store, key string) (*T, error) {
	raw, err := s.GetItem(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("kv decode %q: %w", key, err)
	}
	return &out, nil
}

// Put stores v as JSON under key.
func Put[T any](ctx context.Context, s *Store, key string, v T) error {
	_, err := s.SetItem(ctx, key, v)
	return err
}
