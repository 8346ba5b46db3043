package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
	"github.com/matheus3301/sbcache/internal/kv/memkv"
	"github.com/matheus3301/sbcache/internal/registry"
	"github.com/matheus3301/sbcache/internal/sbcrypto"
)

type nopAPI struct{}

func (nopAPI) GetOldMessages(context.Context, int) ([]channel.Message, error) { return nil, nil }
func (nopAPI) UpdateCapacity(context.Context, int) error                     { return nil }
func (nopAPI) SetMOTD(context.Context, string) error                         { return nil }
func (nopAPI) DownloadData(context.Context) (json.RawMessage, error)         { return nil, nil }
func (nopAPI) Lock(context.Context) error                                    { return nil }

// ownerSocket connects as channel owner, so no key agreement happens.
type ownerSocket struct {
	id     string
	key    json.RawMessage
	closed atomic.Bool
}

func (s *ownerSocket) Ready(context.Context) error { return nil }
func (s *ownerSocket) ChannelID() string           { return s.id }
func (s *ownerSocket) Owner() bool                 { return true }
func (s *ownerSocket) Admin() bool                 { return true }
func (s *ownerSocket) Keys() channel.SocketKeys    { return channel.SocketKeys{} }
func (s *ownerSocket) PublicKey() channel.PublicKey {
	return channel.PublicKey{Kty: "EC", Crv: "P-384", X: "own-x", Y: "own-y"}
}
func (s *ownerSocket) OwnerPublicKey() channel.PublicKey     { return s.PublicKey() }
func (s *ownerSocket) ExportablePrivateKey() json.RawMessage { return s.key }
func (s *ownerSocket) Capacity() int                         { return 20 }
func (s *ownerSocket) MOTD() string                          { return "" }
func (s *ownerSocket) API() channel.API                      { return nopAPI{} }
func (s *ownerSocket) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeService struct {
	mu       sync.Mutex
	created  int
	connects int
	keys     map[string]json.RawMessage
	sockets  []*ownerSocket
}

func newFakeService() *fakeService {
	return &fakeService{keys: map[string]json.RawMessage{}}
}

func (f *fakeService) Create(context.Context, string) (channel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("created-%d", f.created)
	return channel.Handle{ChannelID: id, Key: json.RawMessage(fmt.Sprintf(`{"kty":"EC","d":%q}`, id))}, nil
}

func (f *fakeService) Connect(_ context.Context, _ func(channel.Message), key json.RawMessage, channelID string) (channel.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.keys[channelID] = key
	exported := json.RawMessage(fmt.Sprintf(`{"kty":"EC","d":"member-%s"}`, channelID))
	s := &ownerSocket{id: channelID, key: exported}
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeService) openSockets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sockets {
		if !s.closed.Load() {
			n++
		}
	}
	return n
}

func (f *fakeService) keyFor(id string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[id]
}

func (f *fakeService) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func testDB(t *testing.T) *kv.Store {
	t.Helper()
	db, err := kv.New(memkv.New(), kv.Options{Database: "sb_data", Table: "cache"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *kv.Store, key, value string) {
	t.Helper()
	if _, err := db.SetItem(context.Background(), key, json.RawMessage(value)); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func openRegistry(t *testing.T, db *kv.Store, svc channel.Service) *registry.Registry {
	t.Helper()
	r := registry.New(db, svc, sbcrypto.New(), bus.New(), nil)
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	return r
}

var errWriteFailed = errors.New("write failed")

// failingEngine fails writes to key while armed.
type failingEngine struct {
	kv.Engine
	key   string
	armed atomic.Bool
}

func (e *failingEngine) Open(ctx context.Context, database, table string) (kv.Table, error) {
	t, err := e.Engine.Open(ctx, database, table)
	if err != nil {
		return nil, err
	}
	return &failingTable{Table: t, e: e}, nil
}

type failingTable struct {
	kv.Table
	e *failingEngine
}

func (t *failingTable) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	return t.Table.Update(ctx, func(tx kv.Tx) error {
		return fn(&failingTx{Tx: tx, e: t.e})
	})
}

type failingTx struct {
	kv.Tx
	e *failingEngine
}

func (tx *failingTx) fail(key string) bool {
	return tx.e.armed.Load() && key == tx.e.key
}

func (tx *failingTx) Put(key string, value []byte) error {
	if tx.fail(key) {
		return errWriteFailed
	}
	return tx.Tx.Put(key, value)
}

func (tx *failingTx) Insert(key string, value []byte) error {
	if tx.fail(key) {
		return errWriteFailed
	}
	return tx.Tx.Insert(key, value)
}
