package channel_test

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
	"github.com/matheus3301/sbcache/internal/kv/memkv"
	"github.com/matheus3301/sbcache/internal/sbcrypto"
)

var memberExport = json.RawMessage(`{"kty":"EC","crv":"P-384","d":"member"}`)

type fakeAPI struct {
	mu       sync.Mutex
	old      []channel.Message
	capacity int
	motd     string
	locked   bool
	lockErr  error
	motdErr  error
	data     json.RawMessage

	// entered and release, when set, hold each GetOldMessages call until
	// the test lets it through.
	entered chan struct{}
	release chan struct{}
}

func (a *fakeAPI) GetOldMessages(_ context.Context, count int) ([]channel.Message, error) {
	if a.entered != nil {
		a.entered <- struct{}{}
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := min(count, len(a.old))
	out := make([]channel.Message, n)
	copy(out, a.old[:n])
	return out, nil
}

func (a *fakeAPI) UpdateCapacity(_ context.Context, capacity int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacity = capacity
	return nil
}

func (a *fakeAPI) SetMOTD(_ context.Context, motd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.motdErr != nil {
		return a.motdErr
	}
	a.motd = motd
	return nil
}

func (a *fakeAPI) DownloadData(context.Context) (json.RawMessage, error) {
	return a.data, nil
}

func (a *fakeAPI) Lock(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockErr != nil {
		return a.lockErr
	}
	a.locked = true
	return nil
}

type fakeSocket struct {
	id       string
	owner    bool
	identity *ecdh.PrivateKey
	ownerKey *ecdh.PrivateKey
	api      *fakeAPI

	mu     sync.Mutex
	closed bool
}

func (s *fakeSocket) Ready(context.Context) error { return nil }
func (s *fakeSocket) ChannelID() string           { return s.id }
func (s *fakeSocket) Owner() bool                 { return s.owner }
func (s *fakeSocket) Admin() bool                 { return s.owner }
func (s *fakeSocket) Keys() channel.SocketKeys {
	return channel.SocketKeys{PrivateKey: s.identity, OwnerKey: s.ownerKey.PublicKey()}
}
func (s *fakeSocket) PublicKey() channel.PublicKey {
	return sbcrypto.ExportPublicKey(s.identity.PublicKey())
}
func (s *fakeSocket) OwnerPublicKey() channel.PublicKey {
	return sbcrypto.ExportPublicKey(s.ownerKey.PublicKey())
}
func (s *fakeSocket) ExportablePrivateKey() json.RawMessage { return memberExport }
func (s *fakeSocket) Capacity() int                         { return 20 }
func (s *fakeSocket) MOTD() string                          { return "welcome" }
func (s *fakeSocket) API() channel.API                      { return s.api }
func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeService hands out sockets for a single channel.
type fakeService struct {
	t        *testing.T
	owner    *ecdh.PrivateKey
	member   *ecdh.PrivateKey
	api      *fakeAPI
	asOwner  bool
	failWith error

	mu     sync.Mutex
	push   func(channel.Message)
	socket *fakeSocket
	keys   []json.RawMessage
}

func newFakeService(t *testing.T, asOwner bool) *fakeService {
	t.Helper()
	owner, err := sbcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	member, err := sbcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &fakeService{t: t, owner: owner, member: member, api: &fakeAPI{}, asOwner: asOwner}
}

func (f *fakeService) Create(_ context.Context, secret string) (channel.Handle, error) {
	if secret == "" {
		return channel.Handle{}, errors.New("secret required")
	}
	f.asOwner = true
	return channel.Handle{ChannelID: "created", Key: json.RawMessage(`{"kty":"EC","d":"owner"}`)}, nil
}

func (f *fakeService) Connect(_ context.Context, onMessage func(channel.Message), key json.RawMessage, channelID string) (channel.Socket, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	identity := f.member
	if f.asOwner {
		identity = f.owner
	}
	s := &fakeSocket{id: channelID, owner: f.asOwner, identity: identity, ownerKey: f.owner, api: f.api}
	f.mu.Lock()
	f.push = onMessage
	f.socket = s
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeService) deliver(m channel.Message) {
	f.mu.Lock()
	push := f.push
	f.mu.Unlock()
	push(m)
}

// fakeBook is an in-memory channel.ContactBook.
type fakeBook struct {
	mu       sync.Mutex
	contacts channel.Contacts
}

func (b *fakeBook) Lookup(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.contacts[id]
	return name, ok
}

func (b *fakeBook) Observe(_ context.Context, id, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contacts[id]; !ok {
		b.contacts[id] = name
	}
	return nil
}

func (b *fakeBook) Rename(_ context.Context, id, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contacts[id] = name
	return nil
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

func testDeps(t *testing.T, svc channel.Service) channel.Deps {
	t.Helper()
	return channel.Deps{
		DB:      testDB(t),
		Service: svc,
		Crypto:  sbcrypto.New(),
		Bus:     bus.New(),
	}
}

func connected(t *testing.T, deps channel.Deps, opts channel.Options) *channel.Channel {
	t.Helper()
	ch := channel.New(deps, opts)
	t.Cleanup(func() { _ = ch.Close() })
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return ch
}

// wrapFor encrypts text with the key shared between from and to.
func wrapFor(t *testing.T, from *ecdh.PrivateKey, to *ecdh.PublicKey, text string) string {
	t.Helper()
	ctx := context.Background()
	c := sbcrypto.New()
	key, err := c.DeriveKey(ctx, from, to)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := c.Wrap(ctx, key, text)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func pub(k *ecdh.PrivateKey) channel.PublicKey {
	return sbcrypto.ExportPublicKey(k.PublicKey())
}

func keyPtr(k channel.PublicKey) *channel.PublicKey { return &k }
