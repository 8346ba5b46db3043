// Package channel keeps the locally cached state of one messaging channel in
// sync with its live socket: history, contacts and the shared key.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/kv"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveSocket is returned by operations on a channel without a live socket.
	ErrNoActiveSocket = errors.New("channel: no active socket")
	// ErrNoChannelID is returned when a socket becomes ready without a channel id.
	ErrNoChannelID = errors.New("channel: socket has no channel id")
)

const (
	DefaultUserName = "Me"
	DefaultName     = "Room"
	inboxSize       = 256
)

// Options configures a Channel.
type Options struct {
	ID       string
	Name     string
	UserName string
	// Key is the owner or member key material; empty connects anonymously.
	Key json.RawMessage
	// OnMessage is invoked with every message pushed by the server after it
	// has been merged and persisted.
	OnMessage func(Message)
	// Contacts is consulted and updated on first observation of a contact.
	Contacts ContactBook
}

// Deps are the collaborators shared by every channel of a registry.
type Deps struct {
	DB      *kv.Store
	Service Service
	Crypto  Crypto
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// Channel is the cached state of one channel plus its socket.
type Channel struct {
	db      *kv.Store
	svc     Service
	crypto  Crypto
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	machine *Machine

	inbox chan Message
	ready chan struct{}
	done  chan struct{}

	closeOnce sync.Once

	// syncs counts running backfills; SYNCING lasts until the last one ends.
	syncMu sync.Mutex
	syncs  int

	mu     sync.Mutex
	socket Socket
	rec    Record
}

// New returns an unconnected Channel. Call Create or Connect to bring it up.
func New(deps Deps, opts Options) *Channel {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserName == "" {
		opts.UserName = DefaultUserName
	}
	c := &Channel{
		db:      deps.DB,
		svc:     deps.Service,
		crypto:  deps.Crypto,
		bus:     deps.Bus,
		logger:  logger,
		opts:    opts,
		machine: NewMachine(opts.ID, deps.Bus),
		inbox:   make(chan Message, inboxSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// ID returns the channel id, which is empty until Create succeeds.
func (c *Channel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec.ID != "" {
		return c.rec.ID
	}
	return c.opts.ID
}

// State returns the current lifecycle state.
func (c *Channel) State() State { return c.machine.Current() }

// Options returns the options the channel was built with.
func (c *Channel) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Ready blocks until the channel has a socket and a loaded record.
func (c *Channel) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrNoActiveSocket
	case <-ctx.Done():
		return ctx.Err()
	}
}

// active waits for readiness and returns the live socket.
func (c *Channel) active(ctx context.Context) (Socket, error) {
	if err := c.Ready(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return nil, ErrNoActiveSocket
	}
	return c.socket, nil
}

// Create provisions a new channel owned by this identity and connects to it.
func (c *Channel) Create(ctx context.Context, secret string) error {
	if err := c.machine.Transition(Connecting); err != nil {
		return err
	}
	h, err := c.svc.Create(ctx, secret)
	if err != nil {
		return c.fail(fmt.Errorf("create channel: %w", err))
	}
	if h.ChannelID == "" {
		return c.fail(ErrNoChannelID)
	}
	sock, err := c.svc.Connect(ctx, c.deliver, h.Key, h.ChannelID)
	if err != nil {
		return c.fail(fmt.Errorf("connect channel %s: %w", h.ChannelID, err))
	}
	c.mu.Lock()
	c.opts.Key = h.Key
	c.mu.Unlock()
	return c.attach(ctx, sock, &Record{
		ID:       h.ChannelID,
		Name:     c.defaultName(),
		Key:      h.Key,
		UserName: c.opts.UserName,
	})
}

// Connect joins the channel in Options.ID, loading its cached record or
// starting a fresh one.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.machine.Transition(Connecting); err != nil {
		return err
	}
	sock, err := c.svc.Connect(ctx, c.deliver, c.opts.Key, c.opts.ID)
	if err != nil {
		return c.fail(fmt.Errorf("connect channel %s: %w", c.opts.ID, err))
	}
	return c.attach(ctx, sock, nil)
}

func (c *Channel) attach(ctx context.Context, sock Socket, fresh *Record) error {
	if err := sock.Ready(ctx); err != nil {
		_ = sock.Close()
		return c.fail(fmt.Errorf("socket ready: %w", err))
	}
	id := sock.ChannelID()
	if id == "" {
		_ = sock.Close()
		return c.fail(ErrNoChannelID)
	}

	rec := fresh
	if rec == nil {
		cached, err := LoadRecord(ctx, c.db, id)
		if err != nil {
			_ = sock.Close()
			return c.fail(fmt.Errorf("load channel %s: %w", id, err))
		}
		rec = cached
		if rec == nil {
			c.logger.Info("no cached channel, starting fresh", zap.String("channel_id", id))
			rec = c.newRecord(id, sock)
		}
	}
	rec.normalize()

	rec.SharedKey = nil
	if !sock.Owner() {
		keys := sock.Keys()
		shared, err := c.crypto.DeriveKey(ctx, keys.PrivateKey, keys.OwnerKey)
		if err != nil {
			_ = sock.Close()
			return c.fail(fmt.Errorf("derive shared key for %s: %w", id, err))
		}
		rec.SharedKey = shared
	}

	c.mu.Lock()
	c.socket = sock
	c.rec = *rec
	c.opts.ID = id
	err := c.persistLocked(ctx)
	if err != nil {
		c.socket = nil
	}
	c.mu.Unlock()
	if err != nil {
		_ = sock.Close()
		return c.fail(err)
	}

	c.machine.setChannelID(id)
	if err := c.machine.Transition(Ready); err != nil {
		// Closed while connecting.
		c.mu.Lock()
		c.socket = nil
		c.mu.Unlock()
		_ = sock.Close()
		return ErrNoActiveSocket
	}
	close(c.ready)
	c.logger.Info("channel ready",
		zap.String("channel_id", id),
		zap.Bool("owner", sock.Owner()),
		zap.Int("messages", len(rec.Messages)))
	return nil
}

func (c *Channel) newRecord(id string, sock Socket) *Record {
	key := c.opts.Key
	if len(key) == 0 {
		key = sock.ExportablePrivateKey()
	}
	return &Record{
		ID:       id,
		Name:     c.defaultName(),
		Key:      key,
		UserName: c.opts.UserName,
	}
}

func (c *Channel) defaultName() string {
	if c.opts.Name != "" {
		return c.opts.Name
	}
	return DefaultName
}

func (c *Channel) fail(err error) error {
	if terr := c.machine.Transition(Uninitialized); terr != nil {
		c.logger.Debug("state reset skipped", zap.Error(terr))
	}
	c.logger.Error("channel connect failed", zap.String("channel_id", c.opts.ID), zap.Error(err))
	return err
}

// persistLocked writes the record. c.mu must be held.
func (c *Channel) persistLocked(ctx context.Context) error {
	if err := SaveRecord(ctx, c.db, c.rec); err != nil {
		return fmt.Errorf("persist channel %s: %w", c.rec.ID, err)
	}
	c.bus.Publish(bus.Event{Kind: bus.KindChannelSaved, Payload: c.rec.ID})
	return nil
}

// deliver queues a server-pushed message for the receive pipeline.
func (c *Channel) deliver(m Message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Channel) pump() {
	select {
	case <-c.ready:
	case <-c.done:
		return
	}
	for {
		select {
		case m := <-c.inbox:
			if _, err := c.ReceiveMessage(context.Background(), m, c.opts.OnMessage); err != nil {
				c.logger.Error("receive message failed",
					zap.String("channel_id", c.ID()), zap.String("message_id", m.ID), zap.Error(err))
			}
		case <-c.done:
			return
		}
	}
}

// Close drops the socket and stops inbound processing. The cached record is kept.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		sock := c.socket
		c.socket = nil
		c.mu.Unlock()
		if terr := c.machine.Transition(Closed); terr != nil {
			c.logger.Debug("close transition skipped", zap.Error(terr))
		}
		if sock != nil {
			err = sock.Close()
		}
	})
	return err
}
