package channel

import (
	"context"
	"encoding/json"
)

// Handle identifies a freshly created channel.
type Handle struct {
	ChannelID string
	Key       json.RawMessage
}

// Service creates channels and opens sockets to them.
type Service interface {
	// Create provisions a new channel owned by the caller.
	Create(ctx context.Context, secret string) (Handle, error)
	// Connect opens a socket. An empty key connects anonymously. onMessage is
	// invoked for every message the server pushes on this socket.
	Connect(ctx context.Context, onMessage func(Message), key json.RawMessage, channelID string) (Socket, error)
}

// CryptoKey is an opaque key handle owned by a Crypto implementation.
type CryptoKey any

// SocketKeys are the key handles a socket holds after its handshake.
type SocketKeys struct {
	PrivateKey CryptoKey
	OwnerKey   CryptoKey
}

// Socket is a live connection to one channel.
type Socket interface {
	// Ready blocks until the handshake has finished.
	Ready(ctx context.Context) error
	ChannelID() string
	Owner() bool
	Admin() bool
	Keys() SocketKeys
	// PublicKey is this identity's exportable public key.
	PublicKey() PublicKey
	// OwnerPublicKey is the channel owner's exportable public key.
	OwnerPublicKey() PublicKey
	// ExportablePrivateKey is the key material a member needs to reconnect.
	ExportablePrivateKey() json.RawMessage
	Capacity() int
	MOTD() string
	API() API
	Close() error
}

// API is the request/response surface of a socket.
type API interface {
	GetOldMessages(ctx context.Context, count int) ([]Message, error)
	UpdateCapacity(ctx context.Context, capacity int) error
	SetMOTD(ctx context.Context, motd string) error
	DownloadData(ctx context.Context) (json.RawMessage, error)
	Lock(ctx context.Context) error
}

// Crypto performs key import, agreement and unwrapping.
type Crypto interface {
	ImportKey(ctx context.Context, jwk PublicKey) (CryptoKey, error)
	DeriveKey(ctx context.Context, private, public CryptoKey) (SharedKey, error)
	Unwrap(ctx context.Context, key SharedKey, payload string) (string, error)
	CompareKeys(a, b PublicKey) bool
}

// ContactBook is a contact table shared between channels.
type ContactBook interface {
	// Lookup returns the known name for a contact id.
	Lookup(id string) (string, bool)
	// Observe records name for id unless id is already known.
	Observe(ctx context.Context, id, name string) error
	// Rename overwrites the name for id.
	Rename(ctx context.Context, id, name string) error
}
