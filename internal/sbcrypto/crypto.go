// Package sbcrypto is the default channel.Crypto: P-384 ECDH over JWK public
// keys, HKDF-SHA256 key derivation and ChaCha20-Poly1305 wrapping.
package sbcrypto

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/sbcache/internal/channel"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeyType  = "EC"
	Curve    = "P-384"
	coordLen = 48
)

var hkdfInfo = []byte("sbcache channel key")

var (
	ErrBadKey     = errors.New("sbcrypto: unsupported key")
	ErrBadPayload = errors.New("sbcrypto: malformed payload")
)

var b64 = base64.RawURLEncoding

// Crypto implements channel.Crypto.
type Crypto struct{}

// New returns the default crypto capability.
func New() *Crypto { return &Crypto{} }

// GenerateKey creates a new P-384 identity key.
func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.P384().GenerateKey(rand.Reader)
}

// ExportPublicKey encodes pub as a JWK.
func ExportPublicKey(pub *ecdh.PublicKey) channel.PublicKey {
	raw := pub.Bytes() // 0x04 || X || Y
	return channel.PublicKey{
		Kty:    KeyType,
		Crv:    Curve,
		X:      b64.EncodeToString(raw[1 : 1+coordLen]),
		Y:      b64.EncodeToString(raw[1+coordLen:]),
		Ext:    true,
		KeyOps: []string{},
	}
}

func (c *Crypto) ImportKey(_ context.Context, jwk channel.PublicKey) (channel.CryptoKey, error) {
	if jwk.Kty != KeyType || jwk.Crv != Curve {
		return nil, fmt.Errorf("%w: %s/%s", ErrBadKey, jwk.Kty, jwk.Crv)
	}
	x, err := coordinate(jwk.X)
	if err != nil {
		return nil, err
	}
	y, err := coordinate(jwk.Y)
	if err != nil {
		return nil, err
	}
	point := make([]byte, 0, 1+2*coordLen)
	point = append(point, 4)
	point = append(point, x...)
	point = append(point, y...)
	pub, err := ecdh.P384().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return pub, nil
}

func coordinate(s string) ([]byte, error) {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) > coordLen {
		return nil, fmt.Errorf("%w: coordinate is %d bytes", ErrBadKey, len(raw))
	}
	out := make([]byte, coordLen)
	copy(out[coordLen-len(raw):], raw)
	return out, nil
}

func (c *Crypto) DeriveKey(_ context.Context, private, public channel.CryptoKey) (channel.SharedKey, error) {
	priv, ok := private.(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T", ErrBadKey, private)
	}
	pub, ok := public.(*ecdh.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T", ErrBadKey, public)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Wrap encrypts plaintext under key. The payload is base64url(nonce || ciphertext).
func (c *Crypto) Wrap(_ context.Context, key channel.SharedKey, plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return b64.EncodeToString(aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (c *Crypto) Unwrap(_ context.Context, key channel.SharedKey, payload string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	raw, err := b64.DecodeString(payload)
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrBadPayload
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("unwrap: %w", err)
	}
	return string(plain), nil
}

func (c *Crypto) CompareKeys(a, b channel.PublicKey) bool {
	return a.Crv == b.Crv && a.X == b.X && a.Y == b.Y
}
