package channel

import (
	"context"
	"fmt"

	"github.com/matheus3301/sbcache/internal/bus"
	"go.uber.org/zap"
)

// ReceiveMessage runs m through the receive pipeline: contact resolution,
// timestamp decoding, whisper decryption, merge and persistence. callback,
// when non-nil, gets the enriched message after it has been persisted.
func (c *Channel) ReceiveMessage(ctx context.Context, m Message, callback func(Message)) (Message, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return Message{}, err
	}
	m = m.clone()

	c.mu.Lock()
	if author := m.Author(); author != nil {
		reported := m.SenderName
		if m.User != nil {
			reported = m.User.Name
		}
		name := c.observeContactLocked(ctx, author.ContactID(), reported)
		if m.User == nil {
			m.User = &User{ID: *author}
		}
		m.User.Name = name
		m.SenderName = name
	}
	c.mu.Unlock()

	c.stampCreatedAt(&m)
	m = c.decryptWhisper(ctx, sock, m)

	c.mu.Lock()
	c.rec.Messages = mergeMessages(c.rec.Messages, []Message{m}, nil)
	c.rec.LastSeenMessage = m.ID
	c.rec.LastMessageTime = m.TimestampPrefix
	err = c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return Message{}, err
	}

	c.bus.Publish(bus.Event{Kind: bus.KindChannelMessage, Payload: m})
	if callback != nil {
		callback(m)
	}
	return m, nil
}

func (c *Channel) stampCreatedAt(m *Message) {
	if m.TimestampPrefix == "" {
		return
	}
	ts, err := ParseTimestampPrefix(m.TimestampPrefix)
	if err != nil {
		c.logger.Debug("bad timestamp prefix", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	m.CreatedAt = ts
}

// observeContactLocked inserts id on first observation and returns the name
// to display. Known contacts keep their name. c.mu must be held.
func (c *Channel) observeContactLocked(ctx context.Context, id, reported string) string {
	if name, ok := c.rec.Contacts[id]; ok {
		return name
	}
	name := reported
	book := c.opts.Contacts
	if book != nil {
		if known, ok := book.Lookup(id); ok {
			name = known
		}
	}
	c.rec.Contacts[id] = name
	if book != nil {
		if err := book.Observe(ctx, id, name); err != nil {
			c.logger.Warn("global contact update failed", zap.String("contact_id", id), zap.Error(err))
		}
	}
	c.bus.Publish(bus.Event{
		Kind:    bus.KindContactObserved,
		Payload: ContactChange{ChannelID: c.rec.ID, ContactID: id, Name: name},
	})
	return name
}

// ContactChange is the payload of contact events.
type ContactChange struct {
	ChannelID string
	ContactID string
	Name      string
}

// decryptWhisper replaces the text of a whispered message with its plaintext
// when this identity can derive the key. Failures leave the placeholder.
func (c *Channel) decryptWhisper(ctx context.Context, sock Socket, m Message) Message {
	if !m.Whispered {
		return m
	}
	m.Text = WhisperPlaceholder
	peer, ok := c.whisperPeer(sock, m)
	if !ok {
		return m
	}
	key, err := c.deriveWith(ctx, sock, peer)
	if err == nil {
		var plain string
		plain, err = c.crypto.Unwrap(ctx, key, m.Whisper)
		if err == nil {
			m.Contents = plain
			m.Text = plain
			return m
		}
	}
	c.logger.Warn("whisper decryption failed",
		zap.String("channel_id", sock.ChannelID()),
		zap.String("message_id", m.ID),
		zap.Error(err))
	return m
}

// whisperPeer picks the public key to agree with. The first matching case wins:
// the owner reading a whisper sent to it, a sender reading its own whisper,
// the owner reading a reply it addressed, and a member reading a reply to it.
func (c *Channel) whisperPeer(sock Socket, m Message) (PublicKey, bool) {
	own := sock.PublicKey()
	sender := m.Sender()
	switch {
	case sock.Owner() && m.Whisper != "" && m.ReplyTo == nil && sender != nil:
		return *sender, true
	case m.Whisper != "" && m.ReplyTo == nil && sender != nil && c.crypto.CompareKeys(*sender, own):
		return sock.OwnerPublicKey(), true
	case sock.Owner() && m.ReplyTo != nil:
		return *m.ReplyTo, true
	case m.ReplyTo != nil && c.crypto.CompareKeys(*m.ReplyTo, own):
		return sock.OwnerPublicKey(), true
	}
	return PublicKey{}, false
}

func (c *Channel) deriveWith(ctx context.Context, sock Socket, peer PublicKey) (SharedKey, error) {
	pub, err := c.crypto.ImportKey(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("import peer key: %w", err)
	}
	key, err := c.crypto.DeriveKey(ctx, sock.Keys().PrivateKey, pub)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
