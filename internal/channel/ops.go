package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/sbcache/internal/bus"
	"go.uber.org/zap"
)

// Record returns a copy of the cached record.
func (c *Channel) Record(ctx context.Context) (Record, error) {
	if _, err := c.active(ctx); err != nil {
		return Record{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.clone(), nil
}

// Messages returns the cached history in ascending id order.
func (c *Channel) Messages(ctx context.Context) ([]Message, error) {
	rec, err := c.Record(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// Contacts returns the channel's contact table.
func (c *Channel) Contacts(ctx context.Context) (Contacts, error) {
	rec, err := c.Record(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Contacts, nil
}

func (c *Channel) SharedKey(ctx context.Context) (SharedKey, error) {
	rec, err := c.Record(ctx)
	if err != nil {
		return nil, err
	}
	return rec.SharedKey, nil
}

func (c *Channel) LastSeenMessage(ctx context.Context) (string, error) {
	rec, err := c.Record(ctx)
	return rec.LastSeenMessage, err
}

func (c *Channel) LastMessageTime(ctx context.Context) (string, error) {
	rec, err := c.Record(ctx)
	return rec.LastMessageTime, err
}

func (c *Channel) Owner(ctx context.Context) (bool, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return false, err
	}
	return sock.Owner(), nil
}

func (c *Channel) Admin(ctx context.Context) (bool, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return false, err
	}
	return sock.Admin(), nil
}

// User returns this identity as it appears to other members.
func (c *Channel) User(ctx context.Context) (User, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return User{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return User{ID: sock.PublicKey(), Name: c.rec.UserName}, nil
}

// UpdateChannelName renames the channel locally.
func (c *Channel) UpdateChannelName(ctx context.Context, name string) error {
	if _, err := c.active(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.Name = name
	return c.persistLocked(ctx)
}

// SetUserName changes this identity's display name and its own contact entry.
func (c *Channel) SetUserName(ctx context.Context, name string) error {
	sock, err := c.active(ctx)
	if err != nil {
		return err
	}
	own := sock.PublicKey().ContactID()

	c.mu.Lock()
	c.rec.UserName = name
	c.opts.UserName = name
	c.rec.Contacts[own] = name
	err = c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.renameGlobal(ctx, own, name)
	return nil
}

// RenameContact overwrites the display name of a contact.
func (c *Channel) RenameContact(ctx context.Context, contactID, name string) error {
	if _, err := c.active(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if old, ok := c.rec.Contacts[contactID]; ok && old == name {
		c.mu.Unlock()
		return nil
	}
	c.rec.Contacts[contactID] = name
	err := c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.renameGlobal(ctx, contactID, name)
	return nil
}

func (c *Channel) renameGlobal(ctx context.Context, contactID, name string) {
	c.bus.Publish(bus.Event{
		Kind:    bus.KindContactRenamed,
		Payload: ContactChange{ChannelID: c.ID(), ContactID: contactID, Name: name},
	})
	if c.opts.Contacts == nil {
		return
	}
	if err := c.opts.Contacts.Rename(ctx, contactID, name); err != nil {
		c.logger.Warn("global contact rename failed", zap.String("contact_id", contactID), zap.Error(err))
	}
}

// Capacity returns the member capacity reported by the server.
func (c *Channel) Capacity(ctx context.Context) (int, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return 0, err
	}
	return sock.Capacity(), nil
}

// SetRoomCapacity asks the server to change the member capacity.
func (c *Channel) SetRoomCapacity(ctx context.Context, capacity int) error {
	sock, err := c.active(ctx)
	if err != nil {
		return err
	}
	if err := sock.API().UpdateCapacity(ctx, capacity); err != nil {
		return fmt.Errorf("update capacity: %w", err)
	}
	return nil
}

// MOTD returns the channel's message of the day.
func (c *Channel) MOTD(ctx context.Context) (string, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return "", err
	}
	return sock.MOTD(), nil
}

func (c *Channel) SetMOTD(ctx context.Context, motd string) error {
	sock, err := c.active(ctx)
	if err != nil {
		return err
	}
	if err := sock.API().SetMOTD(ctx, motd); err != nil {
		return fmt.Errorf("set motd: %w", err)
	}
	return nil
}

// LockRoom asks the server to lock the channel. Server failures are logged
// and not returned.
func (c *Channel) LockRoom(ctx context.Context) error {
	sock, err := c.active(ctx)
	if err != nil {
		return err
	}
	if err := sock.API().Lock(ctx); err != nil {
		c.logger.Warn("lock room failed", zap.String("channel_id", sock.ChannelID()), zap.Error(err))
		return nil
	}
	c.logger.Info("room locked", zap.String("channel_id", sock.ChannelID()))
	return nil
}

// ReplyEncryptionKey derives the key for whispering to recipient.
func (c *Channel) ReplyEncryptionKey(ctx context.Context, recipient PublicKey) (SharedKey, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	return c.deriveWith(ctx, sock, recipient)
}

// DownloadData fetches the server-side export of the channel.
func (c *Channel) DownloadData(ctx context.Context) (json.RawMessage, error) {
	sock, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	data, err := sock.API().DownloadData(ctx)
	if err != nil {
		return nil, fmt.Errorf("download data: %w", err)
	}
	return data, nil
}
