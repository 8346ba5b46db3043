package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
)

// ChannelSummary is one entry of the persisted channel index.
type ChannelSummary struct {
	ID          string    `json:"_id"`
	Order       int       `json:"order"`
	Name        string    `json:"name"`
	UserName    string    `json:"userName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type entry struct {
	summary ChannelSummary
	ch      *channel.Channel
}

func connected(ch *channel.Channel) bool {
	switch ch.State() {
	case channel.Ready, channel.Syncing:
		return true
	}
	return false
}

// rehydrate builds an unconnected channel for s.
func (r *Registry) rehydrate(s ChannelSummary) *channel.Channel {
	return channel.New(r.deps(), channel.Options{
		ID:       s.ID,
		Name:     s.Name,
		UserName: s.UserName,
		Contacts: r.book,
	})
}

func (r *Registry) readIndex(ctx context.Context) ([]ChannelSummary, error) {
	index, err := kv.Get[[]ChannelSummary](ctx, r.db, IndexKey)
	if err != nil {
		return nil, fmt.Errorf("read channel index: %w", err)
	}
	if index == nil {
		return nil, nil
	}
	sortSummaries(*index)
	return *index, nil
}

// summariesLocked returns the index ordered by Order. r.mu must be held.
func (r *Registry) summariesLocked() []ChannelSummary {
	out := make([]ChannelSummary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.summary)
	}
	sortSummaries(out)
	return out
}

// saveIndexLocked persists the index. r.mu must be held.
func (r *Registry) saveIndexLocked(ctx context.Context) error {
	if _, err := r.db.SetItem(ctx, IndexKey, r.summariesLocked()); err != nil {
		return fmt.Errorf("save channel index: %w", err)
	}
	return nil
}

// defaultNameLocked names the next channel after its position. r.mu must be held.
func (r *Registry) defaultNameLocked() string {
	return channel.DefaultName + " " + strconv.Itoa(len(r.entries)+1)
}

func sortSummaries(s []ChannelSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Order != s[j].Order {
			return s[i].Order < s[j].Order
		}
		return s[i].ID < s[j].ID
	})
}
