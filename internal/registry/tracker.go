package registry

import (
	"context"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/channel"
	"go.uber.org/zap"
)

// tracker keeps the index activity times current. It subscribes to
// "channel." events on the bus.
type tracker struct {
	r      *Registry
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Registry) startTracker() *tracker {
	t := &tracker{r: r, done: make(chan struct{})}
	if r.bus == nil {
		close(t.done)
		return t
	}
	var ctx context.Context
	ctx, t.cancel = context.WithCancel(context.Background())
	ch, unsub := r.bus.Subscribe("channel.", 256)

	go func() {
		defer close(t.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				t.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return t
}

// stop waits for the event loop to exit.
func (t *tracker) stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *tracker) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindChannelSaved:
		id, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := t.touch(ctx, evt, id); err != nil {
			t.r.logger.Error("failed to update channel index", zap.String("channel_id", id), zap.Error(err))
		}
	case bus.KindChannelBackfill:
		b, ok := evt.Payload.(channel.Backfill)
		if !ok {
			return
		}
		t.r.logger.Info("history backfilled",
			zap.String("channel_id", b.ChannelID),
			zap.Int("received", b.Received),
			zap.Int("added", b.Added))
	}
}

// touch advances the UpdatedAt of a registered channel to the event time.
func (t *tracker) touch(ctx context.Context, evt bus.Event, id string) error {
	r := t.r
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !evt.Timestamp.After(e.summary.UpdatedAt) {
		return nil
	}
	e.summary.UpdatedAt = evt.Timestamp
	return r.saveIndexLocked(ctx)
}
