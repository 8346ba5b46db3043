package bus

import "time"

// Event kinds published by the channel layer.
const (
	KindChannelState    = "channel.state_changed"
	KindChannelMessage  = "channel.message"
	KindChannelBackfill = "channel.backfill"
	KindChannelSaved    = "channel.saved"
	KindContactObserved = "contact.observed"
	KindContactRenamed  = "contact.renamed"
	KindRegistryLoaded  = "registry.loaded"
	KindRegistryChanged = "registry.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
