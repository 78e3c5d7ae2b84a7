// Package events implements the typed, bounded asynchronous event bus that
// carries discovery and transfer notifications out to the embedder.
// Producers are the discovery and file-transfer engines; the embedder is
// the sole consumer. Generalized from the channel-and-goroutine shutdown
// pattern used throughout the agent lifecycle (agent.go's done channel,
// the SWIM event loop), bounded and typed for this domain.
package events

// Kind identifies the tagged variant carried by an Event.
type Kind int

const (
	PeerDiscovered Kind = iota
	PeerLost
	DownloadProgress
	DownloadComplete
	DownloadFailed
	RecordFound
	RecordNotFound
	SearchResult
)

func (k Kind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer_discovered"
	case PeerLost:
		return "peer_lost"
	case DownloadProgress:
		return "download_progress"
	case DownloadComplete:
		return "download_complete"
	case DownloadFailed:
		return "download_failed"
	case RecordFound:
		return "record_found"
	case RecordNotFound:
		return "record_not_found"
	case SearchResult:
		return "search_result"
	default:
		return "unknown"
	}
}

// critical events are never dropped for backpressure, even when they
// duplicate the kind of an event already queued.
func (k Kind) critical() bool {
	switch k {
	case DownloadComplete, DownloadFailed, PeerLost:
		return true
	default:
		return false
	}
}

// Event is a tagged envelope delivered on the bus. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	PeerID string // PeerDiscovered, PeerLost

	Hash  string // DownloadProgress, DownloadComplete, DownloadFailed, RecordFound, RecordNotFound
	Bytes uint64 // DownloadProgress
	Total uint64 // DownloadProgress
	Path  string // DownloadComplete
	Reason string // DownloadFailed

	Metadata map[string]string // SearchResult
}

// Bus is a bounded, single-producer-per-source, multi-consumer event
// queue. When full, a DownloadProgress event is dropped to make room
// rather than blocking the producer; critical events (DownloadComplete,
// DownloadFailed, PeerLost) are never dropped, at the cost of a full bus
// applying backpressure on the producer for those events only.
type Bus struct {
	events chan Event
}

// NewBus creates a bus with the given buffer capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{events: make(chan Event, capacity)}
}

// Publish enqueues an event. Non-critical events are dropped (oldest
// first) if the bus is full; critical events block until space frees up
// or ctx-less callers simply wait, since losing them would hide a
// terminal transfer outcome from the embedder.
func (b *Bus) Publish(evt Event) {
	if !evt.Kind.critical() {
		select {
		case b.events <- evt:
		default:
			// Bus full: drop the oldest queued event to make room, then
			// retry once. If the bus is still full (a concurrent producer
			// refilled it), drop this event instead of blocking.
			select {
			case <-b.events:
			default:
			}
			select {
			case b.events <- evt:
			default:
			}
		}
		return
	}

	b.events <- evt
}

// Events returns the receive-only channel consumers range over.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close shuts down the bus. Callers must stop publishing before calling
// Close; a subsequent Publish will panic, matching close-channel semantics.
func (b *Bus) Close() {
	close(b.events)
}
