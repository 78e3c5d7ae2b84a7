// Package transfer ties the DHT's provider index to the file-transfer
// engine: publishing a shared file announces it on the DHT, searching
// resolves providers through get_providers, and a download picks seeders
// from that list before handing off to the downloader state machine.
package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chiral-network/core/internal/dht"
	"chiral-network/core/pkg/content"
	"chiral-network/core/pkg/events"
	"chiral-network/core/pkg/logging"
)

var log = logging.For("transfer")

// PaymentSigner produces an opaque payment proof to attach to the first
// FileInfoRequest of a download. A nil signer sends no proof.
type PaymentSigner func(hash content.Hash) ([]byte, error)

// seederHistory tracks observed round-trip latency for a peer serving a
// given hash, used to prefer the fastest known seeder on repeat downloads.
type seederHistory struct {
	mu   sync.Mutex
	rtt  map[string]time.Duration // peer-ID -> last observed latency
	seen map[string]time.Time     // peer-ID -> last time this peer served anything
}

func newSeederHistory() *seederHistory {
	return &seederHistory{rtt: make(map[string]time.Duration), seen: make(map[string]time.Time)}
}

func (h *seederHistory) record(peerID string, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rtt[peerID] = rtt
	h.seen[peerID] = time.Now()
}

// rank orders candidates by recency of successful use, then by observed
// RTT, then arbitrarily (stable order of the input) for peers never seen.
func (h *seederHistory) rank(candidates []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ranked := append([]string(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := h.seen[ranked[i]], h.seen[ranked[j]]
		if !si.Equal(sj) {
			return si.After(sj)
		}
		ri, haveI := h.rtt[ranked[i]]
		rj, haveJ := h.rtt[ranked[j]]
		if haveI != haveJ {
			return haveI
		}
		return ri < rj
	})
	return ranked
}

// Orchestrator implements content.ContentService: it is the single entry
// point an embedder (via pkg/control) or a CLI drives to publish, search
// for, and download content.
type Orchestrator struct {
	dht        *dht.DHT
	registry   *content.Registry
	downloader *content.Downloader
	bus        *events.Bus
	payment    PaymentSigner
	history    *seederHistory

	activeMu sync.Mutex
	active   map[content.Hash]context.CancelFunc // ActiveDownload: at most one per hash (§3)

	stats struct {
		successfulGets, failedGets uint64
		successfulPuts, failedPuts uint64
	}
}

// New creates an orchestrator over routes (for publish/search) and registry
// (for local chunk storage), downloading with downloader and publishing
// progress/terminal events on bus.
func New(routes *dht.DHT, registry *content.Registry, downloader *content.Downloader, bus *events.Bus, payment PaymentSigner) *Orchestrator {
	return &Orchestrator{
		dht:        routes,
		registry:   registry,
		downloader: downloader,
		bus:        bus,
		payment:    payment,
		history:    newSeederHistory(),
		active:     make(map[content.Hash]context.CancelFunc),
	}
}

// Put registers filepath for sharing and returns its content hash. It does
// not announce the hash on the DHT; call Publish separately (register_shared_file
// vs publish_file are distinct operations in the embedder surface).
func (o *Orchestrator) Put(filepath string) (content.Hash, error) {
	hash, err := o.registry.AddFile(filepath)
	if err != nil {
		atomic.AddUint64(&o.stats.failedPuts, 1)
		return "", err
	}
	atomic.AddUint64(&o.stats.successfulPuts, 1)
	return hash, nil
}

// Publish announces hash as locally provided on the DHT so other nodes'
// Lookup calls can find this node as a seeder. hash must already be
// registered via Put.
func (o *Orchestrator) Publish(hash content.Hash) error {
	if !o.registry.Has(hash) {
		return fmt.Errorf("%s is not registered locally; call Put first", hash)
	}
	return o.dht.StartProviding(context.Background(), hash.Bytes())
}

// Lookup resolves the peers currently providing hash via the DHT's
// get_providers, most-recently-successful first.
func (o *Orchestrator) Lookup(hash content.Hash) ([]*content.ProvideRecord, error) {
	peers, err := o.dht.GetProviders(context.Background(), hash.Bytes())
	if err != nil {
		return nil, err
	}

	ranked := o.history.rank(peers)
	records := make([]*content.ProvideRecord, len(ranked))
	for i, peerID := range ranked {
		records[i] = &content.ProvideRecord{Hash: hash, Provider: peerID}
	}
	return records, nil
}

// Get resolves seeders for hash and downloads it to outputPath, publishing
// progress/terminal events through the downloader's bus. At most one Get
// may be in flight per hash at a time (§3 ActiveDownload); a second call
// for the same hash fails immediately rather than racing the first.
func (o *Orchestrator) Get(hash content.Hash, outputPath string) error {
	ctx, err := o.beginDownload(hash)
	if err != nil {
		atomic.AddUint64(&o.stats.failedGets, 1)
		return err
	}
	defer o.endDownload(hash)

	records, err := o.Lookup(hash)
	if err != nil {
		atomic.AddUint64(&o.stats.failedGets, 1)
		return fmt.Errorf("no providers found for %s: %w", hash, err)
	}
	if len(records) == 0 {
		atomic.AddUint64(&o.stats.failedGets, 1)
		return fmt.Errorf("no providers found for %s", hash)
	}

	seeders := make([]string, len(records))
	for i, r := range records {
		seeders[i] = r.Provider
	}

	var proof []byte
	if o.payment != nil {
		proof, err = o.payment(hash)
		if err != nil {
			atomic.AddUint64(&o.stats.failedGets, 1)
			return fmt.Errorf("failed to produce payment proof for %s: %w", hash, err)
		}
	}

	start := time.Now()
	err = o.downloader.Download(ctx, hash, seeders, outputPath, proof)
	if err != nil {
		atomic.AddUint64(&o.stats.failedGets, 1)
		return err
	}

	atomic.AddUint64(&o.stats.successfulGets, 1)
	o.history.record(seeders[0], time.Since(start))
	return nil
}

// beginDownload registers hash as an in-flight ActiveDownload and returns
// the context its Download call must run under, so CancelDownload can
// later abort it. Fails if hash already has a download in flight.
func (o *Orchestrator) beginDownload(hash content.Hash) (context.Context, error) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()

	if _, exists := o.active[hash]; exists {
		return nil, fmt.Errorf("a download for %s is already in progress", hash)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.active[hash] = cancel
	return ctx, nil
}

// endDownload removes hash's ActiveDownload entry once Get returns,
// regardless of outcome.
func (o *Orchestrator) endDownload(hash content.Hash) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if cancel, ok := o.active[hash]; ok {
		cancel()
		delete(o.active, hash)
	}
}

// Stats reports counters accumulated across Put/Get calls.
func (o *Orchestrator) Stats() (*content.ContentStats, error) {
	return &content.ContentStats{
		SuccessfulGets: atomic.LoadUint64(&o.stats.successfulGets),
		FailedGets:     atomic.LoadUint64(&o.stats.failedGets),
		SuccessfulPuts: atomic.LoadUint64(&o.stats.successfulPuts),
		FailedPuts:     atomic.LoadUint64(&o.stats.failedPuts),
	}, nil
}

// CancelDownload aborts hash's in-flight ActiveDownload, if any (§4.8:
// idempotent; safe to call on an unknown hash). Cancelling the download's
// context causes Download to delete the partial file and publish exactly
// one DownloadFailed{reason="cancelled"} event; the ActiveDownload entry
// itself is cleared by the Get call that owned it once it returns.
func (o *Orchestrator) CancelDownload(hash content.Hash) error {
	o.activeMu.Lock()
	cancel, exists := o.active[hash]
	o.activeMu.Unlock()

	if !exists {
		log.Debug().Str("hash", string(hash)).Msg("cancel_download requested for a hash with no active download")
		return nil
	}

	cancel()
	return nil
}
