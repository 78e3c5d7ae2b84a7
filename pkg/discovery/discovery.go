// Package discovery implements local-network peer discovery: a signed
// ANNOUNCE_PRESENCE frame is broadcast to a UDP multicast group on a fixed
// interval, and frames heard from the same group are fed into the DHT's
// routing table and surfaced as PeerDiscovered/PeerLost events. This finds
// peers on the same LAN before any DHT bootstrap or rendezvous is needed.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"chiral-network/core/internal/dht"
	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/events"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/logging"
	"chiral-network/core/pkg/wire"
)

var log = logging.For("discovery")

// peerLostAfter is how long a discovered peer can go unheard from before
// this node considers it gone and emits PeerLost.
const peerLostAfter = 3 * constants.DiscoveryInterval

// Discovery periodically announces this node's peer-ID and addresses on a
// UDP multicast group, and listens for the same announcements from other
// nodes on the local network.
type Discovery struct {
	identity  *identity.Identity
	addresses []string
	routes    *dht.DHT
	bus       *events.Bus

	conn *net.UDPConn
	addr *net.UDPAddr

	mu       sync.Mutex
	lastSeen map[string]time.Time

	seqMu sync.Mutex
	seq   uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a discovery instance that announces addresses on behalf of
// id, feeding discovered peers into routes and publishing events on bus.
func New(id *identity.Identity, addresses []string, routes *dht.DHT, bus *events.Bus) (*Discovery, error) {
	addr, err := net.ResolveUDPAddr("udp4", constants.DiscoveryMulticast)
	if err != nil {
		return nil, err
	}

	return &Discovery{
		identity:  id,
		addresses: addresses,
		routes:    routes,
		bus:       bus,
		addr:      addr,
		lastSeen:  make(map[string]time.Time),
		done:      make(chan struct{}),
	}, nil
}

// Start joins the multicast group and begins announcing and listening
// until ctx is cancelled or Stop is called.
func (d *Discovery) Start(ctx context.Context) error {
	conn, err := net.ListenMulticastUDP("udp4", nil, d.addr)
	if err != nil {
		return err
	}
	d.conn = conn

	d.ctx, d.cancel = context.WithCancel(ctx)

	go d.announceLoop()
	go d.listenLoop()
	go d.expiryLoop()

	return nil
}

// Stop leaves the multicast group and stops all background loops.
func (d *Discovery) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

func (d *Discovery) nextSeq() uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq++
	return d.seq
}

func (d *Discovery) announceLoop() {
	ticker := time.NewTicker(constants.DiscoveryInterval)
	defer ticker.Stop()

	d.announce()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.announce()
		}
	}
}

func (d *Discovery) announce() {
	frame := wire.NewAnnouncePresenceFrame(d.identity.PeerID(), d.nextSeq(), d.identity.PeerID(), d.addresses)
	if err := frame.Sign(d.identity.SigningPrivateKey); err != nil {
		log.Warn().Err(err).Msg("failed to sign discovery announcement")
		return
	}

	data, err := frame.Marshal()
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal discovery announcement")
		return
	}

	// Multicast failures are expected on networks that block it (spec §4.4
	// treats this as non-fatal): log and keep trying on the next tick.
	if _, err := d.conn.WriteToUDP(data, d.addr); err != nil {
		log.Debug().Err(err).Msg("multicast announce failed")
	}
}

func (d *Discovery) listenLoop() {
	buf := make([]byte, 64*1024)
	for {
		if d.ctx.Err() != nil {
			return
		}

		d.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		frame := &wire.BaseFrame{}
		if err := frame.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if frame.From == d.identity.PeerID() {
			continue // our own announcement, looped back by the multicast group
		}

		body, ok := frame.Body.(*wire.AnnouncePresenceBody)
		if !ok {
			continue
		}

		d.ingest(body.PeerID, body.Addrs)
	}
}

func (d *Discovery) ingest(peerID string, addrs []string) {
	node := dht.NewNode(peerID, addrs)
	isNew := d.routes.AddNode(node)

	d.mu.Lock()
	_, known := d.lastSeen[peerID]
	d.lastSeen[peerID] = time.Now()
	d.mu.Unlock()

	if isNew || !known {
		log.Info().Str("peer", peerID).Strs("addrs", addrs).Msg("discovered local peer")
		d.bus.Publish(events.Event{Kind: events.PeerDiscovered, PeerID: peerID})
	}
}

func (d *Discovery) expiryLoop() {
	ticker := time.NewTicker(constants.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.pruneStale()
		}
	}
}

func (d *Discovery) pruneStale() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for peerID, seen := range d.lastSeen {
		if now.Sub(seen) > peerLostAfter {
			delete(d.lastSeen, peerID)
			d.bus.Publish(events.Event{Kind: events.PeerLost, PeerID: peerID})
		}
	}
}
