// Package dht implements presence management functionality
package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chiral-network/core/pkg/codec/cborcanon"
	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/wire"
)

// presenceRefresh is how often a running PresenceManager republishes its
// record, comfortably inside the record's own TTL.
const presenceRefresh = constants.ProviderRecordTTL - constants.ProviderRepublishMargin

// PresenceManager periodically publishes a PresenceRecord to the DHT and
// broadcasts an ANNOUNCE_PRESENCE frame to connected peers, so other nodes
// can mark this peer live without waiting on a DHT get.
type PresenceManager struct {
	mu       sync.RWMutex
	dht      *DHT
	identity *identity.Identity

	currentRecord *PresenceRecord
	addresses     []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// PresenceConfig holds configuration for presence management.
type PresenceConfig struct {
	Identity  *identity.Identity
	Addresses []string
}

// NewPresenceManager creates a new presence manager.
func NewPresenceManager(dht *DHT, config *PresenceConfig) (*PresenceManager, error) {
	if dht == nil {
		return nil, fmt.Errorf("DHT is required")
	}
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}

	return &PresenceManager{
		dht:       dht,
		identity:  config.Identity,
		addresses: config.Addresses,
		done:      make(chan struct{}),
	}, nil
}

// Start publishes an initial presence record and begins the refresh cycle.
func (pm *PresenceManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.ctx != nil {
		return fmt.Errorf("presence manager is already running")
	}
	pm.ctx, pm.cancel = context.WithCancel(ctx)

	if err := pm.publishPresence(); err != nil {
		pm.cancel()
		pm.ctx = nil
		return fmt.Errorf("failed to publish initial presence: %w", err)
	}

	go pm.refreshLoop()
	return nil
}

// Stop stops the presence manager's refresh cycle.
func (pm *PresenceManager) Stop() error {
	pm.mu.Lock()
	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}
	pm.mu.Unlock()

	select {
	case <-pm.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// GetCurrentRecord returns a copy of the most recently published record.
func (pm *PresenceManager) GetCurrentRecord() *PresenceRecord {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.currentRecord == nil {
		return nil
	}
	record := *pm.currentRecord
	return &record
}

// UpdateAddresses updates the advertised addresses and, if running,
// immediately republishes.
func (pm *PresenceManager) UpdateAddresses(addresses []string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.addresses = addresses
	if pm.ctx != nil {
		return pm.publishPresence()
	}
	return nil
}

func (pm *PresenceManager) publishPresence() error {
	record, err := NewPresenceRecord(pm.identity.PeerID(), pm.addresses, pm.identity.SigningPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to create presence record: %w", err)
	}

	key := GetPresenceKey(pm.identity.PeerID())
	recordBytes, err := cborcanon.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize presence record: %w", err)
	}

	if err := pm.dht.Put(pm.ctx, key, recordBytes); err != nil {
		return fmt.Errorf("failed to store presence record in DHT: %w", err)
	}

	if net := pm.dht.GetNetworkInterface(); net != nil {
		seq := pm.dht.nextSeq()
		frame := wire.NewAnnouncePresenceFrame(pm.identity.PeerID(), seq, pm.identity.PeerID(), pm.addresses)
		if err := frame.Sign(pm.identity.SigningPrivateKey); err != nil {
			return fmt.Errorf("failed to sign announce frame: %w", err)
		}
		if err := net.BroadcastMessage(pm.ctx, frame); err != nil {
			log.Debug().Err(err).Msg("failed to broadcast presence announcement")
		}
	}

	pm.currentRecord = record
	log.Debug().
		Str("peer", pm.identity.PeerID()).
		Time("expires", time.UnixMilli(int64(record.Expire))).
		Msg("published presence record")

	return nil
}

func (pm *PresenceManager) refreshLoop() {
	defer close(pm.done)

	ticker := time.NewTicker(presenceRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.mu.Lock()
			if err := pm.publishPresence(); err != nil {
				log.Warn().Err(err).Msg("failed to refresh presence")
			}
			pm.mu.Unlock()
		}
	}
}
