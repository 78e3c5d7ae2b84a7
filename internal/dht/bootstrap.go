// Package dht implements bootstrap and seed node management
package dht

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/wire"
)

// SeedNode represents a bootstrap seed node.
type SeedNode struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
	Name   string   `json:"name"` // human-readable, optional
}

// Bootstrap manages seed nodes and the bootstrap process: connecting to
// known seeds and performing initial peer discovery to populate the
// routing table before the node can serve DHT traffic on its own.
type Bootstrap struct {
	mu        sync.RWMutex
	dht       *DHT
	seedNodes []*SeedNode

	seedFile string

	bootstrapped  bool
	lastBootstrap time.Time
}

// BootstrapConfig holds bootstrap configuration.
type BootstrapConfig struct {
	DHT      *DHT
	SeedFile string // path to seed nodes file
}

// NewBootstrap creates a new bootstrap manager.
func NewBootstrap(config *BootstrapConfig) (*Bootstrap, error) {
	if config.DHT == nil {
		return nil, fmt.Errorf("DHT is required")
	}

	seedFile := config.SeedFile
	if seedFile == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			seedFile = "chiral-seeds.json"
		} else {
			seedFile = filepath.Join(homeDir, ".chiral", "seeds.json")
		}
	}

	b := &Bootstrap{
		dht:      config.DHT,
		seedFile: seedFile,
	}

	if err := b.loadSeedNodes(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load seed nodes: %w", err)
		}
	}

	return b, nil
}

// AddSeedNode adds or updates a seed node.
func (b *Bootstrap) AddSeedNode(seed *SeedNode) error {
	if seed == nil {
		return fmt.Errorf("seed node is required")
	}
	if seed.PeerID == "" {
		return fmt.Errorf("seed node peer-id is required")
	}
	if len(seed.Addrs) == 0 {
		return fmt.Errorf("seed node must have at least one address")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.seedNodes {
		if existing.PeerID == seed.PeerID {
			b.seedNodes[i] = seed
			return b.saveSeedNodes()
		}
	}

	b.seedNodes = append(b.seedNodes, seed)
	return b.saveSeedNodes()
}

// RemoveSeedNode removes a seed node by peer-ID.
func (b *Bootstrap) RemoveSeedNode(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, seed := range b.seedNodes {
		if seed.PeerID == peerID {
			b.seedNodes = append(b.seedNodes[:i], b.seedNodes[i+1:]...)
			return b.saveSeedNodes()
		}
	}

	return fmt.Errorf("seed node not found: %s", peerID)
}

// GetSeedNodes returns a copy of all configured seed nodes.
func (b *Bootstrap) GetSeedNodes() []*SeedNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seeds := make([]*SeedNode, len(b.seedNodes))
	for i, seed := range b.seedNodes {
		seeds[i] = &SeedNode{
			PeerID: seed.PeerID,
			Addrs:  append([]string{}, seed.Addrs...),
			Name:   seed.Name,
		}
	}
	return seeds
}

// Bootstrap connects to configured seed nodes and performs initial peer
// discovery to populate the routing table.
func (b *Bootstrap) Bootstrap(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.seedNodes) == 0 {
		return fmt.Errorf("no seed nodes configured")
	}

	log.Info().Int("seeds", len(b.seedNodes)).Msg("starting bootstrap")

	connected := 0
	for _, seed := range b.seedNodes {
		if err := b.connectToSeed(ctx, seed); err != nil {
			log.Warn().Err(err).Str("peer", seed.PeerID).Str("name", seed.Name).Msg("failed to connect to seed")
			continue
		}
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any seed nodes")
	}

	log.Info().Int("connected", connected).Msg("connected to seed nodes")

	if err := b.performPeerDiscovery(ctx); err != nil {
		log.Warn().Err(err).Msg("peer discovery during bootstrap failed")
	}

	b.bootstrapped = true
	b.lastBootstrap = time.Now()

	log.Info().Msg("bootstrap completed")
	return nil
}

// IsBootstrapped returns whether bootstrap has been completed.
func (b *Bootstrap) IsBootstrapped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bootstrapped
}

// GetLastBootstrapTime returns the time of the last successful bootstrap.
func (b *Bootstrap) GetLastBootstrapTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBootstrap
}

func (b *Bootstrap) connectToSeed(ctx context.Context, seed *SeedNode) error {
	seedNode := NewNode(seed.PeerID, seed.Addrs)

	if !b.dht.AddNode(seedNode) {
		log.Debug().Str("peer", seed.PeerID).Msg("seed node not added to routing table (own ID, or bucket full and held in replacement cache)")
	}

	if net := b.dht.GetNetworkInterface(); net != nil {
		pingFrame := wire.NewPingFrame(b.dht.identity.PeerID(), b.dht.nextSeq(), []byte("bootstrap"))
		if err := net.SendMessage(ctx, seedNode, pingFrame); err != nil {
			return fmt.Errorf("failed to ping seed node: %w", err)
		}
	}

	return nil
}

// performPeerDiscovery walks a handful of random keyspace points to pull
// fresh contacts into the routing table, then looks up the node's own
// presence record to find nearby peers.
func (b *Bootstrap) performPeerDiscovery(ctx context.Context) error {
	for i := 0; i < constants.DHTAlpha; i++ {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err != nil {
			continue
		}
		// Expected to fail for random keys; the lookup's side effect of
		// contacting closer nodes is what matters here.
		_, _ = b.dht.Get(ctx, randomKey)
	}

	presenceKey := GetPresenceKey(b.dht.identity.PeerID())
	_, _ = b.dht.Get(ctx, presenceKey)

	return nil
}

func (b *Bootstrap) loadSeedNodes() error {
	data, err := os.ReadFile(b.seedFile)
	if err != nil {
		return err
	}

	var seeds []*SeedNode
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	b.seedNodes = seeds
	return nil
}

func (b *Bootstrap) saveSeedNodes() error {
	if err := os.MkdirAll(filepath.Dir(b.seedFile), 0700); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	data, err := json.MarshalIndent(b.seedNodes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seed nodes: %w", err)
	}

	if err := os.WriteFile(b.seedFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}

	return nil
}

// GetSeedFile returns the path to the seed file.
func (b *Bootstrap) GetSeedFile() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seedFile
}

// SetSeedFile changes the seed file path and reloads seeds from it.
func (b *Bootstrap) SetSeedFile(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seedFile = path
	return b.loadSeedNodes()
}
