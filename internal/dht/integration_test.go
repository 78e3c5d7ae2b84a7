// Package dht integration tests
package dht

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/wire"
)

// MockNetwork implements NetworkInterface for testing: it dispatches
// frames directly to the registered DHT instance rather than over a real
// transport, with a small simulated delay.
type MockNetwork struct {
	nodes map[string]*DHT // peer-id -> DHT instance
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{nodes: make(map[string]*DHT)}
}

func (mn *MockNetwork) RegisterNode(peerID string, dht *DHT) {
	mn.nodes[peerID] = dht
}

func (mn *MockNetwork) SendMessage(ctx context.Context, target *Node, frame *wire.BaseFrame) error {
	targetDHT, exists := mn.nodes[target.PeerID]
	if !exists {
		return fmt.Errorf("target node %s not found in mock network", target.PeerID)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = targetDHT.HandleMessage(frame)
	}()

	return nil
}

func (mn *MockNetwork) BroadcastMessage(ctx context.Context, frame *wire.BaseFrame) error {
	for peerID, dht := range mn.nodes {
		if peerID != frame.From {
			go func(d *DHT) {
				time.Sleep(10 * time.Millisecond)
				_ = d.HandleMessage(frame)
			}(dht)
		}
	}
	return nil
}

func TestDHTBasicOperations(t *testing.T) {
	id1, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	dht, err := New(&Config{Identity: id1, Network: nil})
	if err != nil {
		t.Fatalf("Failed to create DHT: %v", err)
	}

	ctx := context.Background()
	if err := dht.Start(ctx); err != nil {
		t.Fatalf("Failed to start DHT: %v", err)
	}
	defer dht.Stop()

	key := make([]byte, 32)
	copy(key, "test-key-12345678901234567890123")
	value := []byte("test-value")

	// With no peers configured, PUT stores locally and returns nil rather
	// than failing quorum against zero reachable nodes.
	if err := dht.Put(ctx, key, value); err != nil {
		t.Fatalf("Failed to PUT: %v", err)
	}

	retrievedValue, err := dht.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to GET: %v", err)
	}

	if string(retrievedValue) != string(value) {
		t.Errorf("Retrieved value mismatch: expected %s, got %s", value, retrievedValue)
	}
}

func TestPresenceRecordSigning(t *testing.T) {
	id1, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	addrs := []string{"/ip4/127.0.0.1/udp/27487/quic"}

	record, err := NewPresenceRecord(id1.PeerID(), addrs, id1.SigningPrivateKey)
	if err != nil {
		t.Fatalf("Failed to create presence record: %v", err)
	}

	if err := record.IsValid(); err != nil {
		t.Errorf("Presence record validation failed: %v", err)
	}

	if err := record.Verify(id1.SigningPublicKey); err != nil {
		t.Errorf("Presence record signature verification failed: %v", err)
	}

	originalPeerID := record.PeerID
	record.PeerID = "peer:tampered"

	if err := record.Verify(id1.SigningPublicKey); err == nil {
		t.Error("Expected signature verification to fail after tampering")
	}

	record.PeerID = originalPeerID
}

func TestMultiNodePeerDiscovery(t *testing.T) {
	network := NewMockNetwork()

	numNodes := 3
	identities := make([]*identity.Identity, numNodes)
	dhts := make([]*DHT, numNodes)
	presenceManagers := make([]*PresenceManager, numNodes)

	for i := 0; i < numNodes; i++ {
		id, err := identity.GenerateIdentity()
		if err != nil {
			t.Fatalf("Failed to generate identity %d: %v", i, err)
		}
		identities[i] = id

		dht, err := New(&Config{Identity: id, Network: network})
		if err != nil {
			t.Fatalf("Failed to create DHT %d: %v", i, err)
		}
		dhts[i] = dht

		network.RegisterNode(id.PeerID(), dht)

		pm, err := NewPresenceManager(dht, &PresenceConfig{
			Identity:  id,
			Addresses: []string{fmt.Sprintf("/ip4/127.0.0.1/udp/%d/quic", 27487+i)},
		})
		if err != nil {
			t.Fatalf("Failed to create presence manager %d: %v", i, err)
		}
		presenceManagers[i] = pm
	}

	// Seed each node's routing table with the others so presence
	// announcements have somewhere to be broadcast-received; this mock
	// network has no transport-level discovery of its own.
	for i, dht := range dhts {
		for j, other := range identities {
			if i == j {
				continue
			}
			dht.AddNode(NewNode(other.PeerID(), []string{fmt.Sprintf("/ip4/127.0.0.1/udp/%d/quic", 27487+j)}))
		}
	}

	ctx := context.Background()
	for i, dht := range dhts {
		if err := dht.Start(ctx); err != nil {
			t.Fatalf("Failed to start DHT %d: %v", i, err)
		}
		defer dht.Stop()

		if err := presenceManagers[i].Start(ctx); err != nil {
			t.Fatalf("Failed to start presence manager %d: %v", i, err)
		}
		defer presenceManagers[i].Stop()
	}

	time.Sleep(100 * time.Millisecond)

	for i, dht := range dhts {
		peers := dht.GetAllNodes()
		expectedPeers := numNodes - 1
		if len(peers) < expectedPeers {
			t.Errorf("Node %d discovered %d peers, expected at least %d", i, len(peers), expectedPeers)
		}

		t.Logf("Node %d discovered %d peers", i, len(peers))
		for j, peer := range peers {
			t.Logf("  Peer %d: %s", j, peer.PeerID)
		}
	}
}

func TestRateLimiting(t *testing.T) {
	config := &RateLimiterConfig{
		Capacity: 2,
		Refill:   1 * time.Second,
		Cleanup:  1 * time.Minute,
	}

	rateLimiter := NewRateLimiter(config)
	key := "test-key"

	if !rateLimiter.Allow(key) {
		t.Error("First request should be allowed")
	}
	if !rateLimiter.Allow(key) {
		t.Error("Second request should be allowed")
	}
	if rateLimiter.Allow(key) {
		t.Error("Third request should be denied")
	}

	time.Sleep(1100 * time.Millisecond)

	if !rateLimiter.Allow(key) {
		t.Error("Request after refill should be allowed")
	}
}

func TestBootstrapSeedManagement(t *testing.T) {
	id1, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	dht, err := New(&Config{Identity: id1, Network: nil})
	if err != nil {
		t.Fatalf("Failed to create DHT: %v", err)
	}

	tempDir := t.TempDir()
	bootstrap, err := NewBootstrap(&BootstrapConfig{DHT: dht, SeedFile: tempDir + "/seeds.json"})
	if err != nil {
		t.Fatalf("Failed to create bootstrap: %v", err)
	}

	seed1 := &SeedNode{
		PeerID: "peer:0000000000000000000000000000000000000000000000000000000000000001",
		Addrs:  []string{"/ip4/127.0.0.1/udp/27487/quic"},
		Name:   "Test Seed 1",
	}

	if err := bootstrap.AddSeedNode(seed1); err != nil {
		t.Fatalf("Failed to add seed node: %v", err)
	}

	seeds := bootstrap.GetSeedNodes()
	if len(seeds) != 1 {
		t.Errorf("Expected 1 seed node, got %d", len(seeds))
	}
	if seeds[0].PeerID != seed1.PeerID {
		t.Errorf("Seed peer-id mismatch: expected %s, got %s", seed1.PeerID, seeds[0].PeerID)
	}

	if err := bootstrap.RemoveSeedNode(seed1.PeerID); err != nil {
		t.Fatalf("Failed to remove seed node: %v", err)
	}

	seeds = bootstrap.GetSeedNodes()
	if len(seeds) != 0 {
		t.Errorf("Expected 0 seed nodes after removal, got %d", len(seeds))
	}
}
