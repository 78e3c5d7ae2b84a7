// Package agent composes identity, the DHT, the file-transfer engine, and
// local discovery into a single running node, and manages its lifecycle.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chiral-network/core/internal/dht"
	"chiral-network/core/pkg/content"
	"chiral-network/core/pkg/discovery"
	"chiral-network/core/pkg/events"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/logging"
	"chiral-network/core/pkg/network"
	"chiral-network/core/pkg/transfer"
	"chiral-network/core/pkg/transport"
)

var log = logging.For("agent")

// State represents the current state of the agent.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a node's optional components. Identity and Transport
// are required; everything else has a workable zero value.
type Config struct {
	Identity  *identity.Identity
	Transport transport.Transport // e.g. quic.New() or tcp.New()

	ListenAddr string   // address this node listens for peer connections on
	Addresses  []string // addresses advertised to the DHT and local discovery

	ChunkDir      string                  // where registered files' chunks are stored
	Tier          string                  // "free", "standard", or "premium" (unlimited)
	Payment       content.PaymentVerifier // verifies inbound FileInfoRequest payment proofs, nil accepts all
	PaymentSigner transfer.PaymentSigner  // produces outbound payment proofs, nil attaches none

	SeedFile        string // bootstrap seed-node file path
	EnableDiscovery bool   // whether to run local multicast discovery
	EventBufferSize int    // event bus capacity, 0 uses the bus default
}

// Agent is a fully wired node: DHT membership, content registry and
// file-transfer engine, and (optionally) local discovery, all addressable
// through its Orchestrator.
type Agent struct {
	mu    sync.RWMutex
	state State
	cfg   Config

	identity *identity.Identity

	dhtNode      *dht.DHT
	presence     *dht.PresenceManager
	bootstrap    *dht.Bootstrap
	discovery    *discovery.Discovery
	net          *network.Manager
	registry     *content.Registry
	seeder       *content.Seeder
	downloader   *content.Downloader
	orchestrator *transfer.Orchestrator
	bus          *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an agent from cfg but does not start any network activity;
// call Start to bring it up.
func New(cfg Config) (*Agent, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	bus := events.NewBus(cfg.EventBufferSize)

	dhtNode, err := dht.New(&dht.Config{Identity: cfg.Identity})
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	registry, err := content.NewRegistry(cfg.ChunkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	netManager, err := network.NewManager(cfg.Transport, cfg.Identity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create network manager: %w", err)
	}
	dhtNode.SetNetwork(NewDHTNetworkAdapter(netManager))

	peerSender := NewPeerNetworkAdapter(netManager)
	rate := content.RateForTier(cfg.Tier)
	seeder := content.NewSeeder(cfg.Identity, registry, peerSender, cfg.Payment)
	downloader := content.NewDownloader(cfg.Identity, peerSender, bus, rate)

	netManager.SetHandler(NewDispatcher(dhtNode, seeder, downloader))

	presence, err := dht.NewPresenceManager(dhtNode, &dht.PresenceConfig{
		Identity:  cfg.Identity,
		Addresses: cfg.Addresses,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create presence manager: %w", err)
	}

	bootstrap, err := dht.NewBootstrap(&dht.BootstrapConfig{DHT: dhtNode, SeedFile: cfg.SeedFile})
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap manager: %w", err)
	}

	orchestrator := transfer.New(dhtNode, registry, downloader, bus, cfg.PaymentSigner)

	a := &Agent{
		state:        StateStopped,
		cfg:          cfg,
		identity:     cfg.Identity,
		dhtNode:      dhtNode,
		presence:     presence,
		bootstrap:    bootstrap,
		net:          netManager,
		registry:     registry,
		seeder:       seeder,
		downloader:   downloader,
		orchestrator: orchestrator,
		bus:          bus,
		done:         make(chan struct{}),
	}

	if cfg.EnableDiscovery {
		d, err := discovery.New(cfg.Identity, cfg.Addresses, dhtNode, bus)
		if err != nil {
			return nil, fmt.Errorf("failed to create discovery: %w", err)
		}
		a.discovery = d
	}

	return a, nil
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// PeerID returns this node's peer-ID.
func (a *Agent) PeerID() string {
	return a.identity.PeerID()
}

// DHT returns the underlying DHT instance (for advanced/test use).
func (a *Agent) DHT() *dht.DHT {
	return a.dhtNode
}

// Bootstrap returns the seed-node manager backing seeds.list/seeds.add.
func (a *Agent) Bootstrap() *dht.Bootstrap {
	return a.bootstrap
}

// Orchestrator returns the content.ContentService this node exposes to an
// embedder — publish/search/download all go through it.
func (a *Agent) Orchestrator() *transfer.Orchestrator {
	return a.orchestrator
}

// Events returns the event bus other components publish progress and
// lifecycle notifications on.
func (a *Agent) Events() *events.Bus {
	return a.bus
}

// Start brings up networking, DHT membership, bootstrap, and (if enabled)
// local discovery.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateRunning || a.state == StateStarting {
		a.mu.Unlock()
		return fmt.Errorf("agent is already %s", a.state)
	}
	a.state = StateStarting
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.mu.Unlock()

	if err := a.net.Listen(a.ctx, a.cfg.ListenAddr); err != nil {
		a.setState(StateError)
		a.cancel()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}

	if err := a.dhtNode.Start(a.ctx); err != nil {
		a.setState(StateError)
		a.cancel()
		return fmt.Errorf("failed to start DHT: %w", err)
	}

	if err := a.presence.Start(a.ctx); err != nil {
		a.setState(StateError)
		a.cancel()
		return fmt.Errorf("failed to start presence manager: %w", err)
	}

	if err := a.bootstrap.Bootstrap(a.ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap did not reach any seed node")
	}

	if a.discovery != nil {
		if err := a.discovery.Start(a.ctx); err != nil {
			a.setState(StateError)
			a.cancel()
			return fmt.Errorf("failed to start discovery: %w", err)
		}
	}

	go a.run()

	a.setState(StateRunning)
	return nil
}

// Stop tears down every running component.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateStopping {
		a.mu.Unlock()
		return fmt.Errorf("agent is already %s", a.state)
	}
	a.state = StateStopping
	a.mu.Unlock()

	if a.discovery != nil {
		if err := a.discovery.Stop(); err != nil {
			log.Warn().Err(err).Msg("error stopping discovery")
		}
	}
	if err := a.presence.Stop(); err != nil {
		log.Warn().Err(err).Msg("error stopping presence manager")
	}
	if err := a.dhtNode.Stop(); err != nil {
		log.Warn().Err(err).Msg("error stopping DHT")
	}
	if err := a.net.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing network manager")
	}

	if a.cancel != nil {
		a.cancel()
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for agent to stop")
	case <-time.After(1 * time.Second):
	}

	a.setState(StateStopped)
	return nil
}

func (a *Agent) run() {
	defer close(a.done)
	log.Info().Str("peer_id", a.PeerID()).Msg("node started")
	<-a.ctx.Done()
	log.Info().Msg("node stopping")
}
