package agent

import (
	"context"
	"testing"
	"time"

	"chiral-network/core/internal/dht"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/transport/tcp"
)

// newTestDHT builds a standalone DHT instance for tests that only need a
// valid *dht.DHT to route frames through, without a live network.
func newTestDHT(t *testing.T) *dht.DHT {
	t.Helper()
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate test identity: %v", err)
	}
	node, err := dht.New(&dht.Config{Identity: id})
	if err != nil {
		t.Fatalf("failed to create test DHT: %v", err)
	}
	return node
}

func testConfig(t *testing.T) Config {
	t.Helper()
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate test identity: %v", err)
	}
	return Config{
		Identity:   id,
		Transport:  tcp.New(),
		ListenAddr: "127.0.0.1:0",
		ChunkDir:   t.TempDir(),
	}
}

// TestAgentStates exercises the agent's lifecycle state machine, including
// the error cases of starting twice and stopping twice.
func TestAgentStates(t *testing.T) {
	tests := []struct {
		name          string
		initialState  State
		action        func(*Agent) error
		expectedState State
		expectError   bool
	}{
		{
			name:          "start_from_stopped",
			initialState:  StateStopped,
			action:        func(a *Agent) error { return a.Start(context.Background()) },
			expectedState: StateRunning,
			expectError:   false,
		},
		{
			name:          "stop_from_running",
			initialState:  StateRunning,
			action:        func(a *Agent) error { return a.Stop(context.Background()) },
			expectedState: StateStopped,
			expectError:   false,
		},
		{
			name:          "start_already_running",
			initialState:  StateRunning,
			action:        func(a *Agent) error { return a.Start(context.Background()) },
			expectedState: StateRunning,
			expectError:   true,
		},
		{
			name:          "stop_already_stopped",
			initialState:  StateStopped,
			action:        func(a *Agent) error { return a.Stop(context.Background()) },
			expectedState: StateStopped,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(testConfig(t))
			if err != nil {
				t.Fatalf("failed to create agent: %v", err)
			}

			if tt.initialState == StateRunning {
				if err := a.Start(context.Background()); err != nil {
					t.Fatalf("failed to reach initial running state: %v", err)
				}
			} else {
				a.setState(tt.initialState)
			}

			err = tt.action(a)

			if tt.expectError && err == nil {
				t.Errorf("expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if a.State() != tt.expectedState {
				t.Errorf("expected state %v, got %v", tt.expectedState, a.State())
			}

			if a.State() == StateRunning {
				_ = a.Stop(context.Background())
			}
		})
	}
}

// TestAgentIdentity verifies the agent reports the peer-ID derived from its
// configured identity (§3 PeerIdentity: peer-ID is a pure function of the
// public key).
func TestAgentIdentity(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	if a.PeerID() != cfg.Identity.PeerID() {
		t.Errorf("agent peer-ID %s does not match identity peer-ID %s", a.PeerID(), cfg.Identity.PeerID())
	}

	if a.DHT() == nil {
		t.Error("agent should expose a non-nil DHT handle")
	}
	if a.Orchestrator() == nil {
		t.Error("agent should expose a non-nil orchestrator handle")
	}
	if a.Events() == nil {
		t.Error("agent should expose a non-nil event bus")
	}
}

// TestAgentLifecycle exercises a full start/stop cycle end to end.
func TestAgentLifecycle(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	if a.State() != StateStopped {
		t.Errorf("initial state should be %v, got %v", StateStopped, a.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}
	if a.State() != StateRunning {
		t.Errorf("after start, state should be %v, got %v", StateRunning, a.State())
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("failed to stop agent: %v", err)
	}
	if a.State() != StateStopped {
		t.Errorf("after stop, state should be %v, got %v", StateStopped, a.State())
	}
}

// TestAgentSupervisor exercises the supervisor managing an agent's lifecycle.
func TestAgentSupervisor(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	supervisor := NewSupervisor(a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := supervisor.Start(ctx); err != nil {
		t.Fatalf("failed to start supervisor: %v", err)
	}
	if a.State() != StateRunning {
		t.Errorf("agent should be running under supervisor, got %v", a.State())
	}

	if err := supervisor.Stop(ctx); err != nil {
		t.Fatalf("failed to stop supervisor: %v", err)
	}
	if a.State() != StateStopped {
		t.Errorf("agent should be stopped after supervisor stop, got %v", a.State())
	}
}

// TestNewRequiresIdentityAndTransport checks the required-field validation
// documented on Config.
func TestNewRequiresIdentityAndTransport(t *testing.T) {
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	if _, err := New(Config{Transport: tcp.New()}); err == nil {
		t.Error("expected error when identity is missing")
	}
	if _, err := New(Config{Identity: id}); err == nil {
		t.Error("expected error when transport is missing")
	}
}
