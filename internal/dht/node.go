// Package dht implements a Kademlia-compatible routing table, record store,
// and provider registry for peer discovery and content-location lookups.
package dht

import (
	"fmt"
	"net"
	"time"

	"lukechampine.com/blake3"
)

// NodeID represents a 256-bit node identifier in the DHT keyspace.
type NodeID [32]byte

// Liveness classifies a routing table entry's last-known reachability.
type Liveness int

const (
	// LivenessProbed means the entry was just added or just dialed and a
	// liveness result hasn't been observed yet.
	LivenessProbed Liveness = iota
	// LivenessLive means the most recent ping succeeded.
	LivenessLive
	// LivenessUnresponsive means the most recent ping(s) timed out. Entries
	// stay in the table until the stale sweep removes those not seen within
	// RoutingStaleAfter, so a flaky peer isn't discarded on one missed
	// probe; a full bucket does not evict them (newcomers go to the
	// replacement cache).
	LivenessUnresponsive
)

func (l Liveness) String() string {
	switch l {
	case LivenessLive:
		return "live"
	case LivenessUnresponsive:
		return "unresponsive"
	default:
		return "probed"
	}
}

// Node represents a peer in the DHT routing table.
type Node struct {
	ID       NodeID    // 256-bit node identifier, derived from PeerID
	PeerID   string    // peer-ID (hex-encoded Ed25519 public key)
	Addrs    []string  // known multiaddresses for connecting to this node
	LastSeen time.Time // last time we heard from this node

	Liveness Liveness

	Connected bool
	Conn      net.Conn
}

// NewNodeID derives a NodeID from a peer-ID using BLAKE3. The DHT keyspace
// is independent of the SHA-256 content hashes used for file chunks.
func NewNodeID(peerID string) NodeID {
	hash := blake3.Sum256([]byte(peerID))
	return NodeID(hash)
}

// NewNode creates a new routing table entry.
func NewNode(peerID string, addrs []string) *Node {
	return &Node{
		ID:       NewNodeID(peerID),
		PeerID:   peerID,
		Addrs:    addrs,
		LastSeen: time.Now(),
		Liveness: LivenessProbed,
	}
}

// Distance calculates the XOR distance between two node IDs.
func (n NodeID) Distance(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < 32; i++ {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// String returns the hex representation of the NodeID.
func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:])
}

// Bytes returns the NodeID as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero returns true if the NodeID is all zeros.
func (n NodeID) IsZero() bool {
	for _, b := range n {
		if b != 0 {
			return false
		}
	}
	return true
}

// Less returns true if this NodeID is less than the other (for sorting).
func (n NodeID) Less(other NodeID) bool {
	for i := 0; i < 32; i++ {
		if n[i] < other[i] {
			return true
		}
		if n[i] > other[i] {
			return false
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits shared with other.
func (n NodeID) CommonPrefixLen(other NodeID) int {
	for i := 0; i < 32; i++ {
		xor := n[i] ^ other[i]
		if xor == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if (xor>>j)&1 == 1 {
				return i*8 + (7 - j)
			}
		}
	}
	return 256
}

// IsValid checks if the node has valid data.
func (n *Node) IsValid() bool {
	return n.PeerID != "" && len(n.Addrs) > 0 && !n.ID.IsZero()
}

// UpdateLastSeen updates the last seen timestamp and marks the node live.
func (n *Node) UpdateLastSeen() {
	n.LastSeen = time.Now()
	n.Liveness = LivenessLive
}

// IsStale returns true if the node hasn't been seen recently.
func (n *Node) IsStale(timeout time.Duration) bool {
	return time.Since(n.LastSeen) > timeout
}

// Copy creates a deep copy of the node.
func (n *Node) Copy() *Node {
	addrs := make([]string, len(n.Addrs))
	copy(addrs, n.Addrs)

	return &Node{
		ID:        n.ID,
		PeerID:    n.PeerID,
		Addrs:     addrs,
		LastSeen:  n.LastSeen,
		Liveness:  n.Liveness,
		Connected: n.Connected,
		Conn:      n.Conn,
	}
}

// String returns a string representation of the node.
func (n *Node) String() string {
	return fmt.Sprintf("Node{ID: %s, PeerID: %s, Addrs: %v, LastSeen: %v, Liveness: %s}",
		n.ID.String()[:16]+"...", n.PeerID, n.Addrs, n.LastSeen.Format(time.RFC3339), n.Liveness)
}
