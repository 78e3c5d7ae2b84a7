package content

import (
	"context"
	"encoding/hex"
	"sync"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/wire"
)

// PeerSender delivers a frame to a peer previously seen on the network,
// resolved by peer-ID rather than a transport-specific address. The agent
// layer implements this atop the DHT's routing table.
type PeerSender interface {
	SendMessage(ctx context.Context, peerID string, frame *wire.BaseFrame) error
}

// PaymentVerifier validates an opaque payment proof attached to a
// FileInfoRequest. A nil Seeder.payment accepts every request unconditionally.
type PaymentVerifier interface {
	Verify(hash Hash, requester string, proof []byte) error
}

// Seeder answers FILE_INFO_REQUEST and CHUNK_REQUEST frames for content held
// in a Registry. Rate limiting is a downloader-side concern (§4.6, §9
// Design Notes: "Do not throttle inside the seeder — that conflates
// policies and prevents symmetric multi-tenant serving"); the seeder
// answers requests as fast as it can read and let the transport carry them.
type Seeder struct {
	identity *identity.Identity
	registry *Registry
	network  PeerSender
	payment  PaymentVerifier

	mu       sync.Mutex
	admitted map[string]map[Hash]bool // requester -> hash -> payment verified
}

// NewSeeder creates a seeder serving registry's content over network.
// payment may be nil to accept every request unconditionally.
func NewSeeder(id *identity.Identity, registry *Registry, network PeerSender, payment PaymentVerifier) *Seeder {
	return &Seeder{
		identity: id,
		registry: registry,
		network:  network,
		payment:  payment,
		admitted: make(map[string]map[Hash]bool),
	}
}

// admit records that requester has presented a valid payment proof for
// hash, so that later CHUNK_REQUESTs for the same (requester, hash) pair
// — which carry no proof of their own — can be let through (§6.4).
func (s *Seeder) admit(requester string, hash Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admitted[requester] == nil {
		s.admitted[requester] = make(map[Hash]bool)
	}
	s.admitted[requester][hash] = true
}

func (s *Seeder) isAdmitted(requester string, hash Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted[requester][hash]
}

// HandleFileInfoRequest serves a FILE_INFO_REQUEST: the manifest's chunk
// hashes if hash is registered and the payment proof (if required) checks
// out, otherwise a FILE_INFO_RESPONSE carrying an error reason. The manifest
// is computed on the first request for a given hash and cached afterward
// (Registry.EnsureManifest).
func (s *Seeder) HandleFileInfoRequest(ctx context.Context, frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.FileInfoRequestBody)
	if !ok {
		return nil
	}
	hash := Hash(hex.EncodeToString(body.Hash))

	if s.payment != nil {
		if err := s.payment.Verify(hash, frame.From, body.PaymentProof); err != nil {
			resp := wire.NewFileInfoErrorFrame(s.identity.PeerID(), frame.Seq, body.Hash, "payment_required")
			return s.network.SendMessage(ctx, frame.From, resp)
		}
		s.admit(frame.From, hash)
	}

	manifest, err := s.registry.EnsureManifest(hash)
	if err != nil {
		resp := wire.NewFileInfoErrorFrame(s.identity.PeerID(), frame.Seq, body.Hash, "not_found")
		return s.network.SendMessage(ctx, frame.From, resp)
	}

	chunkHashes := make([][]byte, len(manifest.Chunks))
	for i, c := range manifest.Chunks {
		chunkHashes[i] = c.Hash.Bytes()
	}

	resp := wire.NewFileInfoResponseFrame(s.identity.PeerID(), frame.Seq, body.Hash, manifest.FileSize, manifest.ChunkSize, chunkHashes)
	return s.network.SendMessage(ctx, frame.From, resp)
}

// HandleChunkRequest serves a single CHUNK_REQUEST. Rate limiting is a
// downloader-side concern (see the Seeder doc comment); this handler does
// not throttle.
func (s *Seeder) HandleChunkRequest(ctx context.Context, frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.ChunkRequestBody)
	if !ok {
		return nil
	}
	hash := Hash(hex.EncodeToString(body.Hash))

	if s.payment != nil && !s.isAdmitted(frame.From, hash) {
		resp := wire.NewChunkErrorFrame(s.identity.PeerID(), frame.Seq, body.Hash, body.Index, "payment_required")
		return s.network.SendMessage(ctx, frame.From, resp)
	}

	data, err := s.registry.ReadChunk(hash, body.Index)
	if err != nil {
		resp := wire.NewChunkErrorFrame(s.identity.PeerID(), frame.Seq, body.Hash, body.Index, "not_found")
		return s.network.SendMessage(ctx, frame.From, resp)
	}

	resp := wire.NewChunkResponseFrame(s.identity.PeerID(), frame.Seq, body.Hash, body.Index, data)
	return s.network.SendMessage(ctx, frame.From, resp)
}

// RateForTier maps a named service tier to its bytes-per-second ceiling,
// 0 meaning unlimited (the premium tier).
func RateForTier(tier string) uint64 {
	switch tier {
	case "free":
		return constants.TierFreeBytesPerSecond
	case "standard":
		return constants.TierStandardBytesPerSecond
	default:
		return 0
	}
}
