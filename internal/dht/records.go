// Package dht implements DHT record types: generic signed key/value
// records, content provider records, and peer liveness announcements.
package dht

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"chiral-network/core/pkg/codec/cborcanon"
	"chiral-network/core/pkg/constants"
	"lukechampine.com/blake3"
)

// SignedRecord is a generic value stored under a DHT key: an opaque
// CBOR-encoded payload signed by its publisher, with an expiration.
type SignedRecord struct {
	V       uint16 `cbor:"v"`
	Key     []byte `cbor:"key"`
	Value   []byte `cbor:"value"`
	Expire  uint64 `cbor:"expire"` // ms since Unix epoch
	Sig     []byte `cbor:"sig"`
}

// NewSignedRecord creates and signs a record over key|value.
func NewSignedRecord(key, value []byte, ttl time.Duration, privateKey ed25519.PrivateKey) *SignedRecord {
	r := &SignedRecord{
		V:      1,
		Key:    key,
		Value:  value,
		Expire: uint64(time.Now().Add(ttl).UnixMilli()),
	}
	signData := append(append([]byte{}, key...), value...)
	r.Sig = ed25519.Sign(privateKey, signData)
	return r
}

// Verify checks the record's signature over key|value.
func (r *SignedRecord) Verify(publicKey ed25519.PublicKey) error {
	if len(r.Sig) == 0 {
		return fmt.Errorf("record is not signed")
	}
	signData := append(append([]byte{}, r.Key...), r.Value...)
	if !ed25519.Verify(publicKey, signData, r.Sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// IsExpired reports whether the record's TTL has elapsed.
func (r *SignedRecord) IsExpired() bool {
	return time.Now().UnixMilli() > int64(r.Expire)
}

// ProviderRecord advertises that Provider holds the content addressed by
// Hash (SHA-256), reachable at Addrs.
type ProviderRecord struct {
	V        uint16   `cbor:"v"`
	Hash     []byte   `cbor:"hash"`
	Provider string   `cbor:"provider"` // peer-ID
	Addrs    []string `cbor:"addrs"`
	Expire   uint64   `cbor:"expire"`
	Sig      []byte   `cbor:"sig"`
}

// NewProviderRecord creates and signs a new provider record with the
// standard provider record TTL.
func NewProviderRecord(hash []byte, providerPeerID string, addrs []string, privateKey ed25519.PrivateKey) (*ProviderRecord, error) {
	record := &ProviderRecord{
		V:        1,
		Hash:     hash,
		Provider: providerPeerID,
		Addrs:    addrs,
		Expire:   uint64(time.Now().Add(constants.ProviderRecordTTL).UnixMilli()),
	}
	if err := record.Sign(privateKey); err != nil {
		return nil, fmt.Errorf("sign provider record: %w", err)
	}
	return record, nil
}

func (pr *ProviderRecord) unsigned() *ProviderRecord {
	return &ProviderRecord{
		V:        pr.V,
		Hash:     pr.Hash,
		Provider: pr.Provider,
		Addrs:    pr.Addrs,
		Expire:   pr.Expire,
	}
}

// Sign signs the provider record with the given private key.
func (pr *ProviderRecord) Sign(privateKey ed25519.PrivateKey) error {
	canonical, err := cborcanon.Marshal(pr.unsigned())
	if err != nil {
		return fmt.Errorf("canonicalize provider record: %w", err)
	}
	pr.Sig = ed25519.Sign(privateKey, canonical)
	return nil
}

// Verify verifies the signature of the provider record.
func (pr *ProviderRecord) Verify(publicKey ed25519.PublicKey) error {
	if len(pr.Sig) == 0 {
		return fmt.Errorf("record is not signed")
	}
	canonical, err := cborcanon.Marshal(pr.unsigned())
	if err != nil {
		return fmt.Errorf("canonicalize provider record: %w", err)
	}
	if !ed25519.Verify(publicKey, canonical, pr.Sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// IsExpired reports whether the provider record has expired.
func (pr *ProviderRecord) IsExpired() bool {
	return time.Now().UnixMilli() > int64(pr.Expire)
}

// IsValid performs basic field validation of the provider record.
func (pr *ProviderRecord) IsValid() error {
	if pr.V != 1 {
		return fmt.Errorf("invalid version: %d", pr.V)
	}
	if len(pr.Hash) == 0 {
		return fmt.Errorf("hash is required")
	}
	if pr.Provider == "" {
		return fmt.Errorf("provider peer-id is required")
	}
	if len(pr.Addrs) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	if pr.Expire == 0 {
		return fmt.Errorf("expiration time is required")
	}
	if len(pr.Sig) == 0 {
		return fmt.Errorf("signature is required")
	}
	return nil
}

// GetProviderKey generates the DHT key under which providers of hash are
// indexed: H("provider" | hash).
func GetProviderKey(hash []byte) []byte {
	data := append([]byte("provider"), hash...)
	sum := blake3.Sum256(data)
	return sum[:]
}

// GetPresenceKey generates the DHT key under which a peer's presence
// record is stored: H("presence" | peer-id).
func GetPresenceKey(peerID string) []byte {
	data := append([]byte("presence"), []byte(peerID)...)
	sum := blake3.Sum256(data)
	return sum[:]
}

// PresenceRecord is a thin liveness announcement: "I am peer-id, reachable
// at these addresses, until this time." It carries no handle/nickname
// concept; peer identity is purely the peer-ID.
type PresenceRecord struct {
	V      uint16   `cbor:"v"`
	PeerID string   `cbor:"peer_id"`
	Addrs  []string `cbor:"addrs"`
	Expire uint64   `cbor:"expire"`
	Sig    []byte   `cbor:"sig"`
}

// NewPresenceRecord creates and signs a new presence record.
func NewPresenceRecord(peerID string, addrs []string, privateKey ed25519.PrivateKey) (*PresenceRecord, error) {
	record := &PresenceRecord{
		V:      1,
		PeerID: peerID,
		Addrs:  addrs,
		Expire: uint64(time.Now().Add(constants.ProviderRecordTTL).UnixMilli()),
	}
	if err := record.Sign(privateKey); err != nil {
		return nil, fmt.Errorf("sign presence record: %w", err)
	}
	return record, nil
}

func (pr *PresenceRecord) unsigned() *PresenceRecord {
	return &PresenceRecord{V: pr.V, PeerID: pr.PeerID, Addrs: pr.Addrs, Expire: pr.Expire}
}

// Sign signs the presence record with the given private key.
func (pr *PresenceRecord) Sign(privateKey ed25519.PrivateKey) error {
	canonical, err := cborcanon.Marshal(pr.unsigned())
	if err != nil {
		return fmt.Errorf("canonicalize presence record: %w", err)
	}
	pr.Sig = ed25519.Sign(privateKey, canonical)
	return nil
}

// Verify verifies the signature of the presence record.
func (pr *PresenceRecord) Verify(publicKey ed25519.PublicKey) error {
	if len(pr.Sig) == 0 {
		return fmt.Errorf("record is not signed")
	}
	canonical, err := cborcanon.Marshal(pr.unsigned())
	if err != nil {
		return fmt.Errorf("canonicalize presence record: %w", err)
	}
	if !ed25519.Verify(publicKey, canonical, pr.Sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// IsExpired reports whether the presence record has expired.
func (pr *PresenceRecord) IsExpired() bool {
	return time.Now().UnixMilli() > int64(pr.Expire)
}

// IsValid performs basic field validation of the presence record.
func (pr *PresenceRecord) IsValid() error {
	if pr.V != 1 {
		return fmt.Errorf("invalid version: %d", pr.V)
	}
	if pr.PeerID == "" {
		return fmt.Errorf("peer-id is required")
	}
	if len(pr.Addrs) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	if pr.Expire == 0 {
		return fmt.Errorf("expiration time is required")
	}
	if len(pr.Sig) == 0 {
		return fmt.Errorf("signature is required")
	}
	return nil
}
