// Package identity implements peer identity management: Ed25519/X25519
// keypair generation and persistence, and peer-ID derivation (§3 PeerIdentity,
// §4.1 Transport & Identity).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// Identity represents a node's long-lived asymmetric keypair and its derived
// peer-ID. Peer-ID is a pure function of the signing public key: two nodes
// loading the same secret MUST produce identical peer-IDs.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	peerID string // cached
}

// GenerateIdentity creates a new identity with fresh Ed25519 and X25519 keys.
func GenerateIdentity() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.peerID = id.computePeerID()
	return id, nil
}

// PeerID returns the canonical peer-ID: the lowercase hex encoding of the
// Ed25519 public key, prefixed so it cannot be confused with a content hash.
func (id *Identity) PeerID() string {
	if id.peerID == "" {
		id.peerID = id.computePeerID()
	}
	return id.peerID
}

func (id *Identity) computePeerID() string {
	return "peer:" + hex.EncodeToString(id.SigningPublicKey)
}

// SaveToFile persists the identity as an opaque JSON secret with restricted
// permissions (§6.5).
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadFromFile loads a previously persisted identity.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	id.peerID = id.computePeerID()
	return &id, nil
}

// LoadOrGenerate loads the identity at filename, generating and persisting a
// fresh one if the file does not yet exist.
func LoadOrGenerate(filename string) (*Identity, error) {
	id, err := LoadFromFile(filename)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, err
	}
	return id, nil
}
