// Package wire implements the base framing protocol shared by every message
// exchanged between nodes. All control and application envelopes share a
// canonical CBOR structure and are individually signed with the sender's
// Ed25519 key (§6.2, §11 of the design).
package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"chiral-network/core/pkg/codec/cborcanon"
	"chiral-network/core/pkg/constants"
)

// BaseFrame represents the common structure for all protocol messages.
type BaseFrame struct {
	V    uint16      `cbor:"v"`    // Protocol version
	Kind uint16      `cbor:"kind"` // Message kind
	From string      `cbor:"from"` // Sender peer-ID
	Seq  uint64      `cbor:"seq"`  // Sequence number
	TS   uint64      `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body interface{} `cbor:"body"` // Kind-specific CBOR payload
	Sig  []byte      `cbor:"sig"`  // Ed25519 signature over canonical(v|kind|from|seq|ts|body)
}

// NewBaseFrame creates a new BaseFrame with the current timestamp.
func NewBaseFrame(kind uint16, from string, seq uint64, body interface{}) *BaseFrame {
	return &BaseFrame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: body,
	}
}

// Sign signs the frame with the provided Ed25519 private key.
func (f *BaseFrame) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the frame signature using the provided Ed25519 public key.
func (f *BaseFrame) Verify(publicKey ed25519.PublicKey) error {
	if len(f.Sig) == 0 {
		return fmt.Errorf("frame has no signature")
	}

	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for verification: %w", err)
	}

	if !ed25519.Verify(publicKey, sigData, f.Sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *BaseFrame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes canonical CBOR data into the frame.
func (f *BaseFrame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// Validate performs basic validation on the frame, independent of which
// protocol carried it. Callers enforce the request/response size caps
// (§4.6) before this is reached.
func (f *BaseFrame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unsupported protocol version: %d", f.V))
	}

	if f.From == "" {
		return NewError(constants.ErrorInvalidSig, "missing sender peer-id")
	}

	if len(f.Sig) == 0 {
		return NewError(constants.ErrorInvalidSig, "missing signature")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())

	if f.TS > now+maxSkew {
		return NewError(constants.ErrorVersionMismatch, "timestamp too far in future")
	}
	if now > f.TS+maxSkew {
		return NewError(constants.ErrorVersionMismatch, "timestamp too far in past")
	}

	return nil
}

// IsKind checks if the frame is of the specified kind.
func (f *BaseFrame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// GetTimestamp returns the frame timestamp as a time.Time.
func (f *BaseFrame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

// Liveness check bodies (§4.1).

// PingBody is the body of a PING message.
type PingBody struct {
	Token []byte `cbor:"token"` // random token, echoed back
}

// PongBody is the body of a PONG message.
type PongBody struct {
	Token []byte `cbor:"token"`
}

// DHT bodies (§4.3).

// DHTGetBody is the body of a DHT_GET message.
type DHTGetBody struct {
	Key []byte `cbor:"key"`
}

// DHTPutBody is the body of a DHT_PUT message.
type DHTPutBody struct {
	Key   []byte `cbor:"key"`
	Value []byte `cbor:"value"` // CBOR-encoded record
	Sig   []byte `cbor:"sig"`   // signature over key|value
}

// DHTRecordWire is a single record as carried on the wire in a
// DHT_GET_RESPONSE: the value plus enough of the signed envelope (signature
// and expiration) for the requester to tie-break conflicting signed
// responses by Expire instead of XOR distance alone. Expire (ms since Unix
// epoch) is the responding node's storage time plus DHTRecordTTL: signing
// time on the publisher, DHT_PUT receipt time on a replica. The publisher's
// signing time itself is not carried.
type DHTRecordWire struct {
	Value  []byte `cbor:"value"`
	Sig    []byte `cbor:"sig,omitempty"`
	Expire uint64 `cbor:"expire"`
}

// DHTGetResponseBody carries the records found for a DHT_GET, or none.
type DHTGetResponseBody struct {
	Found   bool            `cbor:"found"`
	Records []DHTRecordWire `cbor:"records"` // one per responding peer's view
}

// DHTPutResponseBody acknowledges a DHT_PUT.
type DHTPutResponseBody struct {
	Stored bool `cbor:"stored"`
}

// Provider record bodies (§4.3, §4.4).

// AnnouncePresenceBody advertises that the sender is alive and reachable at
// the given addresses, used by local discovery and by routing table refresh.
type AnnouncePresenceBody struct {
	PeerID string   `cbor:"peer_id"`
	Addrs  []string `cbor:"addrs"`
}

// StartProvidingBody is the body of a START_PROVIDING message: the sender
// claims to hold content addressed by Hash.
type StartProvidingBody struct {
	Hash []byte `cbor:"hash"` // SHA-256 content hash
}

// GetProvidersBody requests the known providers for Hash.
type GetProvidersBody struct {
	Hash []byte `cbor:"hash"`
}

// ProvidersFoundBody carries the provider set known for a hash.
type ProvidersFoundBody struct {
	Hash      []byte   `cbor:"hash"`
	Providers []string `cbor:"providers"` // peer-IDs
}

// File transfer bodies (§4.6). They carry no version field of their own:
// the frame's Kind identifies the message and BaseFrame.V the protocol
// version.

// FileInfoRequestBody requests a manifest for the content addressed by Hash.
// PaymentProof is an opaque byte string produced by the downloader's
// payment signer; nil when no payment handshake is configured.
type FileInfoRequestBody struct {
	Hash         []byte `cbor:"hash"`
	PaymentProof []byte `cbor:"payment_proof,omitempty"`
}

// FileInfoResponseBody carries the manifest for a requested hash, or an
// error reason when the seeder does not hold the content.
type FileInfoResponseBody struct {
	Hash       []byte   `cbor:"hash"`
	Size       uint64   `cbor:"size"`
	ChunkSize  uint32   `cbor:"chunk_size"`
	ChunkHashes [][]byte `cbor:"chunk_hashes"` // SHA-256 hash of each chunk, in order
	Error      string   `cbor:"error,omitempty"`
}

// ChunkRequestBody requests a single chunk of a file previously described by
// a FileInfoResponseBody.
type ChunkRequestBody struct {
	Hash  []byte `cbor:"hash"`
	Index uint32 `cbor:"index"`
}

// ChunkResponseBody carries chunk bytes, or an error reason.
type ChunkResponseBody struct {
	Hash  []byte `cbor:"hash"`
	Index uint32 `cbor:"index"`
	Data  []byte `cbor:"data,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// Frame constructors.

// NewPingFrame creates a new PING frame.
func NewPingFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.KindPing, from, seq, &PingBody{Token: token})
}

// NewPongFrame creates a new PONG frame.
func NewPongFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.KindPong, from, seq, &PongBody{Token: token})
}

// NewDHTGetFrame creates a new DHT_GET frame.
func NewDHTGetFrame(from string, seq uint64, key []byte) *BaseFrame {
	return NewBaseFrame(constants.KindDHTGet, from, seq, &DHTGetBody{Key: key})
}

// NewDHTPutFrame creates a new DHT_PUT frame.
func NewDHTPutFrame(from string, seq uint64, key, value, sig []byte) *BaseFrame {
	return NewBaseFrame(constants.KindDHTPut, from, seq, &DHTPutBody{
		Key:   key,
		Value: value,
		Sig:   sig,
	})
}

// NewDHTGetResponseFrame creates a new DHT_GET_RESPONSE frame.
func NewDHTGetResponseFrame(from string, seq uint64, records []DHTRecordWire) *BaseFrame {
	return NewBaseFrame(constants.KindDHTGetResponse, from, seq, &DHTGetResponseBody{
		Found:   len(records) > 0,
		Records: records,
	})
}

// NewDHTPutResponseFrame creates a new DHT_PUT_RESPONSE frame.
func NewDHTPutResponseFrame(from string, seq uint64, stored bool) *BaseFrame {
	return NewBaseFrame(constants.KindDHTPutResponse, from, seq, &DHTPutResponseBody{Stored: stored})
}

// NewAnnouncePresenceFrame creates a new ANNOUNCE_PRESENCE frame.
func NewAnnouncePresenceFrame(from string, seq uint64, peerID string, addrs []string) *BaseFrame {
	return NewBaseFrame(constants.KindAnnouncePresence, from, seq, &AnnouncePresenceBody{
		PeerID: peerID,
		Addrs:  addrs,
	})
}

// NewStartProvidingFrame creates a new START_PROVIDING frame.
func NewStartProvidingFrame(from string, seq uint64, hash []byte) *BaseFrame {
	return NewBaseFrame(constants.KindStartProviding, from, seq, &StartProvidingBody{Hash: hash})
}

// NewGetProvidersFrame creates a new GET_PROVIDERS frame.
func NewGetProvidersFrame(from string, seq uint64, hash []byte) *BaseFrame {
	return NewBaseFrame(constants.KindGetProviders, from, seq, &GetProvidersBody{Hash: hash})
}

// NewProvidersFoundFrame creates a new PROVIDERS_FOUND frame.
func NewProvidersFoundFrame(from string, seq uint64, hash []byte, providers []string) *BaseFrame {
	return NewBaseFrame(constants.KindProvidersFound, from, seq, &ProvidersFoundBody{
		Hash:      hash,
		Providers: providers,
	})
}

// NewFileInfoRequestFrame creates a new FILE_INFO_REQUEST frame.
func NewFileInfoRequestFrame(from string, seq uint64, hash, paymentProof []byte) *BaseFrame {
	return NewBaseFrame(constants.KindFileInfoReq, from, seq, &FileInfoRequestBody{
		Hash:         hash,
		PaymentProof: paymentProof,
	})
}

// NewFileInfoResponseFrame creates a new FILE_INFO_RESPONSE frame.
func NewFileInfoResponseFrame(from string, seq uint64, hash []byte, size uint64, chunkSize uint32, chunkHashes [][]byte) *BaseFrame {
	return NewBaseFrame(constants.KindFileInfoResp, from, seq, &FileInfoResponseBody{
		Hash:        hash,
		Size:        size,
		ChunkSize:   chunkSize,
		ChunkHashes: chunkHashes,
	})
}

// NewFileInfoErrorFrame creates a FILE_INFO_RESPONSE frame carrying an error
// reason instead of a manifest, e.g. when the seeder no longer holds the file.
func NewFileInfoErrorFrame(from string, seq uint64, hash []byte, reason string) *BaseFrame {
	return NewBaseFrame(constants.KindFileInfoResp, from, seq, &FileInfoResponseBody{
		Hash:  hash,
		Error: reason,
	})
}

// NewChunkRequestFrame creates a new CHUNK_REQUEST frame.
func NewChunkRequestFrame(from string, seq uint64, hash []byte, index uint32) *BaseFrame {
	return NewBaseFrame(constants.KindChunkReq, from, seq, &ChunkRequestBody{
		Hash:  hash,
		Index: index,
	})
}

// NewChunkResponseFrame creates a new CHUNK_RESPONSE frame carrying data.
func NewChunkResponseFrame(from string, seq uint64, hash []byte, index uint32, data []byte) *BaseFrame {
	return NewBaseFrame(constants.KindChunkResp, from, seq, &ChunkResponseBody{
		Hash:  hash,
		Index: index,
		Data:  data,
	})
}

// NewChunkErrorFrame creates a CHUNK_RESPONSE frame carrying an error reason.
func NewChunkErrorFrame(from string, seq uint64, hash []byte, index uint32, reason string) *BaseFrame {
	return NewBaseFrame(constants.KindChunkResp, from, seq, &ChunkResponseBody{
		Hash:  hash,
		Index: index,
		Error: reason,
	})
}
