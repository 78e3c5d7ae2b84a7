package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = 32

// NewHash computes the content hash of data.
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// NewHashFromBytes builds a Hash from raw digest bytes.
func NewHashFromBytes(digest []byte) (Hash, error) {
	if len(digest) != HashSize {
		return "", fmt.Errorf("invalid hash size: got %d, want %d", len(digest), HashSize)
	}
	return Hash(hex.EncodeToString(digest)), nil
}

// ParseHash validates a hex-encoded SHA-256 hash string.
func ParseHash(s string) (Hash, error) {
	digest, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(digest) != HashSize {
		return "", fmt.Errorf("invalid hash size: got %d, want %d", len(digest), HashSize)
	}
	return Hash(s), nil
}

// IsValid reports whether h is a well-formed hex-encoded SHA-256 hash.
func (h Hash) IsValid() bool {
	digest, err := hex.DecodeString(string(h))
	return err == nil && len(digest) == HashSize
}

// Bytes returns the raw digest bytes.
func (h Hash) Bytes() []byte {
	digest, _ := hex.DecodeString(string(h))
	return digest
}

// String returns the hex representation.
func (h Hash) String() string {
	return string(h)
}

// ComputeManifestHash computes a deterministic hash identifying a manifest,
// derived from its fields and ordered chunk hashes.
func ComputeManifestHash(manifest *Manifest) (Hash, error) {
	var data []byte

	data = append(data, byte(manifest.Version>>24), byte(manifest.Version>>16),
		byte(manifest.Version>>8), byte(manifest.Version))

	data = append(data, byte(manifest.FileSize>>56), byte(manifest.FileSize>>48),
		byte(manifest.FileSize>>40), byte(manifest.FileSize>>32),
		byte(manifest.FileSize>>24), byte(manifest.FileSize>>16),
		byte(manifest.FileSize>>8), byte(manifest.FileSize))

	data = append(data, byte(manifest.ChunkSize>>24), byte(manifest.ChunkSize>>16),
		byte(manifest.ChunkSize>>8), byte(manifest.ChunkSize))

	for _, chunk := range manifest.Chunks {
		data = append(data, chunk.Hash.Bytes()...)
	}

	if manifest.ContentType != "" {
		data = append(data, []byte(manifest.ContentType)...)
	}
	if manifest.Filename != "" {
		data = append(data, []byte(manifest.Filename)...)
	}

	return NewHash(data), nil
}

// VerifyChunkIntegrity verifies that chunk.Data hashes to chunk.Hash.
func VerifyChunkIntegrity(chunk *Chunk) error {
	expected := NewHash(chunk.Data)
	if expected != chunk.Hash {
		return fmt.Errorf("chunk integrity verification failed: expected hash %s, got %s", expected, chunk.Hash)
	}
	return nil
}

// GenerateChunkHash hashes chunk data.
func GenerateChunkHash(data []byte) Hash {
	return NewHash(data)
}

// HashFile computes path's SHA-256 content hash and size in a single
// streaming pass, never holding more than io.Copy's internal buffer in
// memory regardless of file size.
func HashFile(path string) (Hash, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash file: %w", err)
	}
	return Hash(hex.EncodeToString(hasher.Sum(nil))), uint64(n), nil
}
