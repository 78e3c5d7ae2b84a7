package content

import (
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// VerifyManifest validates the internal consistency of a manifest.
func VerifyManifest(manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	if manifest.Version == 0 {
		return fmt.Errorf("invalid manifest version: %d", manifest.Version)
	}
	if manifest.ChunkSize == 0 {
		return fmt.Errorf("invalid chunk size: %d", manifest.ChunkSize)
	}
	if uint32(len(manifest.Chunks)) != manifest.ChunkCount {
		return fmt.Errorf("chunk count mismatch: manifest says %d, but has %d chunks",
			manifest.ChunkCount, len(manifest.Chunks))
	}

	var expectedOffset uint64
	var totalSize uint64

	for i, chunk := range manifest.Chunks {
		if chunk.Offset != expectedOffset {
			return fmt.Errorf("chunk %d has invalid offset: got %d, expected %d",
				i, chunk.Offset, expectedOffset)
		}
		if chunk.Size == 0 {
			return fmt.Errorf("chunk %d has zero size", i)
		}
		if !chunk.Hash.IsValid() {
			return fmt.Errorf("chunk %d has invalid hash", i)
		}
		if i < len(manifest.Chunks)-1 && chunk.Size != uint64(manifest.ChunkSize) {
			return fmt.Errorf("chunk %d has invalid size: got %d, expected %d",
				i, chunk.Size, manifest.ChunkSize)
		}
		if i == len(manifest.Chunks)-1 && chunk.Size > uint64(manifest.ChunkSize) {
			return fmt.Errorf("last chunk %d is too large: got %d, max %d",
				i, chunk.Size, manifest.ChunkSize)
		}

		expectedOffset += chunk.Size
		totalSize += chunk.Size
	}

	if totalSize != manifest.FileSize {
		return fmt.Errorf("file size mismatch: manifest says %d, chunks total %d",
			manifest.FileSize, totalSize)
	}

	return nil
}

// VerifyManifestWithChunks verifies a manifest against actual chunk data.
func VerifyManifestWithChunks(manifest *Manifest, chunks []*Chunk) error {
	if err := VerifyManifest(manifest); err != nil {
		return fmt.Errorf("manifest verification failed: %w", err)
	}

	if len(chunks) != len(manifest.Chunks) {
		return fmt.Errorf("chunk count mismatch: manifest has %d, provided %d",
			len(manifest.Chunks), len(chunks))
	}

	sortedChunks := make([]*Chunk, len(chunks))
	copy(sortedChunks, chunks)
	sort.Slice(sortedChunks, func(i, j int) bool {
		return sortedChunks[i].Offset < sortedChunks[j].Offset
	})

	for i, manifestChunk := range manifest.Chunks {
		actualChunk := sortedChunks[i]

		if manifestChunk.Hash != actualChunk.Hash {
			return fmt.Errorf("chunk %d hash mismatch: manifest has %s, chunk has %s",
				i, manifestChunk.Hash, actualChunk.Hash)
		}
		if manifestChunk.Size != actualChunk.Size {
			return fmt.Errorf("chunk %d size mismatch: manifest has %d, chunk has %d",
				i, manifestChunk.Size, actualChunk.Size)
		}
		if manifestChunk.Offset != actualChunk.Offset {
			return fmt.Errorf("chunk %d offset mismatch: manifest has %d, chunk has %d",
				i, manifestChunk.Offset, actualChunk.Offset)
		}
		if err := VerifyChunkIntegrity(actualChunk); err != nil {
			return fmt.Errorf("chunk %d integrity verification failed: %w", i, err)
		}
	}

	return nil
}

// GetManifestStats returns summary statistics about a manifest.
func GetManifestStats(manifest *Manifest) map[string]interface{} {
	if manifest == nil {
		return map[string]interface{}{"error": "manifest is nil"}
	}

	stats := map[string]interface{}{
		"version":      manifest.Version,
		"file_hash":    manifest.FileHash,
		"file_size":    manifest.FileSize,
		"chunk_size":   manifest.ChunkSize,
		"chunk_count":  manifest.ChunkCount,
		"created_at":   manifest.CreatedAt,
		"content_type": manifest.ContentType,
		"filename":     manifest.Filename,
	}

	if manifest.FileSize > 0 {
		overhead := uint64(len(manifest.Chunks)) * 64
		stats["storage_overhead"] = overhead
		stats["efficiency"] = float64(manifest.FileSize) / float64(manifest.FileSize+overhead)
	}

	return stats
}

// ValidateManifestHash verifies that a manifest matches its claimed content hash.
func ValidateManifestHash(manifest *Manifest, expectedHash Hash) error {
	if manifest.FileHash != expectedHash {
		return fmt.Errorf("manifest hash mismatch: expected %s, got %s", expectedHash, manifest.FileHash)
	}
	return nil
}

// BuildManifestStreaming chunks filePath into chunkDir without ever holding
// more than one chunk's bytes in memory, for files too large to reconstruct
// whole just to compute a hash. Each chunk is written to chunkDir named by
// its hex hash; the manifest's FileHash is the running SHA-256 over the
// whole stream, computed alongside the per-chunk hashing pass.
func BuildManifestStreaming(filePath, chunkDir string, chunkSize uint32) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size cannot be zero")
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	fileHasher := sha256.New()
	buffer := make([]byte, chunkSize)
	var chunkInfos []ChunkInfo
	var offset uint64
	var index uint32

	for {
		n, readErr := io.ReadFull(file, buffer)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read file at offset %d: %w", offset, readErr)
		}
		if n == 0 {
			break
		}

		chunkData := buffer[:n]
		hash := GenerateChunkHash(chunkData)
		fileHasher.Write(chunkData)

		chunkPath := filepath.Join(chunkDir, string(hash))
		if _, statErr := os.Stat(chunkPath); statErr != nil {
			if writeErr := os.WriteFile(chunkPath, chunkData, 0644); writeErr != nil {
				return nil, fmt.Errorf("failed to persist chunk %d: %w", index, writeErr)
			}
		}

		chunkInfos = append(chunkInfos, ChunkInfo{
			Hash:   hash,
			Size:   uint64(n),
			Index:  index,
			Offset: offset,
		})

		offset += uint64(n)
		index++

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	contentType := ""
	filename := filepath.Base(filePath)
	if ext := filepath.Ext(filePath); ext != "" {
		contentType = mime.TypeByExtension(ext)
	}

	manifest := &Manifest{
		Version:     1,
		FileHash:    Hash(fmt.Sprintf("%x", fileHasher.Sum(nil))),
		FileSize:    offset,
		ChunkSize:   chunkSize,
		ChunkCount:  uint32(len(chunkInfos)),
		Chunks:      chunkInfos,
		CreatedAt:   uint64(time.Now().UnixMilli()),
		ContentType: contentType,
		Filename:    filename,
	}

	return manifest, nil
}
