package content

import (
	"crypto/sha256"
	"fmt"
	"os"
)

// IntegrityReport is the result of an integrity verification pass.
type IntegrityReport struct {
	Valid            bool                   `json:"valid"`
	ManifestHashValid bool                  `json:"manifest_hash_valid"`
	ChunkIntegrity   []ChunkIntegrityResult `json:"chunk_integrity"`
	FileIntegrity    *FileIntegrityResult   `json:"file_integrity,omitempty"`
	Errors           []string               `json:"errors,omitempty"`
	TotalChunks      int                    `json:"total_chunks"`
	ValidChunks      int                    `json:"valid_chunks"`
	TotalBytes       uint64                 `json:"total_bytes"`
	VerificationTime int64                  `json:"verification_time_ms"`
}

// ChunkIntegrityResult is the integrity check result for a single chunk.
type ChunkIntegrityResult struct {
	Index        int    `json:"index"`
	Hash         string `json:"hash"`
	Valid        bool   `json:"valid"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	Error        string `json:"error,omitempty"`
	Size         uint64 `json:"size"`
	Offset       uint64 `json:"offset"`
}

// FileIntegrityResult is the integrity check result for a reconstructed file.
type FileIntegrityResult struct {
	Valid          bool   `json:"valid"`
	ExpectedSHA256 string `json:"expected_sha256,omitempty"`
	ActualSHA256   string `json:"actual_sha256,omitempty"`
	ExpectedSize   uint64 `json:"expected_size"`
	ActualSize     uint64 `json:"actual_size"`
	Error          string `json:"error,omitempty"`
}

// VerifyContentIntegrity performs comprehensive integrity verification of
// a manifest and its chunks.
func VerifyContentIntegrity(manifest *Manifest, chunks []*Chunk, expectedManifestHash *Hash) *IntegrityReport {
	report := &IntegrityReport{
		Valid:          true,
		TotalChunks:    len(chunks),
		ChunkIntegrity: make([]ChunkIntegrityResult, len(chunks)),
		Errors:         make([]string, 0),
	}

	if expectedManifestHash != nil {
		if err := ValidateManifestHash(manifest, *expectedManifestHash); err != nil {
			report.ManifestHashValid = false
			report.Valid = false
			report.Errors = append(report.Errors, fmt.Sprintf("Manifest hash validation failed: %v", err))
		} else {
			report.ManifestHashValid = true
		}
	}

	if err := VerifyManifest(manifest); err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, fmt.Sprintf("Manifest verification failed: %v", err))
	}

	for i, chunk := range chunks {
		result := ChunkIntegrityResult{
			Index:  i,
			Hash:   string(chunk.Hash),
			Size:   chunk.Size,
			Offset: chunk.Offset,
		}

		if err := VerifyChunkIntegrity(chunk); err != nil {
			result.Valid = false
			result.Error = err.Error()
			result.ExpectedHash = string(NewHash(chunk.Data))
			report.Valid = false
		} else {
			result.Valid = true
			report.ValidChunks++
		}

		report.ChunkIntegrity[i] = result
		report.TotalBytes += chunk.Size
	}

	if err := VerifyManifestWithChunks(manifest, chunks); err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, fmt.Sprintf("Manifest-chunk verification failed: %v", err))
	}

	return report
}

// VerifyReconstructedFile verifies that a reconstructed file matches the
// original size and full-file SHA-256 hash.
func VerifyReconstructedFile(filePath string, expectedSize uint64, originalSHA256 string) *FileIntegrityResult {
	result := &FileIntegrityResult{
		ExpectedSize:   expectedSize,
		ExpectedSHA256: originalSHA256,
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to stat file: %v", err)
		return result
	}

	result.ActualSize = uint64(fileInfo.Size())

	if result.ActualSize != result.ExpectedSize {
		result.Error = fmt.Sprintf("File size mismatch: expected %d, got %d",
			result.ExpectedSize, result.ActualSize)
		return result
	}

	if originalSHA256 != "" {
		file, err := os.Open(filePath)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to open file for hashing: %v", err)
			return result
		}
		defer file.Close()

		hasher := sha256.New()
		if _, err := copyBuffered(hasher, file); err != nil {
			result.Error = fmt.Sprintf("Failed to read file for hashing: %v", err)
			return result
		}

		result.ActualSHA256 = fmt.Sprintf("%x", hasher.Sum(nil))

		if result.ActualSHA256 != originalSHA256 {
			result.Error = fmt.Sprintf("SHA256 hash mismatch: expected %s, got %s",
				originalSHA256, result.ActualSHA256)
			return result
		}
	}

	result.Valid = true
	return result
}

// VerifyEndToEndIntegrity performs complete end-to-end integrity
// verification: manifest/chunk integrity plus a size and SHA-256 comparison
// of the reconstructed file against the original, when both are available.
func VerifyEndToEndIntegrity(originalFilePath, reconstructedFilePath string, manifest *Manifest, chunks []*Chunk, manifestHash Hash) (*IntegrityReport, error) {
	report := VerifyContentIntegrity(manifest, chunks, &manifestHash)

	var originalSHA256 string
	if originalFilePath != "" {
		if _, err := os.Stat(originalFilePath); err == nil {
			if file, err := os.Open(originalFilePath); err == nil {
				defer file.Close()
				hasher := sha256.New()
				if _, err := copyBuffered(hasher, file); err != nil {
					return report, fmt.Errorf("failed to hash original file: %w", err)
				}
				originalSHA256 = fmt.Sprintf("%x", hasher.Sum(nil))
			}
		}
	}

	if reconstructedFilePath != "" {
		fileResult := VerifyReconstructedFile(reconstructedFilePath, manifest.FileSize, originalSHA256)
		report.FileIntegrity = fileResult

		if !fileResult.Valid {
			report.Valid = false
			if fileResult.Error != "" {
				report.Errors = append(report.Errors, fmt.Sprintf("File integrity check failed: %s", fileResult.Error))
			}
		}
	}

	return report, nil
}

func copyBuffered(hasher interface{ Write([]byte) (int, error) }, file *os.File) (int64, error) {
	buffer := make([]byte, 64*1024)
	var total int64
	for {
		n, err := file.Read(buffer)
		if n > 0 {
			hasher.Write(buffer[:n])
			total += int64(n)
		}
		if err != nil {
			if err.Error() == "EOF" {
				return total, nil
			}
			return total, err
		}
	}
}

// VerifyChunkSequence verifies that chunks form a contiguous, gapless
// offset sequence once sorted.
func VerifyChunkSequence(chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	sortedChunks := make([]*Chunk, len(chunks))
	copy(sortedChunks, chunks)

	for i := 0; i < len(sortedChunks)-1; i++ {
		for j := 0; j < len(sortedChunks)-i-1; j++ {
			if sortedChunks[j].Offset > sortedChunks[j+1].Offset {
				sortedChunks[j], sortedChunks[j+1] = sortedChunks[j+1], sortedChunks[j]
			}
		}
	}

	var expectedOffset uint64
	for i, chunk := range sortedChunks {
		if chunk.Offset != expectedOffset {
			return fmt.Errorf("chunk %d has invalid offset: expected %d, got %d",
				i, expectedOffset, chunk.Offset)
		}
		if chunk.Size == 0 {
			return fmt.Errorf("chunk %d has zero size", i)
		}
		expectedOffset += chunk.Size
	}

	return nil
}

// VerifyManifestChunkConsistency verifies that manifest chunk info matches
// the actual chunks, keyed by content hash.
func VerifyManifestChunkConsistency(manifest *Manifest, chunks []*Chunk) error {
	if len(manifest.Chunks) != len(chunks) {
		return fmt.Errorf("chunk count mismatch: manifest has %d, provided %d",
			len(manifest.Chunks), len(chunks))
	}

	chunkMap := make(map[Hash]*Chunk, len(chunks))
	for _, chunk := range chunks {
		chunkMap[chunk.Hash] = chunk
	}

	for i, manifestChunk := range manifest.Chunks {
		actualChunk, exists := chunkMap[manifestChunk.Hash]
		if !exists {
			return fmt.Errorf("manifest chunk %d (hash: %s) not found in provided chunks",
				i, manifestChunk.Hash)
		}
		if manifestChunk.Size != actualChunk.Size {
			return fmt.Errorf("chunk %d size mismatch: manifest says %d, chunk has %d",
				i, manifestChunk.Size, actualChunk.Size)
		}
		if manifestChunk.Offset != actualChunk.Offset {
			return fmt.Errorf("chunk %d offset mismatch: manifest says %d, chunk has %d",
				i, manifestChunk.Offset, actualChunk.Offset)
		}
	}

	return nil
}
