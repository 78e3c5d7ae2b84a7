package content

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/logging"
)

var registryLog = logging.For("content")

// entry is one registered shared file. manifest is nil until EnsureManifest
// computes and caches it, per-chunk hashes are computed lazily on first
// FileInfo request rather than at registration time.
type entry struct {
	sourcePath string
	manifest   *Manifest
}

// Registry is the local shared-file catalog (C7): `add` streams a file once
// to compute its content hash (never buffering the whole file in memory),
// and defers the per-chunk manifest to EnsureManifest, called by the seeder
// on first FileInfo request and cached from then on.
type Registry struct {
	mu       sync.RWMutex
	chunkDir string
	entries  map[Hash]*entry
}

// NewRegistry creates a registry that stores chunk data under chunkDir.
func NewRegistry(chunkDir string) (*Registry, error) {
	if chunkDir == "" {
		chunkDir = "./chunks"
	}
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return &Registry{
		chunkDir: chunkDir,
		entries:  make(map[Hash]*entry),
	}, nil
}

// AddFile registers path for sharing: its content hash is computed in a
// single streaming pass (§3's `add(path) -> hash`), with no chunking and no
// manifest computation yet — that happens lazily in EnsureManifest, on the
// first FileInfo request for this hash.
func (r *Registry) AddFile(path string) (Hash, error) {
	hash, size, err := HashFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to register %s: %w", path, err)
	}

	r.mu.Lock()
	r.entries[hash] = &entry{sourcePath: path}
	r.mu.Unlock()

	registryLog.Info().Str("hash", string(hash)).Str("path", path).
		Uint64("size", size).Msg("registered shared file")
	return hash, nil
}

// EnsureManifest returns hash's cached manifest, computing it first if this
// is the first call for hash (§4.6/§4.7: computed lazily on first FileInfo
// request, then cached). The file is re-hashed chunk by chunk outside the
// registry lock so a slow disk read on one file doesn't stall lookups for
// every other registered file; if two requests race to compute the same
// manifest, the first one cached wins and the other's result is discarded.
func (r *Registry) EnsureManifest(hash Hash) (*Manifest, error) {
	r.mu.Lock()
	e, ok := r.entries[hash]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s is not registered", hash)
	}
	if e.manifest != nil {
		m := e.manifest
		r.mu.Unlock()
		return m, nil
	}
	sourcePath := e.sourcePath
	r.mu.Unlock()

	manifest, err := BuildManifestStreaming(sourcePath, r.chunkDir, constants.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to compute manifest for %s: %w", hash, err)
	}
	if manifest.FileHash != hash {
		return nil, fmt.Errorf("source file for %s changed since registration (now hashes to %s)", hash, manifest.FileHash)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[hash]; ok {
		if e.manifest == nil {
			e.manifest = manifest
		} else {
			manifest = e.manifest
		}
	}
	return manifest, nil
}

// RemoveFile drops hash from the registry. It does not delete chunk files on
// disk, since another registered file may share a chunk by content.
func (r *Registry) RemoveFile(hash Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[hash]; !ok {
		return fmt.Errorf("%s is not registered", hash)
	}
	delete(r.entries, hash)
	return nil
}

// Manifest returns hash's cached manifest, without computing it. Reports
// false both when hash is unregistered and when it is registered but
// EnsureManifest has not yet been called for it.
func (r *Registry) Manifest(hash Hash) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[hash]
	if !ok || e.manifest == nil {
		return nil, false
	}
	return e.manifest, true
}

// List returns every hash currently registered for sharing.
func (r *Registry) List() []Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hashes := make([]Hash, 0, len(r.entries))
	for h := range r.entries {
		hashes = append(hashes, h)
	}
	return hashes
}

// Has reports whether hash is registered.
func (r *Registry) Has(hash Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[hash]
	return ok
}

// ReadChunk returns the bytes of chunk index of hash's registered file,
// reading only that chunk's bytes off disk from the content-addressed chunk
// store EnsureManifest populates. Computes and caches the manifest first if
// this is the first read for hash.
func (r *Registry) ReadChunk(hash Hash, index uint32) ([]byte, error) {
	manifest, err := r.EnsureManifest(hash)
	if err != nil {
		return nil, err
	}
	if int(index) >= len(manifest.Chunks) {
		return nil, fmt.Errorf("chunk index %d out of range for %s (%d chunks)", index, hash, len(manifest.Chunks))
	}

	chunkHash := manifest.Chunks[index].Hash
	data, err := os.ReadFile(filepath.Join(r.chunkDir, string(chunkHash)))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", index, hash, err)
	}
	return data, nil
}

// ChunkDir returns the directory chunk files are stored under.
func (r *Registry) ChunkDir() string {
	return r.chunkDir
}
