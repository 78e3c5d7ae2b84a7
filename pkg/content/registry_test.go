package content

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestRegistryAddFileDoesNotComputeManifestEagerly(t *testing.T) {
	dir := t.TempDir()
	chunkDir := filepath.Join(dir, "chunks")
	reg, err := NewRegistry(chunkDir)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	data := make([]byte, 3*1024) // smaller than the 256 KiB chunk size: a single chunk
	for i := range data {
		data[i] = byte(i)
	}
	src := writeTempFile(t, dir, "source.bin", data)

	hash, err := reg.AddFile(src)
	if err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	if !hash.IsValid() {
		t.Fatalf("AddFile returned an invalid hash: %s", hash)
	}
	if !reg.Has(hash) {
		t.Fatalf("expected %s to be registered", hash)
	}

	if _, ok := reg.Manifest(hash); ok {
		t.Fatal("expected no manifest to be cached before EnsureManifest is called")
	}
}

func TestRegistryEnsureManifestComputesOnceAndCaches(t *testing.T) {
	dir := t.TempDir()
	chunkDir := filepath.Join(dir, "chunks")
	reg, err := NewRegistry(chunkDir)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	data := make([]byte, 3*1024) // smaller than the 256 KiB chunk size: a single chunk
	for i := range data {
		data[i] = byte(i)
	}
	src := writeTempFile(t, dir, "source.bin", data)

	hash, err := reg.AddFile(src)
	if err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	manifest, err := reg.EnsureManifest(hash)
	if err != nil {
		t.Fatalf("EnsureManifest failed: %v", err)
	}
	if manifest.FileSize != uint64(len(data)) {
		t.Fatalf("expected file size %d, got %d", len(data), manifest.FileSize)
	}
	if manifest.ChunkCount != 1 {
		t.Fatalf("expected a single chunk for a file under chunk size, got %d", manifest.ChunkCount)
	}

	cached, ok := reg.Manifest(hash)
	if !ok {
		t.Fatal("expected the manifest to be cached after EnsureManifest")
	}
	if cached != manifest {
		t.Fatal("expected Manifest to return the same cached instance EnsureManifest computed")
	}

	again, err := reg.EnsureManifest(hash)
	if err != nil {
		t.Fatalf("second EnsureManifest call failed: %v", err)
	}
	if again != manifest {
		t.Fatal("expected a second EnsureManifest call to return the cached manifest, not recompute")
	}

	got, err := reg.ReadChunk(hash, 0)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("chunk data read back does not match original content")
	}
}

func TestRegistryReadChunkOutOfRange(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	src := writeTempFile(t, dir, "source.bin", []byte("small file"))
	hash, err := reg.AddFile(src)
	if err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	if _, err := reg.ReadChunk(hash, 5); err == nil {
		t.Fatal("expected an out-of-range chunk read to fail")
	}
}

func TestRegistryUnregisteredHashOperations(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	unknown := Hash("0000000000000000000000000000000000000000000000000000000000000000")
	if reg.Has(unknown) {
		t.Fatal("expected unregistered hash to report Has() == false")
	}
	if _, ok := reg.Manifest(unknown); ok {
		t.Fatal("expected Manifest() to report not-found for an unregistered hash")
	}
	if _, err := reg.ReadChunk(unknown, 0); err == nil {
		t.Fatal("expected ReadChunk to fail for an unregistered hash")
	}
	if err := reg.RemoveFile(unknown); err == nil {
		t.Fatal("expected RemoveFile to fail for an unregistered hash")
	}
}

func TestRegistryRemoveFile(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	src := writeTempFile(t, dir, "source.bin", []byte("remove me"))
	hash, err := reg.AddFile(src)
	if err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	if err := reg.RemoveFile(hash); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if reg.Has(hash) {
		t.Fatal("expected hash to be unregistered after RemoveFile")
	}
}

func TestRegistryListReturnsAllRegisteredHashes(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	src1 := writeTempFile(t, dir, "a.bin", []byte("file a"))
	src2 := writeTempFile(t, dir, "b.bin", []byte("file b"))

	h1, err := reg.AddFile(src1)
	if err != nil {
		t.Fatalf("AddFile(a) failed: %v", err)
	}
	h2, err := reg.AddFile(src2)
	if err != nil {
		t.Fatalf("AddFile(b) failed: %v", err)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 registered hashes, got %d", len(list))
	}
	seen := map[Hash]bool{list[0]: true, list[1]: true}
	if !seen[h1] || !seen[h2] {
		t.Fatalf("expected List() to contain both %s and %s, got %v", h1, h2, list)
	}
}
