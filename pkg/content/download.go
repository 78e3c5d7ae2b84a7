package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/correlate"
	"chiral-network/core/pkg/events"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/logging"
	"chiral-network/core/pkg/wire"
	"chiral-network/core/pkg/xerrors"
)

var downloadLog = logging.For("content")

// fileInfoResult is what a seeder's FILE_INFO_RESPONSE resolves the awaiter
// with.
type fileInfoResult struct {
	size        uint64
	chunkSize   uint32
	chunkHashes [][]byte
	err         string
}

// chunkResult is what a seeder's CHUNK_RESPONSE resolves the awaiter with.
type chunkResult struct {
	data []byte
	err  string
}

// Downloader drives the sequential, single-outstanding-chunk-per-transfer
// download state machine (§4.6): request the manifest from a seeder, then
// fetch chunks strictly in order, retrying a failing chunk against the same
// seeder up to MaxChunkRetries before failing over to the next seeder while
// keeping the current chunk index, writing each verified chunk directly into
// the output file rather than buffering the whole transfer in memory.
type Downloader struct {
	identity *identity.Identity
	network  PeerSender
	bus      *events.Bus

	fileInfoAwaiters *correlate.Table[uint64, fileInfoResult]
	chunkAwaiters    *correlate.Table[uint64, chunkResult]

	mu      sync.Mutex
	seq     uint64
	rateSec uint64 // bytes/sec this downloader throttles itself to; 0 is unlimited
}

// NewDownloader creates a downloader that sends requests over network and
// publishes terminal/progress notifications on bus. A single Downloader
// may drive multiple concurrent Download calls for different hashes (§5:
// "across different downloads, no ordering is guaranteed"), so anything
// that varies per-download — like the payment proof — is a Download
// parameter rather than constructor state.
func NewDownloader(id *identity.Identity, network PeerSender, bus *events.Bus, bytesPerSecond uint64) *Downloader {
	return &Downloader{
		identity:         id,
		network:          network,
		bus:              bus,
		fileInfoAwaiters: correlate.New[uint64, fileInfoResult](),
		chunkAwaiters:    correlate.New[uint64, chunkResult](),
		rateSec:          bytesPerSecond,
	}
}

// HandleFileInfoResponse resolves a pending FILE_INFO_REQUEST awaiter.
func (d *Downloader) HandleFileInfoResponse(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.FileInfoResponseBody)
	if !ok {
		return fmt.Errorf("invalid file-info response body")
	}
	d.fileInfoAwaiters.Resolve(frame.Seq, fileInfoResult{
		size:        body.Size,
		chunkSize:   body.ChunkSize,
		chunkHashes: body.ChunkHashes,
		err:         body.Error,
	})
	return nil
}

// HandleChunkResponse resolves a pending CHUNK_REQUEST awaiter.
func (d *Downloader) HandleChunkResponse(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.ChunkResponseBody)
	if !ok {
		return fmt.Errorf("invalid chunk response body")
	}
	d.chunkAwaiters.Resolve(frame.Seq, chunkResult{data: body.Data, err: body.Error})
	return nil
}

func (d *Downloader) nextSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

// Download fetches hash from seeders, trying each in order, and writes the
// verified result to outputPath. It blocks until the transfer completes,
// fails permanently, or ctx is cancelled, and always publishes exactly one
// terminal event (DownloadComplete or DownloadFailed) on the bus.
// paymentProof, if non-nil, is attached to the first FileInfoRequest sent
// to each candidate seeder (§6.4); pass nil for an unpaid download.
func (d *Downloader) Download(ctx context.Context, hash Hash, seeders []string, outputPath string, paymentProof []byte) error {
	if len(seeders) == 0 {
		err := fmt.Errorf("no seeders available for %s", hash)
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: err.Error()})
		return err
	}

	if !hash.IsValid() {
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: "invalid hash"})
		return fmt.Errorf("invalid hash %s", hash)
	}

	var info fileInfoResult
	var gotInfo bool
	var err error
	var lastErr error
	for _, seeder := range seeders {
		info, err = d.requestFileInfo(ctx, seeder, hash, paymentProof)
		if err == nil {
			gotInfo = true
			break
		}
		lastErr = err
		downloadLog.Debug().Err(err).Str("hash", string(hash)).Str("seeder", seeder).Msg("file-info request failed")
	}
	if !gotInfo {
		reason := "no seeder responded with file info"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: reason})
		return fmt.Errorf("%s: %s", hash, reason)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: "local_io"})
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}

	// fail reports a terminal DownloadFailed event with a spec-canonical
	// reason (§4.6), closes and deletes the partial output file, and
	// returns a wrapped error for the caller.
	fail := func(reason string, wrapped error) error {
		file.Close()
		os.Remove(outputPath)
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: reason})
		return wrapped
	}

	seederIdx := 0
	var written uint64
	for index := uint32(0); index < uint32(len(info.chunkHashes)); index++ {
		expectedHash := Hash(hex.EncodeToString(info.chunkHashes[index]))

		data, err := d.fetchChunkWithFailover(ctx, hash, index, expectedHash, seeders, &seederIdx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return fail("cancelled", err)
			}
			if errors.Is(err, errExhaustedSeeders) {
				return fail("no_seeders", fmt.Errorf("chunk %d of %s: %w", index, hash, err))
			}
			return fail(xerrorsReason(err), fmt.Errorf("chunk %d of %s: %w", index, hash, err))
		}

		if _, err := file.Write(data); err != nil {
			return fail("local_io", fmt.Errorf("failed to write chunk %d: %w", index, err))
		}

		written += uint64(len(data))
		d.bus.Publish(events.Event{Kind: events.DownloadProgress, Hash: string(hash), Bytes: written, Total: info.size})

		if d.rateSec > 0 {
			pause := time.Duration(float64(len(data)) / float64(d.rateSec) * float64(time.Second))
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return fail("cancelled", ctx.Err())
			}
		}
	}

	if written != info.size {
		return fail("integrity", fmt.Errorf("size mismatch: wrote %d, expected %d", written, info.size))
	}

	if err := file.Close(); err != nil {
		os.Remove(outputPath)
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: "local_io"})
		return err
	}

	verified := VerifyReconstructedFile(outputPath, info.size, string(hash))
	if !verified.Valid {
		os.Remove(outputPath)
		d.bus.Publish(events.Event{Kind: events.DownloadFailed, Hash: string(hash), Reason: "integrity"})
		return fmt.Errorf("final verification failed for %s: %s", hash, verified.Error)
	}

	d.bus.Publish(events.Event{Kind: events.DownloadComplete, Hash: string(hash), Path: outputPath})
	return nil
}

// xerrorsReason maps a classified chunk-fetch error to the reason string
// surfaced on the terminal DownloadFailed event, falling back to the raw
// error text for anything not in the §7 taxonomy.
func xerrorsReason(err error) string {
	switch xerrors.KindOf(err) {
	case xerrors.Integrity:
		return "integrity"
	case xerrors.NotFound:
		return "not_found"
	case xerrors.Timeout, xerrors.Transport:
		return "no_seeders"
	default:
		return err.Error()
	}
}

// fetchChunkWithFailover retries a chunk against the current seeder up to
// MaxChunkRetries times; on exhaustion it advances to the next seeder and
// retries from there, preserving index so the download never restarts.
func (d *Downloader) fetchChunkWithFailover(ctx context.Context, hash Hash, index uint32, expectedHash Hash, seeders []string, seederIdx *int) ([]byte, error) {
	for *seederIdx < len(seeders) {
		seeder := seeders[*seederIdx]

		for attempt := 0; attempt < constants.MaxChunkRetries; attempt++ {
			data, err := d.requestChunk(ctx, seeder, hash, index)
			if err == nil {
				if GenerateChunkHash(data) != expectedHash {
					err = newIntegrityError(expectedHash, nil)
					downloadLog.Warn().Err(err).Str("hash", string(hash)).Uint32("index", index).Str("seeder", seeder).Msg("chunk integrity check failed")
					continue
				}
				return data, nil
			}
			downloadLog.Debug().Err(err).Str("hash", string(hash)).Uint32("index", index).Str("seeder", seeder).Int("attempt", attempt+1).Msg("chunk request failed")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		*seederIdx++
	}
	return nil, fmt.Errorf("%w: %d seeders tried for chunk %d", errExhaustedSeeders, len(seeders), index)
}

func (d *Downloader) requestFileInfo(ctx context.Context, seeder string, hash Hash, paymentProof []byte) (fileInfoResult, error) {
	seq := d.nextSeq()
	awaiter := d.fileInfoAwaiters.Await(seq)

	frame := wire.NewFileInfoRequestFrame(d.identity.PeerID(), seq, hash.Bytes(), paymentProof)
	if err := d.network.SendMessage(ctx, seeder, frame); err != nil {
		d.fileInfoAwaiters.Forget(seq)
		return fileInfoResult{}, err
	}

	infoCtx, cancel := context.WithTimeout(ctx, constants.ManifestTimeout)
	defer cancel()

	select {
	case res, ok := <-awaiter:
		if !ok {
			return fileInfoResult{}, fmt.Errorf("cancelled")
		}
		if res.err != "" {
			return fileInfoResult{}, fmt.Errorf("%s", res.err)
		}
		return res, nil
	case <-infoCtx.Done():
		d.fileInfoAwaiters.Cancel(seq)
		return fileInfoResult{}, newTimeoutError(hash, seeder, infoCtx.Err())
	}
}

func (d *Downloader) requestChunk(ctx context.Context, seeder string, hash Hash, index uint32) ([]byte, error) {
	seq := d.nextSeq()
	awaiter := d.chunkAwaiters.Await(seq)

	hashBytes, err := hex.DecodeString(string(hash))
	if err != nil {
		d.chunkAwaiters.Forget(seq)
		return nil, err
	}

	frame := wire.NewChunkRequestFrame(d.identity.PeerID(), seq, hashBytes, index)
	if err := d.network.SendMessage(ctx, seeder, frame); err != nil {
		d.chunkAwaiters.Forget(seq)
		return nil, err
	}

	chunkCtx, cancel := context.WithTimeout(ctx, constants.ChunkRequestTimeout)
	defer cancel()

	select {
	case res, ok := <-awaiter:
		if !ok {
			return nil, fmt.Errorf("cancelled")
		}
		if res.err != "" {
			return nil, wrapChunkError(hash, index, seeder, res.err)
		}
		return res.data, nil
	case <-chunkCtx.Done():
		d.chunkAwaiters.Cancel(seq)
		return nil, chunkCtx.Err()
	}
}
