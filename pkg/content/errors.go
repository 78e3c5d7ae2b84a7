package content

import (
	"errors"
	"fmt"

	"chiral-network/core/pkg/xerrors"
)

// errExhaustedSeeders is returned once fetchChunkWithFailover has retried a
// chunk against every known seeder without success (§4.6: "Exhaustion of
// all seeders"). Download maps it to the DownloadFailed{reason="no_seeders"}
// terminal event.
var errExhaustedSeeders = errors.New("exhausted all seeders")

// newTimeoutError classifies a fetch timeout against hash/provider context.
func newTimeoutError(hash Hash, provider string, cause error) *xerrors.Error {
	return xerrors.Newf(xerrors.Timeout, true, cause, "timed out fetching %s from %s", hash, provider)
}

// newIntegrityError classifies a hash-mismatch failure as non-retryable:
// retrying against the same provider would reproduce the same bad bytes.
func newIntegrityError(hash Hash, cause error) *xerrors.Error {
	return xerrors.Newf(xerrors.Integrity, false, cause, "integrity check failed for %s", hash)
}

// newNotFoundError classifies a seeder's "no such content" response.
func newNotFoundError(hash Hash, provider string) *xerrors.Error {
	return xerrors.Newf(xerrors.NotFound, true, nil, "%s not found on %s", hash, provider)
}

// newProtocolError classifies a malformed or unexpected wire response.
func newProtocolError(hash Hash, provider string, cause error) *xerrors.Error {
	return xerrors.Newf(xerrors.ProtocolError, false, cause, "protocol error from %s fetching %s", provider, hash)
}

// wrapChunkError converts a CHUNK_RESPONSE error reason into a classified
// error for the downloader; its retry and failover do not depend on the
// kind (every chunk failure is retried up to MaxChunkRetries times per
// seeder before failing over).
func wrapChunkError(hash Hash, index uint32, provider, reason string) *xerrors.Error {
	switch reason {
	case "not_found":
		return newNotFoundError(hash, provider)
	case "payment_required":
		// Retrying the same seeder without a valid proof would just
		// reproduce the refusal (§6.4); the downloader should fail over.
		return xerrors.Newf(xerrors.NotFound, true, nil, "chunk %d of %s refused by %s: payment required", index, hash, provider)
	case "rate_limited":
		return xerrors.Newf(xerrors.Transport, true, nil, "chunk %d of %s rate-limited by %s", index, hash, provider)
	default:
		return newProtocolError(hash, provider, fmt.Errorf("chunk %d: %s", index, reason))
	}
}

