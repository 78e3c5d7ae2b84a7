// Package constants defines cross-cutting tunables shared by the transport,
// DHT, discovery, and file-transfer packages.
package constants

import "time"

// Kademlia DHT configuration (§4.3).
const (
	DHTBucketSize = 20 // k
	DHTAlpha      = 3  // concurrency parameter for iterative lookups

	DHTRecordTTL      = 24 * time.Hour
	DHTBucketRefresh  = 1 * time.Hour
	DHTPutTimeout     = 10 * time.Second
	DHTGetTimeout     = 10 * time.Second
	DHTGetMaxRetries  = 5
	DHTPingTimeout    = 5 * time.Second
	DHTQuorum         = 1
	RoutingStaleAfter = 10 * time.Minute
)

// Provider record lifetime and republish cadence (§4.3, Open Questions).
const (
	ProviderRecordTTL       = 24 * time.Hour
	ProviderRepublishMargin = 1 * time.Hour
)

// Local discovery (§4.4).
const (
	DiscoveryInterval  = 5 * time.Second
	DiscoveryMulticast = "239.82.69.69:24727" // arbitrary local-net multicast group:port
)

// File transfer constants (§4.6, normative).
const (
	ChunkSize           = 262144 // 256 KiB
	MaxChunkRetries     = 3
	ResponseSizeMaximum = 32 * 1024 * 1024 // 32 MiB
	RequestSizeMaximum  = 1 * 1024 * 1024  // 1 MiB
	ChunkRequestTimeout = 60 * time.Second
	ManifestTimeout     = 30 * time.Second
)

// Rate-limit tiers for the downloader (§4.6).
const (
	TierFreeBytesPerSecond     = 100 * 1024
	TierStandardBytesPerSecond = 1024 * 1024
	// TierPremium applies no delay.
)

// Protocol identifiers (§6.2).
const (
	ProtocolFileRequest = "/app/file-request/3.0.0"
	ProtocolPing        = "/app/ping/1.0.0"
)

// Protocol version and message kinds used on the base wire frame (§11/§15).
const (
	ProtocolVersion = 1

	KindPing             = 1
	KindPong             = 2
	KindDHTGet           = 10
	KindDHTPut           = 11
	KindDHTGetResponse   = 12
	KindDHTPutResponse   = 13
	KindAnnouncePresence = 20
	KindStartProviding   = 21
	KindGetProviders     = 22
	KindProvidersFound   = 23
	KindFileInfoReq      = 40
	KindFileInfoResp     = 41
	KindChunkReq         = 42
	KindChunkResp        = 43
)

// Max tolerated clock skew on signed frames.
const MaxClockSkew = 120 * time.Second

// Hash algorithm used for content addressing and chunk manifests (§3, §8).
const HashAlgorithm = "sha256"

// Default listen ports.
const (
	DefaultQUICPort = 27487
	DefaultTCPPort  = 27488
)

// Error codes carried on wire.Error frames.
const (
	ErrorInvalidSig      = 1
	ErrorNotFound        = 2
	ErrorNoProvider      = 3
	ErrorRateLimit       = 4
	ErrorVersionMismatch = 5
	ErrorPaymentRequired = 6
)
