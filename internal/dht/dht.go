// Package dht implements the Kademlia engine: routing table maintenance,
// iterative put_record (quorum-acknowledged)/get_record, and the provider-record
// side used for content location.
package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/correlate"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/logging"
	"chiral-network/core/pkg/wire"
)

var log = logging.For("dht")

// NetworkInterface abstracts the transport the DHT sends frames over.
type NetworkInterface interface {
	SendMessage(ctx context.Context, target *Node, frame *wire.BaseFrame) error
	BroadcastMessage(ctx context.Context, frame *wire.BaseFrame) error
}

// getResult is what a peer's DHT_GET_RESPONSE resolves the awaiter with.
type getResult struct {
	from    *Node
	records []wire.DHTRecordWire
}

// putResult is what a peer's DHT_PUT_RESPONSE resolves the awaiter with.
type putResult struct {
	stored bool
}

// providersResult is what a peer's PROVIDERS_FOUND resolves the awaiter with.
type providersResult struct {
	providers []string
}

// pongResult is what a peer's PONG resolves the awaiter with.
type pongResult struct {
	token []byte
}

// DHT is a Kademlia-compatible distributed hash table: routing table,
// local record store, and provider index.
type DHT struct {
	mu           sync.RWMutex
	localNode    *Node
	routingTable *RoutingTable
	identity     *identity.Identity

	storage   map[string]*SignedRecord
	providers map[string]map[string]*ProviderRecord // hash(hex) -> peer-id -> record
	provided  map[string][]byte                     // hash(hex) -> raw hash bytes, content this node itself provides

	network  NetworkInterface
	security *SecurityManager

	alpha  int
	quorum int

	getAwaiters       *correlate.Table[uint64, getResult]
	putAwaiters       *correlate.Table[uint64, putResult]
	providersAwaiters *correlate.Table[uint64, providersResult]
	pongAwaiters      *correlate.Table[uint64, pongResult]

	seqMu sync.Mutex
	seq   uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures a new DHT instance.
type Config struct {
	Identity *identity.Identity
	Network  NetworkInterface
	Alpha    int // concurrency parameter, default constants.DHTAlpha
	Quorum   int // minimum peer acknowledgements for Put to succeed, default constants.DHTQuorum
}

// New creates a new DHT instance.
func New(config *Config) (*DHT, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}

	alpha := config.Alpha
	if alpha <= 0 {
		alpha = constants.DHTAlpha
	}
	quorum := config.Quorum
	if quorum <= 0 {
		quorum = constants.DHTQuorum
	}

	localNode := NewNode(config.Identity.PeerID(), []string{})

	d := &DHT{
		localNode:         localNode,
		routingTable:      NewRoutingTable(localNode.ID),
		identity:          config.Identity,
		storage:           make(map[string]*SignedRecord),
		providers:         make(map[string]map[string]*ProviderRecord),
		provided:          make(map[string][]byte),
		network:           config.Network,
		security:          NewSecurityManager(&SecurityConfig{}),
		alpha:             alpha,
		quorum:            quorum,
		getAwaiters:       correlate.New[uint64, getResult](),
		putAwaiters:       correlate.New[uint64, putResult](),
		providersAwaiters: correlate.New[uint64, providersResult](),
		pongAwaiters:      correlate.New[uint64, pongResult](),
		done:              make(chan struct{}),
	}

	return d, nil
}

// SetNetwork assigns the transport this DHT sends frames over. Used when
// the network layer's own construction depends on this DHT (its inbound
// dispatcher routes to it), making Config.Network unavailable at New time.
func (d *DHT) SetNetwork(n NetworkInterface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.network = n
}

// Start starts background maintenance (stale node eviction, expired record
// cleanup, and provider record republishing).
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("dht is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	go d.maintenanceLoop()
	return nil
}

// Stop stops background maintenance and drains any in-flight get/put
// awaiters so blocked callers return instead of hanging.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
	}

	d.getAwaiters.DrainAll()
	d.putAwaiters.DrainAll()
	d.providersAwaiters.DrainAll()
	d.pongAwaiters.DrainAll()
	return nil
}

// AddNode adds a node to the routing table.
func (d *DHT) AddNode(node *Node) bool {
	return d.routingTable.Add(node)
}

// RemoveNode removes a node from the routing table.
func (d *DHT) RemoveNode(nodeID NodeID) bool {
	return d.routingTable.Remove(nodeID)
}

// GetClosestNodes returns the k closest known nodes to target.
func (d *DHT) GetClosestNodes(target NodeID, k int) []*Node {
	return d.routingTable.GetClosest(target, k)
}

// GetAllNodes returns every node currently in the routing table.
func (d *DHT) GetAllNodes() []*Node {
	return d.routingTable.GetAllNodes()
}

// GetRoutingTableSize returns the number of nodes in the routing table.
func (d *DHT) GetRoutingTableSize() int {
	return d.routingTable.Size()
}

// Put performs put_record: sign the value, store it locally, and fan out
// DHT_PUT to the alpha closest known nodes, waiting up to DHTPutTimeout for
// quorum acknowledgements.
func (d *DHT) Put(ctx context.Context, key []byte, value []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("key must be exactly 32 bytes")
	}

	record := NewSignedRecord(key, value, constants.DHTRecordTTL, d.identity.SigningPrivateKey)

	d.mu.Lock()
	d.storage[string(key)] = record
	d.mu.Unlock()

	targetID := NodeID(blake3.Sum256(key))
	nodes := d.GetClosestNodes(targetID, d.alpha)
	if len(nodes) == 0 {
		// No peers yet: the local store still holds it for our own reads.
		return nil
	}

	putCtx, cancel := context.WithTimeout(ctx, constants.DHTPutTimeout)
	defer cancel()

	acks := 0
	var acksMu sync.Mutex

	g, gctx := errgroup.WithContext(putCtx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			ok, err := d.putToNode(gctx, node, key, value, record.Sig)
			if err != nil {
				log.Debug().Err(err).Str("peer", node.PeerID).Msg("dht put failed")
				return nil // a single peer's failure doesn't fail the whole put
			}
			if ok {
				acksMu.Lock()
				acks++
				acksMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if acks < d.quorum {
		return fmt.Errorf("put quorum not reached: %d/%d acks from %d peers", acks, d.quorum, len(nodes))
	}
	return nil
}

func (d *DHT) putToNode(ctx context.Context, node *Node, key, value, sig []byte) (bool, error) {
	seq := d.nextSeq()
	awaiter := d.putAwaiters.Await(seq)

	frame := wire.NewDHTPutFrame(d.identity.PeerID(), seq, key, value, sig)
	if err := d.network.SendMessage(ctx, node, frame); err != nil {
		d.putAwaiters.Forget(seq)
		return false, err
	}

	select {
	case res, ok := <-awaiter:
		if !ok {
			return false, fmt.Errorf("cancelled")
		}
		return res.stored, nil
	case <-ctx.Done():
		d.putAwaiters.Cancel(seq)
		return false, ctx.Err()
	}
}

// Get performs get_record: check the local store, then perform an
// alpha-concurrent iterative lookup against the closest known nodes,
// retrying up to DHTGetMaxRetries times. Conflicting responses are
// tie-broken: when both competing records are signed, the one with the
// larger Expire wins; otherwise the response from the node closest in XOR
// distance to the target wins. Expire is set by the storing node (signing
// time plus DHTRecordTTL on the publisher, DHT_PUT receipt time plus
// DHTRecordTTL on a replica), so this orders records by when the
// responding node stored them; the publisher's signing time itself is not
// carried on the wire.
func (d *DHT) Get(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be exactly 32 bytes")
	}

	d.mu.RLock()
	if record, ok := d.storage[string(key)]; ok && !record.IsExpired() {
		d.mu.RUnlock()
		return record.Value, nil
	}
	d.mu.RUnlock()

	targetID := NodeID(blake3.Sum256(key))

	var lastErr error
	for attempt := 0; attempt <= constants.DHTGetMaxRetries; attempt++ {
		value, err := d.iterativeGet(ctx, targetID, key)
		if err == nil {
			return value, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return nil, fmt.Errorf("key not found after %d attempts: %w", constants.DHTGetMaxRetries+1, lastErr)
}

func (d *DHT) iterativeGet(ctx context.Context, targetID NodeID, key []byte) ([]byte, error) {
	nodes := d.GetClosestNodes(targetID, d.alpha)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes available for lookup")
	}

	getCtx, cancel := context.WithTimeout(ctx, constants.DHTGetTimeout)
	defer cancel()

	type found struct {
		record wire.DHTRecordWire
		node   *Node
	}
	results := make([]found, 0, len(nodes))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(getCtx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			record, err := d.getFromNode(gctx, node, key)
			if err != nil {
				return nil
			}
			resultsMu.Lock()
			results = append(results, found{record: record, node: node})
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(results) == 0 {
		return nil, fmt.Errorf("key not found among %d queried nodes", len(nodes))
	}

	// Tie-break conflicting records: if both candidates are signed, prefer
	// the larger Expire (the responding node's storage time plus
	// DHTRecordTTL; replicas restamp it on receipt, so it is not the
	// publisher's signing time). Otherwise prefer the response from the
	// node closest in XOR distance.
	best := results[0]
	bestDist := best.node.ID.Distance(targetID)
	for _, r := range results[1:] {
		bothSigned := len(best.record.Sig) > 0 && len(r.record.Sig) > 0
		if bothSigned {
			if r.record.Expire > best.record.Expire {
				best = r
				bestDist = r.node.ID.Distance(targetID)
			}
			continue
		}
		dist := r.node.ID.Distance(targetID)
		if dist.Less(bestDist) {
			best, bestDist = r, dist
		}
	}
	return best.record.Value, nil
}

func (d *DHT) getFromNode(ctx context.Context, node *Node, key []byte) (wire.DHTRecordWire, error) {
	seq := d.nextSeq()
	awaiter := d.getAwaiters.Await(seq)

	frame := wire.NewDHTGetFrame(d.identity.PeerID(), seq, key)
	if err := d.network.SendMessage(ctx, node, frame); err != nil {
		d.getAwaiters.Forget(seq)
		return wire.DHTRecordWire{}, err
	}

	select {
	case res, ok := <-awaiter:
		if !ok {
			return wire.DHTRecordWire{}, fmt.Errorf("cancelled")
		}
		if len(res.records) == 0 {
			return wire.DHTRecordWire{}, fmt.Errorf("not found")
		}
		return res.records[0], nil
	case <-ctx.Done():
		d.getAwaiters.Cancel(seq)
		return wire.DHTRecordWire{}, ctx.Err()
	}
}

// Ping probes node's liveness with a PING/PONG round trip, updating the
// routing table entry's Liveness on success or failure.
func (d *DHT) Ping(ctx context.Context, node *Node) (time.Duration, error) {
	seq := d.nextSeq()
	awaiter := d.pongAwaiters.Await(seq)

	token := make([]byte, 8)
	for i := range token {
		token[i] = byte(seq >> (8 * i))
	}

	start := time.Now()
	frame := wire.NewPingFrame(d.identity.PeerID(), seq, token)
	if err := d.network.SendMessage(ctx, node, frame); err != nil {
		d.pongAwaiters.Forget(seq)
		return 0, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, constants.DHTPingTimeout)
	defer cancel()

	select {
	case res, ok := <-awaiter:
		if !ok {
			return 0, fmt.Errorf("cancelled")
		}
		rtt := time.Since(start)
		if string(res.token) != string(token) {
			d.markLiveness(node.ID, LivenessUnresponsive)
			return rtt, fmt.Errorf("pong token mismatch")
		}
		d.markLiveness(node.ID, LivenessLive)
		return rtt, nil
	case <-pingCtx.Done():
		d.pongAwaiters.Cancel(seq)
		d.markLiveness(node.ID, LivenessUnresponsive)
		return 0, pingCtx.Err()
	}
}

func (d *DHT) markLiveness(id NodeID, liveness Liveness) {
	if node := d.routingTable.Get(id); node != nil {
		node.Liveness = liveness
		if liveness == LivenessLive {
			node.LastSeen = time.Now()
		}
		// Get returns a copy; write it back so the table entry changes.
		d.routingTable.Add(node)
	}
}

// StartProviding announces to the alpha closest nodes (by XOR distance to
// hash) that the local node holds content addressed by hash, and records the
// hash locally so the republish loop keeps the announcement alive.
func (d *DHT) StartProviding(ctx context.Context, hash []byte) error {
	if len(hash) != 32 {
		return fmt.Errorf("hash must be exactly 32 bytes")
	}

	d.mu.Lock()
	d.provided[fmt.Sprintf("%x", hash)] = append([]byte(nil), hash...)
	d.mu.Unlock()

	return d.announceProviding(ctx, hash)
}

func (d *DHT) announceProviding(ctx context.Context, hash []byte) error {
	targetID := NodeID(blake3.Sum256(hash))
	nodes := d.GetClosestNodes(targetID, d.alpha)

	// Also record locally: a lookup of our own providers should find us even
	// with zero peers in the routing table.
	d.recordProvider(&ProviderRecord{
		V:        1,
		Hash:     hash,
		Provider: d.identity.PeerID(),
		Addrs:    d.localNode.Addrs,
		Expire:   uint64(time.Now().Add(constants.ProviderRecordTTL).UnixMilli()),
	})

	if len(nodes) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			seq := d.nextSeq()
			frame := wire.NewStartProvidingFrame(d.identity.PeerID(), seq, hash)
			if err := d.network.SendMessage(gctx, node, frame); err != nil {
				log.Debug().Err(err).Str("peer", node.PeerID).Msg("start-providing announce failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// StopProviding removes hash from the set this node republishes.
func (d *DHT) StopProviding(hash []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.provided, fmt.Sprintf("%x", hash))
}

// GetProviders performs get_providers: merge the local provider cache with
// responses from the alpha closest nodes to hash.
func (d *DHT) GetProviders(ctx context.Context, hash []byte) ([]string, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be exactly 32 bytes")
	}

	seen := make(map[string]struct{})
	for _, p := range d.localProviders(hash) {
		seen[p] = struct{}{}
	}

	targetID := NodeID(blake3.Sum256(hash))
	nodes := d.GetClosestNodes(targetID, d.alpha)

	if len(nodes) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, node := range nodes {
			node := node
			g.Go(func() error {
				providers, err := d.getProvidersFromNode(gctx, node, hash)
				if err != nil {
					return nil
				}
				mu.Lock()
				for _, p := range providers {
					seen[p] = struct{}{}
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	providers := make([]string, 0, len(seen))
	for p := range seen {
		providers = append(providers, p)
	}
	return providers, nil
}

func (d *DHT) getProvidersFromNode(ctx context.Context, node *Node, hash []byte) ([]string, error) {
	seq := d.nextSeq()
	awaiter := d.providersAwaiters.Await(seq)

	frame := wire.NewGetProvidersFrame(d.identity.PeerID(), seq, hash)
	if err := d.network.SendMessage(ctx, node, frame); err != nil {
		d.providersAwaiters.Forget(seq)
		return nil, err
	}

	getCtx, cancel := context.WithTimeout(ctx, constants.DHTGetTimeout)
	defer cancel()

	select {
	case res, ok := <-awaiter:
		if !ok {
			return nil, fmt.Errorf("cancelled")
		}
		return res.providers, nil
	case <-getCtx.Done():
		d.providersAwaiters.Cancel(seq)
		return nil, getCtx.Err()
	}
}

func (d *DHT) maintenanceLoop() {
	defer close(d.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	republishTicker := time.NewTicker(constants.ProviderRecordTTL - constants.ProviderRepublishMargin)
	defer republishTicker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.performMaintenance()
		case <-republishTicker.C:
			d.republishProvided()
		}
	}
}

// republishProvided re-announces every hash this node provides, so the
// provider record survives past its TTL for as long as the content stays
// registered locally (resolves the republish-cadence question: on write and
// periodically thereafter, never on read).
func (d *DHT) republishProvided() {
	d.mu.RLock()
	hashes := make([][]byte, 0, len(d.provided))
	for _, h := range d.provided {
		hashes = append(hashes, h)
	}
	d.mu.RUnlock()

	for _, hash := range hashes {
		if err := d.announceProviding(d.backgroundCtx(), hash); err != nil {
			log.Debug().Err(err).Str("hash", fmt.Sprintf("%x", hash)).Msg("provider record republish failed")
		}
	}
}

func (d *DHT) performMaintenance() {
	removed := d.routingTable.RemoveStale(constants.RoutingStaleAfter)
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("evicted stale routing table entries")
	}
	d.pruneExpired()
}

func (d *DHT) pruneExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, record := range d.storage {
		if record.IsExpired() {
			delete(d.storage, key)
		}
	}
	for hashHex, byPeer := range d.providers {
		for peerID, rec := range byPeer {
			if rec.IsExpired() {
				delete(byPeer, peerID)
			}
		}
		if len(byPeer) == 0 {
			delete(d.providers, hashHex)
		}
	}
}

// HandleMessage dispatches an inbound frame addressed to the DHT engine.
func (d *DHT) HandleMessage(frame *wire.BaseFrame) error {
	if !d.security.AllowRequest(frame.From) {
		return fmt.Errorf("request from %s denied by security policy", frame.From)
	}

	switch frame.Kind {
	case constants.KindPing:
		return d.handlePing(frame)
	case constants.KindPong:
		return d.handlePong(frame)
	case constants.KindDHTGet:
		return d.handleDHTGet(frame)
	case constants.KindDHTPut:
		return d.handleDHTPut(frame)
	case constants.KindDHTGetResponse:
		return d.handleDHTGetResponse(frame)
	case constants.KindDHTPutResponse:
		return d.handleDHTPutResponse(frame)
	case constants.KindAnnouncePresence:
		return d.handleAnnouncePresence(frame)
	case constants.KindStartProviding:
		return d.handleStartProviding(frame)
	case constants.KindGetProviders:
		return d.handleGetProviders(frame)
	case constants.KindProvidersFound:
		return d.handleProvidersFound(frame)
	default:
		return fmt.Errorf("unsupported DHT message kind: %d", frame.Kind)
	}
}

func (d *DHT) handlePing(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.PingBody)
	if !ok {
		return fmt.Errorf("invalid ping body")
	}

	node := d.routingTable.Get(NewNodeID(frame.From))
	if node == nil {
		return nil
	}
	resp := wire.NewPongFrame(d.identity.PeerID(), frame.Seq, body.Token)
	return d.network.SendMessage(d.backgroundCtx(), node, resp)
}

func (d *DHT) handlePong(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.PongBody)
	if !ok {
		return fmt.Errorf("invalid pong body")
	}
	d.pongAwaiters.Resolve(frame.Seq, pongResult{token: body.Token})
	return nil
}

func (d *DHT) handleProvidersFound(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.ProvidersFoundBody)
	if !ok {
		return fmt.Errorf("invalid providers-found body")
	}
	d.providersAwaiters.Resolve(frame.Seq, providersResult{providers: body.Providers})
	return nil
}

func (d *DHT) handleDHTGet(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTGetBody)
	if !ok {
		return fmt.Errorf("invalid DHT GET body")
	}

	d.mu.RLock()
	record, exists := d.storage[string(body.Key)]
	d.mu.RUnlock()

	var records []wire.DHTRecordWire
	if exists && !record.IsExpired() {
		records = []wire.DHTRecordWire{{
			Value:  record.Value,
			Sig:    record.Sig,
			Expire: record.Expire,
		}}
	}

	node := d.routingTable.Get(NewNodeID(frame.From))
	if node == nil {
		return nil // can't reply without a return address
	}
	resp := wire.NewDHTGetResponseFrame(d.identity.PeerID(), frame.Seq, records)
	return d.network.SendMessage(d.backgroundCtx(), node, resp)
}

func (d *DHT) handleDHTPut(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTPutBody)
	if !ok {
		return fmt.Errorf("invalid DHT PUT body")
	}

	d.mu.Lock()
	d.storage[string(body.Key)] = &SignedRecord{
		V:      1,
		Key:    body.Key,
		Value:  body.Value,
		Expire: uint64(time.Now().Add(constants.DHTRecordTTL).UnixMilli()),
		Sig:    body.Sig,
	}
	d.mu.Unlock()

	node := d.routingTable.Get(NewNodeID(frame.From))
	if node == nil {
		return nil
	}
	resp := wire.NewDHTPutResponseFrame(d.identity.PeerID(), frame.Seq, true)
	return d.network.SendMessage(d.backgroundCtx(), node, resp)
}

func (d *DHT) handleDHTGetResponse(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTGetResponseBody)
	if !ok {
		return fmt.Errorf("invalid DHT GET response body")
	}
	node := d.routingTable.Get(NewNodeID(frame.From))
	d.getAwaiters.Resolve(frame.Seq, getResult{from: node, records: body.Records})
	return nil
}

func (d *DHT) handleDHTPutResponse(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTPutResponseBody)
	if !ok {
		return fmt.Errorf("invalid DHT PUT response body")
	}
	d.putAwaiters.Resolve(frame.Seq, putResult{stored: body.Stored})
	return nil
}

func (d *DHT) handleAnnouncePresence(frame *wire.BaseFrame) error {
	presence, ok := frame.Body.(*wire.AnnouncePresenceBody)
	if !ok {
		return fmt.Errorf("invalid presence announcement body")
	}
	node := NewNode(presence.PeerID, presence.Addrs)
	node.UpdateLastSeen()
	d.AddNode(node)
	log.Debug().Str("peer", presence.PeerID).Msg("added node from presence announcement")
	return nil
}

func (d *DHT) handleStartProviding(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.StartProvidingBody)
	if !ok {
		return fmt.Errorf("invalid start-providing body")
	}

	node := d.routingTable.Get(NewNodeID(frame.From))
	addrs := []string{}
	if node != nil {
		addrs = node.Addrs
	}

	d.recordProvider(&ProviderRecord{
		V:        1,
		Hash:     body.Hash,
		Provider: frame.From,
		Addrs:    addrs,
		Expire:   uint64(time.Now().Add(constants.ProviderRecordTTL).UnixMilli()),
	})
	return nil
}

func (d *DHT) handleGetProviders(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.GetProvidersBody)
	if !ok {
		return fmt.Errorf("invalid get-providers body")
	}

	providers := d.localProviders(body.Hash)

	node := d.routingTable.Get(NewNodeID(frame.From))
	if node == nil {
		return nil
	}
	resp := wire.NewProvidersFoundFrame(d.identity.PeerID(), frame.Seq, body.Hash, providers)
	return d.network.SendMessage(d.backgroundCtx(), node, resp)
}

func (d *DHT) recordProvider(record *ProviderRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hashHex := fmt.Sprintf("%x", record.Hash)
	byPeer, ok := d.providers[hashHex]
	if !ok {
		byPeer = make(map[string]*ProviderRecord)
		d.providers[hashHex] = byPeer
	}
	byPeer[record.Provider] = record
}

func (d *DHT) localProviders(hash []byte) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	hashHex := fmt.Sprintf("%x", hash)
	byPeer, ok := d.providers[hashHex]
	if !ok {
		return nil
	}

	providers := make([]string, 0, len(byPeer))
	for peerID, rec := range byPeer {
		if !rec.IsExpired() {
			providers = append(providers, peerID)
		}
	}
	return providers
}

// GetSecurityStats returns security-related statistics.
func (d *DHT) GetSecurityStats() map[string]interface{} {
	return d.security.GetStats()
}

// GetNetworkInterface returns the network interface in use.
func (d *DHT) GetNetworkInterface() NetworkInterface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.network
}

func (d *DHT) nextSeq() uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq++
	return d.seq
}

func (d *DHT) backgroundCtx() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}
