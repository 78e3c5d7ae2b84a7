// Package agent wires identity, the DHT, the file-transfer engine, and
// local discovery into a single running node.
package agent

import (
	"context"

	"chiral-network/core/internal/dht"
	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/network"
	"chiral-network/core/pkg/wire"
)

// DHTNetworkAdapter adapts a network.Manager to dht.NetworkInterface: the
// DHT addresses peers by *dht.Node (which carries known addresses), so
// sends always carry the dial hints the manager needs when no connection
// is pooled yet.
type DHTNetworkAdapter struct {
	manager *network.Manager
}

// NewDHTNetworkAdapter adapts manager for use as a DHT's NetworkInterface.
func NewDHTNetworkAdapter(manager *network.Manager) *DHTNetworkAdapter {
	return &DHTNetworkAdapter{manager: manager}
}

// SendMessage implements dht.NetworkInterface.
func (a *DHTNetworkAdapter) SendMessage(ctx context.Context, target *dht.Node, frame *wire.BaseFrame) error {
	return a.manager.Send(ctx, target.PeerID, target.Addrs, frame)
}

// BroadcastMessage implements dht.NetworkInterface.
func (a *DHTNetworkAdapter) BroadcastMessage(ctx context.Context, frame *wire.BaseFrame) error {
	return a.manager.Broadcast(ctx, frame)
}

// PeerNetworkAdapter adapts a network.Manager to content.PeerSender: the
// file-transfer layer addresses peers by peer-ID alone, resolved against
// addresses the manager already learned from prior DHT traffic.
type PeerNetworkAdapter struct {
	manager *network.Manager
}

// NewPeerNetworkAdapter adapts manager for use as a content.PeerSender.
func NewPeerNetworkAdapter(manager *network.Manager) *PeerNetworkAdapter {
	return &PeerNetworkAdapter{manager: manager}
}

// SendMessage implements content.PeerSender.
func (a *PeerNetworkAdapter) SendMessage(ctx context.Context, peerID string, frame *wire.BaseFrame) error {
	return a.manager.Send(ctx, peerID, nil, frame)
}

// Dispatcher routes an inbound frame to the DHT or the file-transfer
// handlers by its Kind, implementing network.Handler.
type Dispatcher struct {
	dht      *dht.DHT
	seeder   dhtRequestHandler
	download dhtResponseHandler
}

// dhtRequestHandler is the subset of *content.Seeder the dispatcher needs.
type dhtRequestHandler interface {
	HandleFileInfoRequest(ctx context.Context, frame *wire.BaseFrame) error
	HandleChunkRequest(ctx context.Context, frame *wire.BaseFrame) error
}

// dhtResponseHandler is the subset of *content.Downloader the dispatcher needs.
type dhtResponseHandler interface {
	HandleFileInfoResponse(frame *wire.BaseFrame) error
	HandleChunkResponse(frame *wire.BaseFrame) error
}

// NewDispatcher creates a frame dispatcher for a running node. seeder and
// download may be nil if this node neither serves nor requests content.
func NewDispatcher(d *dht.DHT, seeder dhtRequestHandler, download dhtResponseHandler) *Dispatcher {
	return &Dispatcher{dht: d, seeder: seeder, download: download}
}

// HandleMessage implements network.Handler.
func (r *Dispatcher) HandleMessage(frame *wire.BaseFrame) error {
	switch frame.Kind {
	case constants.KindFileInfoReq:
		if r.seeder != nil {
			return r.seeder.HandleFileInfoRequest(context.Background(), frame)
		}
		return nil
	case constants.KindFileInfoResp:
		if r.download != nil {
			return r.download.HandleFileInfoResponse(frame)
		}
		return nil
	case constants.KindChunkReq:
		if r.seeder != nil {
			return r.seeder.HandleChunkRequest(context.Background(), frame)
		}
		return nil
	case constants.KindChunkResp:
		if r.download != nil {
			return r.download.HandleChunkResponse(frame)
		}
		return nil
	default:
		return r.dht.HandleMessage(frame)
	}
}
