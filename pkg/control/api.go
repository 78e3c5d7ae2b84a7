// Package control implements the local control API: a JSON-over-TCP
// command surface an embedder drives to operate a node (publish files,
// search for content, start/cancel downloads, inspect peers).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"chiral-network/core/internal/dht"
	"chiral-network/core/pkg/agent"
	"chiral-network/core/pkg/content"
	"chiral-network/core/pkg/logging"
)

var log = logging.For("control")

// Request represents a control API request.
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server: one JSON request/response per
// line over a persistent TCP connection.
type Server struct {
	mu    sync.RWMutex
	agent *agent.Agent
}

// NewServer creates a control API server fronting agent.
func NewServer(a *agent.Agent) *Server {
	return &Server{agent: a}
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}

		response := s.handleRequest(request)
		if err := encoder.Encode(response); err != nil {
			return
		}
	}
}

func errResponse(id, format string, args ...interface{}) Response {
	return Response{ID: id, Error: fmt.Sprintf(format, args...)}
}

// handleRequest dispatches a single request to its method handler, per
// spec §6.1's embedder command surface.
func (s *Server) handleRequest(request Request) Response {
	switch request.Method {
	case "get_info":
		return s.handleGetInfo(request)
	case "list_peers":
		return s.handleListPeers(request)
	case "seeds.list":
		return s.handleSeedsList(request)
	case "seeds.add":
		return s.handleSeedsAdd(request)
	case "dht_put":
		return s.handleDHTPut(request)
	case "dht_get":
		return s.handleDHTGet(request)
	case "register_shared_file":
		return s.handleRegisterSharedFile(request)
	case "publish_file":
		return s.handlePublishFile(request)
	case "search_file":
		return s.handleSearchFile(request)
	case "start_download":
		return s.handleStartDownload(request)
	case "cancel_download":
		return s.handleCancelDownload(request)
	default:
		return errResponse(request.ID, "unknown method: %s", request.Method)
	}
}

func (s *Server) handleGetInfo(request Request) Response {
	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"peer_id": s.agent.PeerID(),
			"state":   s.agent.State().String(),
		},
	}
}

func (s *Server) handleListPeers(request Request) Response {
	nodes := s.agent.DHT().GetAllNodes()
	peers := make([]map[string]interface{}, len(nodes))
	for i, node := range nodes {
		peers[i] = map[string]interface{}{
			"peer_id":   node.PeerID,
			"addrs":     node.Addrs,
			"liveness":  node.Liveness.String(),
			"last_seen": node.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"peers": peers}}
}

func (s *Server) handleSeedsList(request Request) Response {
	seeds := s.agent.Bootstrap()
	if seeds == nil {
		return errResponse(request.ID, "bootstrap not available")
	}
	seedNodes := seeds.GetSeedNodes()
	out := make([]map[string]interface{}, len(seedNodes))
	for i, seed := range seedNodes {
		out[i] = map[string]interface{}{
			"peer_id": seed.PeerID,
			"addrs":   seed.Addrs,
			"name":    seed.Name,
		}
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"seeds": out}}
}

func (s *Server) handleSeedsAdd(request Request) Response {
	bootstrap := s.agent.Bootstrap()
	if bootstrap == nil {
		return errResponse(request.ID, "bootstrap not available")
	}

	peerID, ok := request.Params["peer_id"].(string)
	if !ok || peerID == "" {
		return errResponse(request.ID, "peer_id parameter is required")
	}

	addrs, err := stringSlice(request.Params["addrs"])
	if err != nil {
		return errResponse(request.ID, "%v", err)
	}

	name, _ := request.Params["name"].(string)

	if err := bootstrap.AddSeedNode(&dht.SeedNode{PeerID: peerID, Addrs: addrs, Name: name}); err != nil {
		return errResponse(request.ID, "failed to add seed node: %v", err)
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"success": true}}
}

func (s *Server) handleDHTPut(request Request) Response {
	key, err := decodeHexParam(request.Params, "key")
	if err != nil {
		return errResponse(request.ID, "%v", err)
	}
	value, err := decodeHexParam(request.Params, "value")
	if err != nil {
		return errResponse(request.ID, "%v", err)
	}

	if err := s.agent.DHT().Put(context.Background(), key, value); err != nil {
		return errResponse(request.ID, "dht_put failed: %v", err)
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"success": true}}
}

func (s *Server) handleDHTGet(request Request) Response {
	key, err := decodeHexParam(request.Params, "key")
	if err != nil {
		return errResponse(request.ID, "%v", err)
	}

	value, err := s.agent.DHT().Get(context.Background(), key)
	if err != nil {
		return errResponse(request.ID, "dht_get failed: %v", err)
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"value": encodeHex(value)}}
}

func (s *Server) handleRegisterSharedFile(request Request) Response {
	path, ok := request.Params["path"].(string)
	if !ok || path == "" {
		return errResponse(request.ID, "path parameter is required")
	}

	hash, err := s.agent.Orchestrator().Put(path)
	if err != nil {
		return errResponse(request.ID, "register_shared_file failed: %v", err)
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"hash": string(hash)}}
}

func (s *Server) handlePublishFile(request Request) Response {
	hashStr, ok := request.Params["hash"].(string)
	if !ok || hashStr == "" {
		return errResponse(request.ID, "hash parameter is required")
	}

	if err := s.agent.Orchestrator().Publish(content.Hash(hashStr)); err != nil {
		return errResponse(request.ID, "publish_file failed: %v", err)
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"success": true}}
}

func (s *Server) handleSearchFile(request Request) Response {
	hashStr, ok := request.Params["hash"].(string)
	if !ok || hashStr == "" {
		return errResponse(request.ID, "hash parameter is required")
	}

	records, err := s.agent.Orchestrator().Lookup(content.Hash(hashStr))
	if err != nil {
		return errResponse(request.ID, "search_file failed: %v", err)
	}

	providers := make([]string, len(records))
	for i, r := range records {
		providers[i] = r.Provider
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"providers": providers}}
}

func (s *Server) handleStartDownload(request Request) Response {
	hashStr, ok := request.Params["hash"].(string)
	if !ok || hashStr == "" {
		return errResponse(request.ID, "hash parameter is required")
	}
	output, ok := request.Params["output_path"].(string)
	if !ok || output == "" {
		return errResponse(request.ID, "output_path parameter is required")
	}

	// Downloads stream chunk-by-chunk and report progress on the event bus
	// (pkg/events), so this kicks off the transfer asynchronously and
	// returns immediately rather than blocking the control connection for
	// the whole transfer.
	go func() {
		if err := s.agent.Orchestrator().Get(content.Hash(hashStr), output); err != nil {
			log.Warn().Err(err).Str("hash", hashStr).Msg("start_download failed")
		}
	}()

	return Response{ID: request.ID, Result: map[string]interface{}{"started": true}}
}

func (s *Server) handleCancelDownload(request Request) Response {
	hashStr, ok := request.Params["hash"].(string)
	if !ok || hashStr == "" {
		return errResponse(request.ID, "hash parameter is required")
	}

	if err := s.agent.Orchestrator().CancelDownload(content.Hash(hashStr)); err != nil {
		return errResponse(request.ID, "cancel_download failed: %v", err)
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"cancelled": true}}
}

func stringSlice(v interface{}) ([]string, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an array of strings")
	}
	out := make([]string, len(list))
	for i, item := range list {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("all elements must be strings")
		}
		out[i] = str
	}
	return out, nil
}
