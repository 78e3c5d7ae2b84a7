package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chiral-network/core/pkg/agent"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/transport/tcp"
)

func testAgent(t *testing.T) *agent.Agent {
	t.Helper()
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate test identity: %v", err)
	}
	a, err := agent.New(agent.Config{
		Identity:   id,
		Transport:  tcp.New(),
		ListenAddr: "127.0.0.1:0",
		ChunkDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create test agent: %v", err)
	}
	return a
}

// dial starts a server fronting a freshly created test agent and returns a
// connection to it plus a cleanup that tears both down.
func dial(t *testing.T) (net.Conn, func()) {
	t.Helper()
	a := testAgent(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}

	server := NewServer(a)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx, listener)

	time.Sleep(10 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		cancel()
		listener.Close()
		t.Fatalf("failed to connect to server: %v", err)
	}

	return conn, func() {
		conn.Close()
		cancel()
		listener.Close()
		_ = a.Stop(context.Background())
	}
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp
}

func TestControlAPIServerAcceptsConnections(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{Method: "get_info", ID: "1"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
}

func TestGetInfo(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{Method: "get_info", ID: "info-1"})
	if resp.ID != "info-1" {
		t.Errorf("expected response ID 'info-1', got %s", resp.ID)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result to be a map, got %T", resp.Result)
	}
	if result["peer_id"] == "" || result["peer_id"] == nil {
		t.Error("expected peer_id in result")
	}
	if result["state"] != "running" {
		t.Errorf("expected state 'running', got %v", result["state"])
	}
}

func TestListPeers(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{Method: "list_peers", ID: "peers-1"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result to be a map, got %T", resp.Result)
	}
	peers, ok := result["peers"].([]interface{})
	if !ok {
		t.Fatalf("expected peers to be an array, got %T", result["peers"])
	}
	if len(peers) != 0 {
		t.Errorf("expected no peers on a freshly started node, got %d", len(peers))
	}
}

func TestDHTPutGetRoundTrip(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	key := hex.EncodeToString([]byte("file:deadbeef"))
	value := hex.EncodeToString([]byte("hello world"))

	putResp := roundTrip(t, conn, Request{
		Method: "dht_put",
		ID:     "put-1",
		Params: map[string]interface{}{"key": key, "value": value},
	})
	if putResp.Error != "" {
		t.Fatalf("dht_put failed: %s", putResp.Error)
	}

	getResp := roundTrip(t, conn, Request{
		Method: "dht_get",
		ID:     "get-1",
		Params: map[string]interface{}{"key": key},
	})
	if getResp.Error != "" {
		t.Fatalf("dht_get failed: %s", getResp.Error)
	}
	result, ok := getResp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result to be a map, got %T", getResp.Result)
	}
	if result["value"] != value {
		t.Errorf("expected value %q, got %v", value, result["value"])
	}
}

func TestDHTGetMissingKeyErrors(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{
		Method: "dht_get",
		ID:     "get-missing",
		Params: map[string]interface{}{"key": hex.EncodeToString([]byte("file:never-published"))},
	})
	if resp.Error == "" {
		t.Error("expected an error for an unknown DHT key")
	}
}

func TestRegisterAndPublishSharedFile(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello, shared file"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	registerResp := roundTrip(t, conn, Request{
		Method: "register_shared_file",
		ID:     "register-1",
		Params: map[string]interface{}{"path": path},
	})
	if registerResp.Error != "" {
		t.Fatalf("register_shared_file failed: %s", registerResp.Error)
	}
	result, ok := registerResp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result to be a map, got %T", registerResp.Result)
	}
	hash, _ := result["hash"].(string)
	if hash == "" {
		t.Fatal("expected a non-empty content hash")
	}

	publishResp := roundTrip(t, conn, Request{
		Method: "publish_file",
		ID:     "publish-1",
		Params: map[string]interface{}{"hash": hash},
	})
	if publishResp.Error != "" {
		t.Fatalf("publish_file failed: %s", publishResp.Error)
	}

	searchResp := roundTrip(t, conn, Request{
		Method: "search_file",
		ID:     "search-1",
		Params: map[string]interface{}{"hash": hash},
	})
	if searchResp.Error != "" {
		t.Fatalf("search_file failed: %s", searchResp.Error)
	}
}

func TestMissingRequiredParamsError(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	for _, req := range []Request{
		{Method: "dht_put", ID: "a", Params: map[string]interface{}{"key": "00"}},
		{Method: "register_shared_file", ID: "b"},
		{Method: "publish_file", ID: "c"},
		{Method: "search_file", ID: "d"},
		{Method: "start_download", ID: "e", Params: map[string]interface{}{"hash": "abc"}},
		{Method: "cancel_download", ID: "f"},
	} {
		resp := roundTrip(t, conn, req)
		if resp.Error == "" {
			t.Errorf("method %s: expected an error for missing required params", req.Method)
		}
	}
}

func TestUnknownMethodErrors(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{Method: "not_a_real_method", ID: "x"})
	if resp.Error == "" {
		t.Error("expected an error for an unknown method")
	}
}

func TestSeedsListStartsEmpty(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{Method: "seeds.list", ID: "seeds-1"})
	if resp.Error != "" {
		t.Fatalf("seeds.list failed: %s", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result to be a map, got %T", resp.Result)
	}
	seeds, ok := result["seeds"].([]interface{})
	if !ok {
		t.Fatalf("expected seeds to be an array, got %T", result["seeds"])
	}
	if len(seeds) != 0 {
		t.Errorf("expected no seed nodes on a freshly started node, got %d", len(seeds))
	}
}

func TestSeedsAddThenList(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	addResp := roundTrip(t, conn, Request{
		Method: "seeds.add",
		ID:     "seeds-add-1",
		Params: map[string]interface{}{
			"peer_id": "peer:deadbeef",
			"addrs":   []interface{}{"127.0.0.1:9000"},
			"name":    "bootstrap-1",
		},
	})
	if addResp.Error != "" {
		t.Fatalf("seeds.add failed: %s", addResp.Error)
	}

	listResp := roundTrip(t, conn, Request{Method: "seeds.list", ID: "seeds-list-1"})
	if listResp.Error != "" {
		t.Fatalf("seeds.list failed: %s", listResp.Error)
	}
	result := listResp.Result.(map[string]interface{})
	seeds := result["seeds"].([]interface{})
	if len(seeds) != 1 {
		t.Fatalf("expected 1 seed node, got %d", len(seeds))
	}
	seed := seeds[0].(map[string]interface{})
	if seed["peer_id"] != "peer:deadbeef" {
		t.Errorf("expected peer_id 'peer:deadbeef', got %v", seed["peer_id"])
	}
	if seed["name"] != "bootstrap-1" {
		t.Errorf("expected name 'bootstrap-1', got %v", seed["name"])
	}
}

func TestSeedsAddRequiresPeerID(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{
		Method: "seeds.add",
		ID:     "seeds-add-bad",
		Params: map[string]interface{}{"addrs": []interface{}{"127.0.0.1:9000"}},
	})
	if resp.Error == "" {
		t.Error("expected an error when peer_id is missing")
	}
}

func TestCancelDownloadIsIdempotentOnUnknownHash(t *testing.T) {
	conn, cleanup := dial(t)
	defer cleanup()

	resp := roundTrip(t, conn, Request{
		Method: "cancel_download",
		ID:     "cancel-1",
		Params: map[string]interface{}{"hash": "0000000000000000000000000000000000000000000000000000000000000000"},
	})
	if resp.Error != "" {
		t.Fatalf("cancel_download on an unknown hash should be a no-op, got error: %s", resp.Error)
	}
}
