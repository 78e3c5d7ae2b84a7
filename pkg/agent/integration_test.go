package agent

import (
	"context"
	"testing"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/wire"
)

// fakeSeeder and fakeDownloader record which handler the dispatcher invoked,
// so the routing test can assert on frame.Kind alone without wiring a real
// Seeder/Downloader (which need a registry and a live PeerSender).
type fakeSeeder struct {
	fileInfoCalls int
	chunkCalls    int
}

func (f *fakeSeeder) HandleFileInfoRequest(ctx context.Context, frame *wire.BaseFrame) error {
	f.fileInfoCalls++
	return nil
}

func (f *fakeSeeder) HandleChunkRequest(ctx context.Context, frame *wire.BaseFrame) error {
	f.chunkCalls++
	return nil
}

type fakeDownloader struct {
	fileInfoCalls int
	chunkCalls    int
}

func (f *fakeDownloader) HandleFileInfoResponse(frame *wire.BaseFrame) error {
	f.fileInfoCalls++
	return nil
}

func (f *fakeDownloader) HandleChunkResponse(frame *wire.BaseFrame) error {
	f.chunkCalls++
	return nil
}

// TestDispatcherRoutesByKind verifies the dispatcher sends file-transfer
// frames to the seeder or downloader by Kind and falls through to the DHT
// for everything else (§4.5: one dispatch point per protocol id).
func TestDispatcherRoutesByKind(t *testing.T) {
	dhtNode := newTestDHT(t)
	seeder := &fakeSeeder{}
	downloader := &fakeDownloader{}
	dispatcher := NewDispatcher(dhtNode, seeder, downloader)

	cases := []struct {
		name string
		kind uint16
		want func() int
	}{
		{"file_info_request", constants.KindFileInfoReq, func() int { return seeder.fileInfoCalls }},
		{"chunk_request", constants.KindChunkReq, func() int { return seeder.chunkCalls }},
		{"file_info_response", constants.KindFileInfoResp, func() int { return downloader.fileInfoCalls }},
		{"chunk_response", constants.KindChunkResp, func() int { return downloader.chunkCalls }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.want()
			frame := wire.NewBaseFrame(tc.kind, "peer-under-test", 1, nil)
			if err := dispatcher.HandleMessage(frame); err != nil {
				t.Fatalf("dispatcher returned error: %v", err)
			}
			if after := tc.want(); after != before+1 {
				t.Errorf("expected handler call count to increase by 1, got %d -> %d", before, after)
			}
		})
	}
}

// TestDispatcherFallsThroughToDHT checks that a non-file-transfer frame
// (e.g. a DHT ping) reaches the DHT's own HandleMessage instead of being
// swallowed, and that a nil seeder/downloader doesn't panic.
func TestDispatcherFallsThroughToDHT(t *testing.T) {
	dhtNode := newTestDHT(t)
	dispatcher := NewDispatcher(dhtNode, nil, nil)

	frame := wire.NewBaseFrame(constants.KindPing, "peer-under-test", 1, &wire.PingBody{Token: []byte("probe")})
	if err := dispatcher.HandleMessage(frame); err != nil {
		t.Fatalf("dispatcher returned error for DHT frame: %v", err)
	}

	// Frames addressed to a nil seeder/downloader must not panic.
	infoFrame := wire.NewBaseFrame(constants.KindFileInfoReq, "peer-under-test", 1, nil)
	if err := dispatcher.HandleMessage(infoFrame); err != nil {
		t.Fatalf("dispatcher returned error with nil seeder: %v", err)
	}
}
