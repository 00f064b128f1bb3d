package service

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/mcastellin/lancom/pkg/codec"
	"github.com/mcastellin/lancom/pkg/nodeinfo"
	"github.com/mcastellin/lancom/pkg/transport"
)

func newTestStore(t *testing.T) *nodeinfo.Store {
	t.Helper()
	return nodeinfo.New(nodeinfo.Config{
		LocalNodeID: "11111111-1111-1111-1111-111111111111",
		LocalName:   "test-node",
		LocalIP:     "127.0.0.1",
		Fetcher: func(ctx context.Context, ip string, port int) (nodeinfo.NodeInfo, error) {
			return nodeinfo.NodeInfo{}, errors.New("unused in this test")
		},
	})
}

// roundTrip sends a two-frame request to mgr and returns the two-frame
// reply, giving PollOnce enough time to service it.
func roundTrip(t *testing.T, mgr *Manager, endpoint string, name string, payload []byte) [][]byte {
	t.Helper()
	req, err := transport.NewReq(endpoint)
	if err != nil {
		t.Fatalf("dial req socket: %v", err)
	}
	defer req.Close()

	if err := req.SendFrames([]byte(name), payload); err != nil {
		t.Fatalf("send request: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.PollOnce()
	}()

	if err := req.Poll(2 * time.Second); err != nil {
		t.Fatalf("waiting for reply: %v", err)
	}
	frames, err := req.RecvFrames()
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	<-done
	return frames
}

func TestGetNodeInfoBuiltinRoundTrips(t *testing.T) {
	store := newTestStore(t)
	mgr, port, err := New("127.0.0.1", store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	endpoint := endpointFor("127.0.0.1", port)
	frames := roundTrip(t, mgr, endpoint, "get_node_info", nil)
	if len(frames) < 2 {
		t.Fatalf("expected 2 reply frames, got %d", len(frames))
	}
	if string(frames[0]) != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %q", frames[0])
	}
	info, err := codec.Decode[nodeinfo.NodeInfo](frames[1])
	if err != nil {
		t.Fatalf("decode reply payload: %v", err)
	}
	if info.Name != "test-node" {
		t.Fatalf("expected local node name, got %q", info.Name)
	}
}

func TestDispatchReturnsNoServiceForUnknownName(t *testing.T) {
	store := newTestStore(t)
	mgr, port, err := New("127.0.0.1", store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	frames := roundTrip(t, mgr, endpointFor("127.0.0.1", port), "does_not_exist", nil)
	if string(frames[0]) != StatusNoService {
		t.Fatalf("expected NOSERVICE, got %q", frames[0])
	}
}

func TestDispatchRecoversPanickingHandler(t *testing.T) {
	store := newTestStore(t)
	mgr, port, err := New("127.0.0.1", store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	mgr.Register("boom", func([]byte) Response {
		panic("handler exploded")
	})

	frames := roundTrip(t, mgr, endpointFor("127.0.0.1", port), "boom", nil)
	if string(frames[0]) != StatusServiceFail {
		t.Fatalf("expected SERVICE_FAIL, got %q", frames[0])
	}
}

func TestWrapTypedMapsDecodeAndHandlerErrors(t *testing.T) {
	store := newTestStore(t)
	mgr, port, err := New("127.0.0.1", store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	mgr.Register("echo", WrapTyped(func(req string) (string, error) {
		if req == "fail" {
			return "", errors.New("boom")
		}
		return req + "-pong", nil
	}))

	payload, _ := codec.Encode("ping")
	frames := roundTrip(t, mgr, endpointFor("127.0.0.1", port), "echo", payload)
	if string(frames[0]) != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %q", frames[0])
	}
	out, err := codec.Decode[string](frames[1])
	if err != nil || out != "ping-pong" {
		t.Fatalf("expected ping-pong, got %q err=%v", out, err)
	}

	badPayload, _ := codec.Encode("fail")
	frames = roundTrip(t, mgr, endpointFor("127.0.0.1", port), "echo", badPayload)
	if string(frames[0]) != StatusServiceFail {
		t.Fatalf("expected SERVICE_FAIL, got %q", frames[0])
	}

	// An Empty payload cannot decode into the handler's string request.
	emptyPayload, _ := codec.Encode(codec.Empty{})
	frames = roundTrip(t, mgr, endpointFor("127.0.0.1", port), "echo", emptyPayload)
	if string(frames[0]) != StatusInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %q", frames[0])
	}
}

func TestPollOnceDropsRequestMissingPayloadFrame(t *testing.T) {
	store := newTestStore(t)
	mgr, port, err := New("127.0.0.1", store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	req, err := transport.NewReq(endpointFor("127.0.0.1", port))
	if err != nil {
		t.Fatalf("dial req socket: %v", err)
	}
	defer req.Close()

	if err := req.Send([]byte("get_node_info")); err != nil {
		t.Fatalf("send single-frame request: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.PollOnce()
	}()
	<-done

	if err := req.Poll(100 * time.Millisecond); err == nil {
		t.Fatal("expected no reply for a request missing its payload frame")
	}
}

func endpointFor(ip string, port int) string {
	return "tcp://" + ip + ":" + strconv.Itoa(port)
}
