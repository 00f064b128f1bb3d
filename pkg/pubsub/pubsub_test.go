package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcastellin/lancom/pkg/nodeinfo"
)

func newTestStore(t *testing.T) *nodeinfo.Store {
	t.Helper()
	return nodeinfo.New(nodeinfo.Config{
		LocalNodeID: "22222222-2222-2222-2222-222222222222",
		LocalName:   "pub-test-node",
		LocalIP:     "127.0.0.1",
		Fetcher: func(ctx context.Context, ip string, port int) (nodeinfo.NodeInfo, error) {
			return nodeinfo.NodeInfo{}, errors.New("unused in this test")
		},
	})
}

func TestNewPublisherRegistersLocalTopic(t *testing.T) {
	store := newTestStore(t)
	pub, err := NewPublisher("127.0.0.1", "prices", true, store, nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	if pub.Name() != "lc.local.prices" {
		t.Fatalf("expected namespaced name, got %q", pub.Name())
	}

	sockets := store.GetPublisherInfo("lc.local.prices")
	if len(sockets) != 1 {
		t.Fatalf("expected 1 registered socket, got %d", len(sockets))
	}
	if sockets[0].Port == 0 {
		t.Fatal("expected a nonzero ephemeral port to be registered")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	pub, err := NewPublisher("127.0.0.1", "ticks", false, store, nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	mgr := NewManager(store, nil)
	defer mgr.Close()

	received := make(chan int, 1)
	if err := RegisterTopic(mgr, "ticks", func(v int) {
		received <- v
	}); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	// ZeroMQ PUB/SUB connections take a moment to complete their async
	// handshake; retry publishing until the subscriber has picked it up
	// or the deadline passes, rather than relying on a fixed sleep.
	deadline := time.Now().Add(3 * time.Second)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for time.Now().Before(deadline) {
			mgr.PollOnce()
		}
	}()

	for time.Now().Before(deadline) {
		if err := Publish(pub, 42); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case v := <-received:
			if v != 42 {
				t.Fatalf("expected 42, got %d", v)
			}
			<-pollDone
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("did not receive published message before deadline")
}

func TestOnNodeRemoveDisconnectsURL(t *testing.T) {
	store := newTestStore(t)
	mgr := NewManager(store, nil)
	defer mgr.Close()

	if err := RegisterTopic(mgr, "ticks", func(int) {}); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	peer := nodeinfo.NodeInfo{
		NodeID: "33333333-3333-3333-3333-333333333333",
		Topics: []nodeinfo.SocketInfo{{Name: "ticks", IP: "127.0.0.1", Port: 9999}},
	}

	mgr.onNodeUpdate(peer)
	mgr.mu.Lock()
	_, connected := mgr.subs[0].connectedURLs["tcp://127.0.0.1:9999"]
	mgr.mu.Unlock()
	if !connected {
		t.Fatal("expected URL to be connected after node update")
	}

	mgr.onNodeRemove(peer)
	mgr.mu.Lock()
	_, stillConnected := mgr.subs[0].connectedURLs["tcp://127.0.0.1:9999"]
	mgr.mu.Unlock()
	if stillConnected {
		t.Fatal("expected URL to be disconnected after node remove")
	}
}
