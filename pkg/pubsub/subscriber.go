package pubsub

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/lancom/pkg/codec"
	"github.com/mcastellin/lancom/pkg/nodeinfo"
	"github.com/mcastellin/lancom/pkg/transport"
)

// subscriberPollTimeout bounds how long one socket is polled per subscriber,
// per iteration of Manager.PollOnce (spec.md §4.9's "up to 10ms" figure).
const subscriberPollTimeout = 10 * time.Millisecond

// rawCallback receives one undecoded message frame. RegisterTopic wraps a
// caller's typed callback into one of these so Manager never needs to know
// concrete message types.
type rawCallback func(payload []byte)

type subscriber struct {
	topicName     string
	connectedURLs map[string]struct{}
	callback      rawCallback
	sock          *transport.Socket
}

// Manager tracks every registered subscriber and keeps their SUB-socket
// connections in sync with the node-info store's peer membership, per
// spec.md §4.9.
type Manager struct {
	store  *nodeinfo.Store
	logger *zap.Logger

	mu   sync.Mutex
	subs []*subscriber
}

// NewManager wires onNodeUpdate/onNodeRemove against store's event stream.
func NewManager(store *nodeinfo.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: store, logger: logger}
	store.OnUpdate(m.onNodeUpdate)
	store.OnRemove(m.onNodeRemove)
	return m
}

// RegisterTopic creates a SUB socket for topicName, connects it to every
// currently-known publisher of that topic, and arranges for future
// publishers (discovered via node_update events) to be connected
// automatically. callback is invoked inline, on the polling goroutine, for
// every decoded message received — it must not block or re-enter the
// manager.
func RegisterTopic[T any](m *Manager, topicName string, callback func(T)) error {
	sock, err := transport.NewSub()
	if err != nil {
		return err
	}

	logger := m.logger
	wrapped := rawCallback(func(payload []byte) {
		msg, err := codec.Decode[T](payload)
		if err != nil {
			logger.Warn("subscriber: malformed message, dropping",
				zap.String("topic", topicName), zap.Error(err))
			return
		}
		callback(msg)
	})

	sub := &subscriber{
		topicName:     topicName,
		connectedURLs: map[string]struct{}{},
		callback:      wrapped,
		sock:          sock,
	}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	for _, info := range m.store.GetPublisherInfo(topicName) {
		url := socketURL(info)
		if err := sock.Connect(url); err != nil {
			logger.Warn("subscriber: connect failed",
				zap.String("topic", topicName), zap.String("url", url), zap.Error(err))
			continue
		}
		sub.connectedURLs[url] = struct{}{}
	}

	return nil
}

func (m *Manager) onNodeUpdate(info nodeinfo.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range info.Topics {
		url := socketURL(topic)
		for _, sub := range m.subs {
			if sub.topicName != topic.Name {
				continue
			}
			if _, ok := sub.connectedURLs[url]; ok {
				continue
			}
			if err := sub.sock.Connect(url); err != nil {
				m.logger.Warn("subscriber: connect failed on node update",
					zap.String("topic", topic.Name), zap.String("url", url), zap.Error(err))
				continue
			}
			sub.connectedURLs[url] = struct{}{}
		}
	}
}

func (m *Manager) onNodeRemove(info nodeinfo.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range info.Topics {
		url := socketURL(topic)
		for _, sub := range m.subs {
			if sub.topicName != topic.Name {
				continue
			}
			if _, ok := sub.connectedURLs[url]; !ok {
				continue
			}
			if err := sub.sock.Disconnect(url); err != nil {
				m.logger.Warn("subscriber: disconnect failed on node remove",
					zap.String("topic", topic.Name), zap.String("url", url), zap.Error(err))
			}
			delete(sub.connectedURLs, url)
		}
	}
}

// PollOnce snapshots the subscriber list under lock, then polls each
// socket without holding the lock, invoking callbacks inline for whatever
// is ready. This matches spec.md §4.9: the lock only ever protects the
// list itself, never a poll or recv.
func (m *Manager) PollOnce() {
	m.mu.Lock()
	snapshot := make([]*subscriber, len(m.subs))
	copy(snapshot, m.subs)
	m.mu.Unlock()

	for _, sub := range snapshot {
		if err := sub.sock.Poll(subscriberPollTimeout); err != nil {
			continue
		}
		frames, err := sub.sock.RecvFrames()
		if err != nil {
			m.logger.Warn("subscriber: recv failed",
				zap.String("topic", sub.topicName), zap.Error(err))
			continue
		}
		if len(frames) == 0 {
			continue
		}
		sub.callback(frames[0])
	}
}

// Close tears down every subscriber socket.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		sub.sock.Close()
	}
	m.subs = nil
}

func socketURL(info nodeinfo.SocketInfo) string {
	return fmt.Sprintf("tcp://%s:%d", info.IP, info.Port)
}
