package nodeinfo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrServiceExists is returned by RegisterLocalService when the name is
// already registered. Open Question in spec.md §9 is resolved in favor of
// rejecting duplicates rather than silently replacing the handler.
var ErrServiceExists = errors.New("nodeinfo: service already registered")

// Fetcher performs the blocking discovery RPC (get_node_info) against a
// peer's service endpoint. It is injected so this package never depends on
// the transport/client packages directly — the store only knows how to ask
// "what do you look like", not how the wire call is made.
type Fetcher func(ctx context.Context, ip string, port int) (NodeInfo, error)

// Config configures a new Store.
type Config struct {
	LocalNodeID string
	LocalName   string
	LocalIP     string
	PeerTimeout time.Duration
	Fetcher     Fetcher
	Logger      *zap.Logger
}

// New creates a Store seeded with the local node's identity. PeerTimeout
// defaults to 2 seconds, matching spec.md's default heartbeat timeout.
func New(cfg Config) *Store {
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{
		cfg: cfg,
		local: NodeInfo{
			NodeID: cfg.LocalNodeID,
			Name:   cfg.LocalName,
			IP:     cfg.LocalIP,
		},
		infos:         map[string]NodeInfo{},
		generations:   map[string]uint32{},
		lastHeartbeat: map[string]time.Time{},
		lastFetch:     map[string]time.Time{},
	}
}

// Store is the concurrent peer membership table described in spec.md §3/§4.4.
type Store struct {
	cfg Config

	// peer data, guarded by mu
	mu            sync.RWMutex
	infos         map[string]NodeInfo
	generations   map[string]uint32
	lastHeartbeat map[string]time.Time
	lastFetch     map[string]time.Time

	// local data, guarded by its own mutex so local mutations never
	// contend with peer-table reads.
	localMu sync.Mutex
	local   NodeInfo

	listenersMu sync.Mutex
	onUpdate    []func(NodeInfo)
	onRemove    []func(NodeInfo)
}

// OnUpdate registers a callback invoked synchronously, on the emitting
// goroutine, whenever a peer is added or changes. Callbacks must not block
// or call back into the Store.
func (s *Store) OnUpdate(fn func(NodeInfo)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

// OnRemove registers a callback invoked synchronously whenever a peer is
// removed after a heartbeat timeout.
func (s *Store) OnRemove(fn func(NodeInfo)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

func (s *Store) emitUpdate(info NodeInfo) {
	s.listenersMu.Lock()
	listeners := make([]func(NodeInfo), len(s.onUpdate))
	copy(listeners, s.onUpdate)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(info)
	}
}

func (s *Store) emitRemove(info NodeInfo) {
	s.listenersMu.Lock()
	listeners := make([]func(NodeInfo), len(s.onRemove))
	copy(listeners, s.onRemove)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(info)
	}
}

// ProcessHeartbeat implements spec.md §4.4's processHeartbeat: it updates
// liveness, and for a new-or-changed peer releases the lock and performs a
// blocking discovery RPC via the injected Fetcher before committing the
// peer's full NodeInfo and emitting an update event.
func (s *Store) ProcessHeartbeat(ctx context.Context, nodeID string, infoID uint32, servicePort int, observedIP string) {
	s.mu.Lock()
	s.lastHeartbeat[nodeID] = time.Now()
	gen, known := s.generations[nodeID]
	changed := known && gen != infoID
	isNew := !known
	s.mu.Unlock()

	if !isNew && !changed {
		return
	}

	info, err := s.cfg.Fetcher(ctx, observedIP, servicePort)
	if err != nil {
		s.cfg.Logger.Warn("discovery RPC failed, will retry on next heartbeat",
			zap.String("node_id", nodeID), zap.String("ip", observedIP), zap.Error(err))
		return
	}
	info.IP = observedIP // I3: receiver's observed address always wins over the payload

	s.mu.Lock()
	s.infos[nodeID] = info
	s.generations[nodeID] = infoID
	s.lastFetch[nodeID] = time.Now()
	s.mu.Unlock()

	s.emitUpdate(info.clone())
}

// CheckHeartbeats removes every peer whose last heartbeat is older than the
// configured PeerTimeout and emits a remove event per removed peer. Emission
// happens after the lock is released, per spec.md's re-entrancy note.
func (s *Store) CheckHeartbeats() {
	now := time.Now()

	s.mu.Lock()
	var removed []NodeInfo
	for nodeID, last := range s.lastHeartbeat {
		if now.Sub(last) > s.cfg.PeerTimeout {
			// A peer whose discovery RPC never succeeded has a
			// lastHeartbeat entry but no infos entry; it never fired an
			// added event, so it must not fire a removed one either.
			if info, ok := s.infos[nodeID]; ok {
				removed = append(removed, info)
			}
			delete(s.infos, nodeID)
			delete(s.generations, nodeID)
			delete(s.lastHeartbeat, nodeID)
			delete(s.lastFetch, nodeID)
		}
	}
	s.mu.Unlock()

	for _, info := range removed {
		s.emitRemove(info.clone())
	}
}

// IsLocal reports whether nodeID matches the local node's identity (I5: a
// received heartbeat matching our own id is always ignored by the caller).
func (s *Store) IsLocal(nodeID string) bool {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	return nodeID == s.local.NodeID
}

// GetPublisherInfo returns the union of SocketInfo entries named topicName
// across every known peer and the local node.
func (s *Store) GetPublisherInfo(topicName string) []SocketInfo {
	var out []SocketInfo

	s.mu.RLock()
	for _, info := range s.infos {
		out = append(out, matchingSockets(info.Topics, topicName)...)
	}
	s.mu.RUnlock()

	s.localMu.Lock()
	out = append(out, matchingSockets(s.local.Topics, topicName)...)
	s.localMu.Unlock()

	return out
}

// GetServiceInfo returns the first SocketInfo named serviceName, searching
// peers and the local node. The tie-break when multiple nodes expose the
// same service name is unspecified, matching spec.md §4.4.
func (s *Store) GetServiceInfo(serviceName string) (SocketInfo, bool) {
	s.mu.RLock()
	for _, info := range s.infos {
		if m := matchingSockets(info.Services, serviceName); len(m) > 0 {
			s.mu.RUnlock()
			return m[0], true
		}
	}
	s.mu.RUnlock()

	s.localMu.Lock()
	defer s.localMu.Unlock()
	if m := matchingSockets(s.local.Services, serviceName); len(m) > 0 {
		return m[0], true
	}
	return SocketInfo{}, false
}

func matchingSockets(sockets []SocketInfo, name string) []SocketInfo {
	var out []SocketInfo
	for _, sock := range sockets {
		if sock.Name == name {
			out = append(out, sock)
		}
	}
	return out
}

// RegisterLocalTopic appends a topic endpoint to the local NodeInfo and
// strictly increases InfoID (I4, P5).
func (s *Store) RegisterLocalTopic(name string, port uint16) {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	s.local.Topics = append(s.local.Topics, SocketInfo{Name: name, IP: s.local.IP, Port: port})
	s.local.InfoID++
}

// RegisterLocalService appends a service endpoint to the local NodeInfo and
// strictly increases InfoID. It rejects duplicate service names (Open
// Question in spec.md §9, resolved: reject).
func (s *Store) RegisterLocalService(name string, port uint16) error {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	for _, sock := range s.local.Services {
		if sock.Name == name {
			return fmt.Errorf("%w: %s", ErrServiceExists, name)
		}
	}
	s.local.Services = append(s.local.Services, SocketInfo{Name: name, IP: s.local.IP, Port: port})
	s.local.InfoID++
	return nil
}

// RemoveLocalService removes a previously registered service endpoint and
// bumps InfoID so peers refetch on the next heartbeat.
func (s *Store) RemoveLocalService(name string) {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	out := s.local.Services[:0]
	removed := false
	for _, sock := range s.local.Services {
		if sock.Name == name {
			removed = true
			continue
		}
		out = append(out, sock)
	}
	s.local.Services = out
	if removed {
		s.local.InfoID++
	}
}

// Local returns a copy of the local NodeInfo.
func (s *Store) Local() NodeInfo {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	return s.local.clone()
}

// Peer returns a copy of a peer's NodeInfo, if known.
func (s *Store) Peer(nodeID string) (NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[nodeID]
	if !ok {
		return NodeInfo{}, false
	}
	return info.clone(), true
}

// Stats is a read-only snapshot useful for diagnostics and tests.
type Stats struct {
	PeerCount   int
	LocalInfoID uint32
	// LastCheckAt is the most recent successful discovery RPC across every
	// known peer, or the zero time.Time if no peer has been discovered yet.
	LastCheckAt time.Time
}

// Stats returns a snapshot of the store's current size.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	peers := len(s.infos)
	var lastCheck time.Time
	for _, t := range s.lastFetch {
		if t.After(lastCheck) {
			lastCheck = t
		}
	}
	s.mu.RUnlock()

	s.localMu.Lock()
	infoID := s.local.InfoID
	s.localMu.Unlock()

	return Stats{PeerCount: peers, LocalInfoID: infoID, LastCheckAt: lastCheck}
}
