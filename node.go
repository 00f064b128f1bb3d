// Package lancom implements a LAN-local discovery, publish/subscribe, and
// RPC fabric: nodes announce themselves over UDP multicast, discover each
// other's topics and services via a ZeroMQ-based request/reply fetch, and
// exchange topic messages and service calls without any central broker.
package lancom

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcastellin/lancom/pkg/client"
	"github.com/mcastellin/lancom/pkg/codec"
	"github.com/mcastellin/lancom/pkg/heartbeat"
	"github.com/mcastellin/lancom/pkg/multicast"
	"github.com/mcastellin/lancom/pkg/nodeinfo"
	"github.com/mcastellin/lancom/pkg/periodic"
	"github.com/mcastellin/lancom/pkg/pubsub"
	"github.com/mcastellin/lancom/pkg/service"
	"github.com/mcastellin/lancom/pkg/transport"
	"github.com/mcastellin/lancom/pkg/workerpool"
)

// wireVersion is the heartbeat protocol version this build speaks. Peers
// whose major.minor differ are ignored (heartbeat.MatchesGroup).
var wireVersion = heartbeat.Version{Major: 1, Minor: 0, Patch: 0}

// ErrMissingIP is returned by New when Config.IP is empty.
var ErrMissingIP = errors.New("lancom: Config.IP is required")

// Config configures a Node. Only IP is required; every other field has a
// documented default applied by New.
type Config struct {
	NodeName string
	IP       string

	Group     string
	GroupPort int
	GroupName string

	MulticastTTL int

	Workers int

	HeartbeatInterval     time.Duration
	MulticastPollInterval time.Duration
	PeerTimeout           time.Duration

	Logger *zap.Logger
}

// Option mutates a Config before it's applied. Options run after the
// caller's Config literal is read but before defaults are filled in, so an
// Option can override a zero value the same way an explicit field would.
type Option func(*Config)

// WithLogger overrides the Node's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

func (c *Config) applyDefaults() {
	if c.Group == "" {
		c.Group = "224.0.0.1"
	}
	if c.GroupPort == 0 {
		c.GroupPort = 7720
	}
	if c.GroupName == "" {
		c.GroupName = "zlc_default_group_name"
	}
	if c.MulticastTTL == 0 {
		c.MulticastTTL = 1
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.MulticastPollInterval <= 0 {
		c.MulticastPollInterval = 100 * time.Millisecond
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		c.Logger = logger
	}
}

// Node is a constructed lancom participant: a plain value, not a
// package-level singleton (spec.md §9 flags the original C++ singleton
// design as the source of the hardest bugs to reason about). Construct one
// with New per process, or per test.
type Node struct {
	cfg    Config
	logger *zap.Logger
	nodeID string

	pool        *workerpool.Pool
	store       *nodeinfo.Store
	svcMgr      *service.Manager
	servicePort int
	mcastRecv   *multicast.Receiver
	mcastSend   *multicast.Sender
	subMgr      *pubsub.Manager
	cliClient   *client.Client

	heartbeatTask *periodic.Task
	mcastRecvTask *periodic.Task
	svcPollTask   *periodic.Task
	subPollTask   *periodic.Task
	peerGCTask    *periodic.Task
}

// New constructs every component in dependency order: worker pool ->
// node-info store -> service manager -> multicast receiver -> multicast
// sender -> subscriber manager (spec.md §4.11 / §5 lifecycle). It does not
// start any duty loop; call Start for that.
func New(cfg Config, opts ...Option) (*Node, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.IP == "" {
		return nil, ErrMissingIP
	}
	cfg.applyDefaults()
	logger := cfg.Logger

	nodeID := uuid.NewString()

	pool := workerpool.New(cfg.Workers, logger)

	store := nodeinfo.New(nodeinfo.Config{
		LocalNodeID: nodeID,
		LocalName:   cfg.NodeName,
		LocalIP:     cfg.IP,
		PeerTimeout: cfg.PeerTimeout,
		Fetcher:     fetchNodeInfo,
		Logger:      logger,
	})

	svcMgr, svcPort, err := service.New(cfg.IP, store, logger)
	if err != nil {
		pool.Stop()
		return nil, fmt.Errorf("lancom: service manager: %w", err)
	}

	mcastRecv, err := multicast.NewReceiver(cfg.IP, cfg.Group, cfg.GroupPort, logger)
	if err != nil {
		svcMgr.Close()
		pool.Stop()
		return nil, fmt.Errorf("lancom: multicast receiver: %w", err)
	}

	mcastSend, err := multicast.NewSender(cfg.IP, cfg.Group, cfg.GroupPort, cfg.MulticastTTL, logger)
	if err != nil {
		mcastRecv.Close()
		svcMgr.Close()
		pool.Stop()
		return nil, fmt.Errorf("lancom: multicast sender: %w", err)
	}

	subMgr := pubsub.NewManager(store, logger)
	cliClient := client.New(store, logger)

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		nodeID:      nodeID,
		pool:        pool,
		store:       store,
		svcMgr:      svcMgr,
		servicePort: svcPort,
		mcastRecv:   mcastRecv,
		mcastSend:   mcastSend,
		subMgr:      subMgr,
		cliClient:   cliClient,
	}

	n.heartbeatTask = periodic.New("heartbeat-send", pool, cfg.HeartbeatInterval, n.sendHeartbeat, logger)
	n.mcastRecvTask = periodic.New("multicast-recv", pool, 0, n.recvHeartbeat, logger)
	n.svcPollTask = periodic.New("service-poll", pool, 0, svcMgr.PollOnce, logger)
	n.subPollTask = periodic.New("subscriber-poll", pool, 0, subMgr.PollOnce, logger)
	n.peerGCTask = periodic.New("peer-gc", pool, cfg.HeartbeatInterval, store.CheckHeartbeats, logger)

	return n, nil
}

// Start begins every duty loop, in the same dependency order components
// were constructed in.
func (n *Node) Start() {
	n.pool.Start()
	n.svcPollTask.Start()
	n.mcastRecvTask.Start()
	n.heartbeatTask.Start()
	n.subPollTask.Start()
	n.peerGCTask.Start()
}

// Shutdown stops every duty loop and destroys every socket the Node owns in
// strictly reverse dependency order, then flushes the logger last (spec.md §5
// lifecycle / §4.11). Publishers returned by NewPublisher are not closed here;
// their callers close them.
func (n *Node) Shutdown() {
	n.peerGCTask.Stop()
	n.subPollTask.Stop()
	n.heartbeatTask.Stop()
	n.mcastRecvTask.Stop()
	n.svcPollTask.Stop()

	n.subMgr.Close()
	n.mcastSend.Close()
	n.mcastRecv.Close()
	n.svcMgr.Close()
	n.pool.Stop()

	_ = n.logger.Sync()
}

// NodeID returns this node's randomly generated, process-lifetime identity.
func (n *Node) NodeID() string {
	return n.nodeID
}

// Store exposes the underlying node-info store for callers that need direct
// peer introspection (e.g. tests, diagnostics).
func (n *Node) Store() *nodeinfo.Store {
	return n.store
}

// NewPublisher opens a topic publisher bound to this node's IP. See
// pkg/pubsub.Publish for sending messages.
func (n *Node) NewPublisher(name string, withLocalNamespace bool) (*pubsub.Publisher, error) {
	return pubsub.NewPublisher(n.cfg.IP, name, withLocalNamespace, n.store, n.logger)
}

// Subscribe registers a typed callback against topicName, connecting to
// every currently-known and future publisher of that topic.
func Subscribe[T any](n *Node, topicName string, callback func(T)) error {
	return pubsub.RegisterTopic(n.subMgr, topicName, callback)
}

// RegisterService installs a typed RPC handler under name and advertises it
// to peers via the node-info store. It returns nodeinfo.ErrServiceExists if
// name is already registered (spec.md §9 Open Question: reject duplicates).
func RegisterService[Req, Resp any](n *Node, name string, handler func(Req) (Resp, error)) error {
	if err := n.store.RegisterLocalService(name, uint16(n.servicePort)); err != nil {
		return err
	}
	n.svcMgr.Register(name, service.WrapTyped(handler))
	return nil
}

// RemoveService uninstalls a previously registered service.
func (n *Node) RemoveService(name string) {
	n.svcMgr.Remove(name)
	n.store.RemoveLocalService(name)
}

// Request performs one RPC call against a named service, per spec.md §4.10.
// ok=false, err=nil means the service never appeared within maxWait; a
// non-nil err means the service was found but the call itself failed.
func Request[Req, Resp any](n *Node, serviceName string, req Req, resp *Resp, maxWait time.Duration) (ok bool, err error) {
	return client.Request(n.cliClient, serviceName, req, resp, maxWait)
}

// sendHeartbeat builds and broadcasts one heartbeat announcement.
func (n *Node) sendHeartbeat() {
	msg := heartbeat.Message{
		Version:     wireVersion,
		NodeID:      n.nodeID,
		InfoID:      int32(n.store.Local().InfoID),
		ServicePort: int32(n.servicePort),
		GroupName:   n.cfg.GroupName,
	}
	payload, err := heartbeat.Encode(msg)
	if err != nil {
		n.logger.Warn("heartbeat encode failed", zap.Error(err))
		return
	}
	if err := n.mcastSend.Send(payload); err != nil {
		n.logger.Warn("heartbeat send failed", zap.Error(err))
	}
}

// recvHeartbeat performs one bounded read from the multicast socket and, if
// a well-formed in-group heartbeat from a peer arrived, feeds it to the
// node-info store.
func (n *Node) recvHeartbeat() {
	payload, srcIP, err := n.mcastRecv.Recv(n.cfg.MulticastPollInterval)
	if err != nil {
		if err != multicast.ErrTimeout {
			n.logger.Warn("multicast recv failed", zap.Error(err))
		}
		return
	}

	msg, err := heartbeat.Decode(payload)
	if err != nil {
		n.logger.Warn("malformed heartbeat datagram, dropping", zap.Error(err))
		return
	}
	if msg.NodeID == n.nodeID {
		return // I5: ignore our own heartbeat
	}
	if !heartbeat.MatchesGroup(msg, n.cfg.GroupName, wireVersion) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PeerTimeout)
	defer cancel()
	n.store.ProcessHeartbeat(ctx, msg.NodeID, uint32(msg.InfoID), int(msg.ServicePort), srcIP.String())
}

// fetchNodeInfo is the nodeinfo.Fetcher implementation: a direct get_node_info
// RPC call against a peer's service port, bypassing the discovered-services
// waiting loop in pkg/client since the heartbeat that triggered this fetch
// already tells us exactly where to dial.
func fetchNodeInfo(ctx context.Context, ip string, port int) (nodeinfo.NodeInfo, error) {
	endpoint := fmt.Sprintf("tcp://%s:%d", ip, port)
	sock, err := transport.NewReq(endpoint)
	if err != nil {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: dial %s: %w", endpoint, err)
	}
	defer sock.Close()

	if err := sock.SendFrames([]byte("get_node_info"), nil); err != nil {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: send get_node_info: %w", err)
	}

	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			timeout = remaining
		}
	}
	if err := sock.Poll(timeout); err != nil {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: get_node_info timed out: %w", err)
	}
	frames, err := sock.RecvFrames()
	if err != nil {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: recv get_node_info reply: %w", err)
	}
	if len(frames) < 2 {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: get_node_info reply missing payload frame")
	}
	if string(frames[0]) != service.StatusSuccess {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: get_node_info returned status %s", frames[0])
	}

	info, err := codec.Decode[nodeinfo.NodeInfo](frames[1])
	if err != nil {
		return nodeinfo.NodeInfo{}, fmt.Errorf("lancom: decode get_node_info reply: %w", err)
	}
	return info, nil
}
