// Package service implements the request/reply RPC side of lancom: a
// REP-semantics socket, a name-keyed handler registry, and the poll-driven
// dispatch state machine described in spec.md §4.7.
package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/lancom/pkg/codec"
	"github.com/mcastellin/lancom/pkg/nodeinfo"
	"github.com/mcastellin/lancom/pkg/transport"
)

// Status codes a handler reply carries in frame 1.
const (
	StatusSuccess         = "SUCCESS"
	StatusNoService       = "NOSERVICE"
	StatusInvalidResponse = "INVALID_RESPONSE"
	StatusServiceFail     = "SERVICE_FAIL"
	StatusServiceTimeout  = "SERVICE_TIMEOUT"
	StatusInvalidRequest  = "INVALID_REQUEST"
	StatusUnknownError    = "UNKNOWN_ERROR"
)

// Response is what a Handler returns: a status code and the encoded reply
// payload (empty for codec.Empty replies).
type Response struct {
	Code    string
	Payload []byte
}

// Handler processes one request's raw payload bytes and produces a Response.
// Handlers decode their own request bytes and encode their own reply value,
// so the manager never needs to know the concrete Req/Resp types.
type Handler func(payload []byte) Response

// pollTimeout bounds how long one dispatch iteration waits for frame 1
// before giving up and returning (spec.md §4.7 step 1).
const pollTimeout = 100 * time.Millisecond

// Manager owns the REP socket, the handler registry, and auto-registers
// get_node_info against the node-info store.
type Manager struct {
	sock   *transport.Socket
	store  *nodeinfo.Store
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

// New binds a REP socket on ip and returns the Manager plus the bound port
// so the caller can register it as a local service endpoint.
func New(ip string, store *nodeinfo.Store, logger *zap.Logger) (*Manager, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sock, port, err := transport.NewRep(ip)
	if err != nil {
		return nil, 0, err
	}

	m := &Manager{
		sock:     sock,
		store:    store,
		logger:   logger,
		handlers: map[string]Handler{},
	}
	m.registerBuiltins()
	return m, port, nil
}

// registerBuiltins installs get_node_info, the one service every node
// exposes unconditionally (spec.md §6).
func (m *Manager) registerBuiltins() {
	m.handlers["get_node_info"] = func(_ []byte) Response {
		payload, err := codec.Encode(m.store.Local())
		if err != nil {
			return Response{Code: StatusInvalidResponse}
		}
		return Response{Code: StatusSuccess, Payload: payload}
	}
}

// Register installs handler under name. Re-registering the same name
// overwrites the previous handler; only local *services* advertised to peers
// go through nodeinfo.Store.RegisterLocalService's duplicate rejection.
func (m *Manager) Register(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler
}

// Remove deletes a previously registered handler. get_node_info cannot be
// removed.
func (m *Manager) Remove(name string) {
	if name == "get_node_info" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, name)
}

func (m *Manager) lookup(name string) (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[name]
	return h, ok
}

// PollOnce runs one iteration of the Idle -> RecvName -> RecvPayload ->
// Dispatch -> Reply -> Idle state machine (spec.md §4.7). A timeout waiting
// for frame 1 is the normal "nothing to do" case and simply returns.
func (m *Manager) PollOnce() {
	if err := m.sock.Poll(pollTimeout); err != nil {
		return // ErrTimeout: Idle, nothing arrived this tick
	}

	frames, err := m.sock.RecvFrames()
	if err != nil {
		m.logger.Warn("service manager: recv failed", zap.Error(err))
		return
	}
	if len(frames) == 0 {
		m.logger.Warn("service manager: missing payload frame")
		return
	}
	name := string(frames[0])
	if len(frames) < 2 {
		m.logger.Warn("service manager: missing payload frame", zap.String("service", name))
		return
	}
	payload := frames[1]
	if len(frames) > 2 {
		m.logger.Warn("service manager: extra frames in request, ignoring",
			zap.String("service", name), zap.Int("extra", len(frames)-2))
	}

	resp := m.dispatch(name, payload)

	if err := m.sock.SendFrames([]byte(resp.Code), resp.Payload); err != nil {
		m.logger.Warn("service manager: reply send failed",
			zap.String("service", name), zap.Error(err))
	}
}

func (m *Manager) dispatch(name string, payload []byte) (resp Response) {
	handler, ok := m.lookup(name)
	if !ok {
		return Response{Code: StatusNoService}
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("service handler panicked",
				zap.String("service", name), zap.Any("recover", r))
			resp = Response{Code: StatusServiceFail}
		}
	}()

	return handler(payload)
}

// Close tears down the REP socket.
func (m *Manager) Close() {
	m.sock.Close()
}

// WrapTyped adapts a typed (Req) -> (Resp, error) function into a Handler,
// performing the codec decode/encode steps and mapping failures to the
// status codes spec.md §4.7 assigns them: a decode failure on the request is
// INVALID_REQUEST, an encode failure on the reply is INVALID_RESPONSE, and
// any error returned by fn itself is SERVICE_FAIL.
func WrapTyped[Req, Resp any](fn func(Req) (Resp, error)) Handler {
	return func(payload []byte) Response {
		req, err := codec.Decode[Req](payload)
		if err != nil {
			return Response{Code: StatusInvalidRequest}
		}
		resp, err := fn(req)
		if err != nil {
			return Response{Code: StatusServiceFail}
		}
		out, err := codec.Encode(resp)
		if err != nil {
			return Response{Code: StatusInvalidResponse}
		}
		return Response{Code: StatusSuccess, Payload: out}
	}
}
