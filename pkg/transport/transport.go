// Package transport is the thin wrapper around github.com/zeromq/goczmq/v4
// that isolates the rest of lancom from the ZeroMQ C binding. It exposes
// exactly the four socket shapes the design needs (PUB, SUB, REP, REQ) plus
// a bounded-wait Poll, mirroring the original reference implementation's
// direct use of ZeroMQ socket types (see
// include/zerolancom/sockets/*.hpp in the reference implementation).
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	czmq "github.com/zeromq/goczmq/v4"
)

// ErrTimeout is returned by Poll/Recv when no message arrives within the
// requested wait window. It is a sentinel transient-transport error per
// spec.md §7: callers continue their loop, they don't treat it as failure.
var ErrTimeout = errors.New("transport: timed out")

// Socket wraps a single goczmq.Sock and lazily owns a Poller for bounded
// waits.
type Socket struct {
	sock   *czmq.Sock
	poller *czmq.Poller
}

// NewPub creates a PUB socket bound to an ephemeral port on ip and returns
// the resolved port.
func NewPub(ip string) (*Socket, int, error) {
	return bind(czmq.Pub, ip)
}

// NewRep creates a REP socket bound to an ephemeral port on ip and returns
// the resolved port.
func NewRep(ip string) (*Socket, int, error) {
	return bind(czmq.Rep, ip)
}

func bind(socketType int, ip string) (*Socket, int, error) {
	sock := czmq.NewSock(socketType)
	endpoint, err := sock.Bind(fmt.Sprintf("tcp://%s:*", ip))
	if err != nil {
		sock.Destroy()
		return nil, 0, fmt.Errorf("transport: bind failed: %w", err)
	}
	port, err := portFromEndpoint(endpoint)
	if err != nil {
		sock.Destroy()
		return nil, 0, err
	}
	return &Socket{sock: sock}, port, nil
}

// NewSub creates a SUB socket with an empty subscription filter (accept
// every message) and no connections yet; callers Connect/Disconnect it as
// publishers appear and vanish.
func NewSub() (*Socket, error) {
	sock := czmq.NewSock(czmq.Sub)
	sock.SetOption(czmq.SockSetSubscribe(""))
	return &Socket{sock: sock}, nil
}

// NewReq creates a REQ socket connected to endpoint.
func NewReq(endpoint string) (*Socket, error) {
	sock := czmq.NewSock(czmq.Req)
	if err := sock.Connect(endpoint); err != nil {
		sock.Destroy()
		return nil, fmt.Errorf("transport: connect failed: %w", err)
	}
	return &Socket{sock: sock}, nil
}

// Connect connects a socket (typically SUB) to an additional endpoint.
func (s *Socket) Connect(endpoint string) error {
	return s.sock.Connect(endpoint)
}

// Disconnect tears down one previously-connected endpoint.
func (s *Socket) Disconnect(endpoint string) error {
	return s.sock.Disconnect(endpoint)
}

// Send transmits a single-frame message (used by PUB sockets).
func (s *Socket) Send(frame []byte) error {
	return s.sock.SendFrame(frame, czmq.FlagNone)
}

// SendFrames transmits a multi-frame message atomically (used by REQ/REP
// two-frame request/reply traffic).
func (s *Socket) SendFrames(frames ...[]byte) error {
	return s.sock.SendMessage(frames)
}

// Poll blocks until the socket has a message ready to receive or timeout
// elapses, returning ErrTimeout in the latter case.
func (s *Socket) Poll(timeout time.Duration) error {
	if s.poller == nil {
		poller, err := czmq.NewPoller(s.sock)
		if err != nil {
			return fmt.Errorf("transport: poller: %w", err)
		}
		s.poller = poller
	}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	ready := s.poller.Wait(ms)
	if ready == nil {
		return ErrTimeout
	}
	return nil
}

// RecvFrames reads one complete multi-frame message. Call after Poll
// reports the socket is ready, to keep reads non-blocking in the caller's
// duty loop.
func (s *Socket) RecvFrames() ([][]byte, error) {
	return s.sock.RecvMessage()
}

// Close destroys the underlying ZeroMQ socket.
func (s *Socket) Close() {
	s.sock.Destroy()
}

// portFromEndpoint extracts the numeric port goczmq resolved when binding
// to a "tcp://ip:*" wildcard endpoint, e.g. "tcp://127.0.0.1:54321".
func portFromEndpoint(endpoint string) (int, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, fmt.Errorf("transport: unparsable bound endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0, fmt.Errorf("transport: bound endpoint %q has no port: %w", endpoint, err)
	}
	return port, nil
}
