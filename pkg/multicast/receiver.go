package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Recv when no datagram arrived within the
// receiver's read deadline — a transient condition the caller's duty loop
// simply continues past (spec.md §7).
var ErrTimeout = errors.New("multicast: receive timed out")

// recvBufferSize is generous enough for any HeartbeatMessage: the fixed
// 56-byte prefix plus a group name that will never approach this size in
// practice.
const recvBufferSize = 2048

// Receiver owns the UDP socket bound to ANY on the group's port, joined to
// the multicast group on the local interface, with SO_REUSEADDR/
// SO_REUSEPORT so multiple lancom nodes can coexist on one host (spec.md
// §4.6). The SO_REUSEPORT wiring is grounded on
// other_examples' HydraDNS udp_server.go listenReusePort helper.
type Receiver struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

// NewReceiver opens and joins the multicast group.
func NewReceiver(localIP, group string, port int, logger *zap.Logger) (*Receiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = err
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("multicast: receiver listen: %w", err)
	}
	conn := pc.(*net.UDPConn)

	groupIP := net.ParseIP(group)
	if groupIP == nil {
		conn.Close()
		return nil, fmt.Errorf("multicast: invalid group address %q", group)
	}

	iface, err := interfaceForIP(localIP)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: groupIP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("multicast: join group: %w", err)
	}

	return &Receiver{conn: conn, logger: logger}, nil
}

// Recv performs one read with a bounded deadline. It returns ErrTimeout if
// nothing arrived, mirroring the "non-blocking-ish recvfrom" behavior
// spec.md §4.6 describes.
func (r *Receiver) Recv(deadline time.Duration) (payload []byte, sourceIP net.IP, err error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, nil, err
	}

	buf := make([]byte, recvBufferSize)
	n, addr, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	return buf[:n], addr.IP, nil
}

// Close releases the receiver's socket.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
