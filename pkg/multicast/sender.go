package multicast

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Sender owns the UDP socket that periodically broadcasts the local
// heartbeat to the multicast group (spec.md §4.5). It joins no group itself
// — only the Receiver needs to join, since joining controls which
// datagrams the kernel delivers to *this* socket, not where it can send.
type Sender struct {
	conn      *net.UDPConn
	groupAddr *net.UDPAddr
	logger    *zap.Logger
}

// NewSender opens a UDP socket bound to localIP with IP_MULTICAST_IF set to
// that interface and the given TTL (LAN scope is TTL=1, per spec.md §6).
func NewSender(localIP, group string, port, ttl int, logger *zap.Logger) (*Sender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	laddr := &net.UDPAddr{IP: net.ParseIP(localIP)}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("multicast: sender listen: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if iface, err := interfaceForIP(localIP); err == nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			logger.Warn("failed to pin multicast interface, using default route", zap.Error(err))
		}
	} else {
		logger.Warn("could not resolve local multicast interface, using default route", zap.Error(err))
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("multicast: set TTL: %w", err)
	}

	groupIP := net.ParseIP(group)
	if groupIP == nil {
		conn.Close()
		return nil, fmt.Errorf("multicast: invalid group address %q", group)
	}

	return &Sender{
		conn:      conn,
		groupAddr: &net.UDPAddr{IP: groupIP, Port: port},
		logger:    logger,
	}, nil
}

// Send transmits payload to the multicast group. sendto errors are logged
// and swallowed by the caller's duty loop, per spec.md §4.5 — Send itself
// just reports the error so the caller can decide.
func (s *Sender) Send(payload []byte) error {
	_, err := s.conn.WriteToUDP(payload, s.groupAddr)
	return err
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
