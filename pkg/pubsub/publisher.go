// Package pubsub implements the topic side of lancom: a PUB-socket
// publisher and a subscriber manager that rewires SUB-socket connections as
// peers come and go (spec.md §4.8/§4.9).
package pubsub

import (
	"go.uber.org/zap"

	"github.com/mcastellin/lancom/pkg/codec"
	"github.com/mcastellin/lancom/pkg/nodeinfo"
	"github.com/mcastellin/lancom/pkg/transport"
)

// localNamespacePrefix is prepended to a topic's advertised name when the
// publisher is created with withLocalNamespace set, so a topic can be scoped to
// "this process's local group" without colliding with same-named topics
// published by other processes on the LAN.
const localNamespacePrefix = "lc.local."

// Publisher owns one PUB socket and advertises its bound port against the
// node-info store under the topic's full name.
type Publisher struct {
	sock     *transport.Socket
	fullName string
	logger   *zap.Logger
}

// NewPublisher binds a PUB socket on ip, registers fullName as a local topic
// against store, and returns the ready-to-use Publisher. withLocalNamespace
// prefixes name with "lc.local." before registration.
func NewPublisher(ip, name string, withLocalNamespace bool, store *nodeinfo.Store, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fullName := name
	if withLocalNamespace {
		fullName = localNamespacePrefix + name
	}

	sock, port, err := transport.NewPub(ip)
	if err != nil {
		return nil, err
	}
	store.RegisterLocalTopic(fullName, uint16(port))

	return &Publisher{sock: sock, fullName: fullName, logger: logger}, nil
}

// Name returns the topic's fully-namespaced name, as registered in the
// node-info store.
func (p *Publisher) Name() string {
	return p.fullName
}

// Publish encodes msg and sends it as a single PUB frame. PUB sends never
// block and silently drop for subscribers that haven't connected yet — this
// mirrors ZeroMQ PUB socket semantics exactly, it is not a lancom-specific
// best-effort shortcut.
func Publish[T any](p *Publisher, msg T) error {
	payload, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.sock.Send(payload); err != nil {
		p.logger.Warn("publish failed", zap.String("topic", p.fullName), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the PUB socket. Callers are expected to do this at node
// shutdown, not before.
func (p *Publisher) Close() {
	p.sock.Close()
}
