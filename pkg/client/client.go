// Package client implements the stateless request side of lancom's RPC: it
// waits for a service to appear in the node-info store, dials a REQ socket,
// and performs exactly one two-frame request/reply exchange (spec.md
// §4.10).
package client

import (
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/mcastellin/lancom/pkg/codec"
	"github.com/mcastellin/lancom/pkg/nodeinfo"
	"github.com/mcastellin/lancom/pkg/service"
	"github.com/mcastellin/lancom/pkg/transport"
)

// defaultCheckInterval is how often waitForService polls the store while
// waiting for a service to appear.
const defaultCheckInterval = 50 * time.Millisecond

// Client performs RPC requests against services advertised in store.
type Client struct {
	store  *nodeinfo.Store
	logger *zap.Logger
}

// New creates a Client bound to store.
func New(store *nodeinfo.Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{store: store, logger: logger}
}

// Request performs the full 6-step algorithm from spec.md §4.10: wait for
// the service, dial, send, receive, decode into resp, close. It returns
// ok=false, err=nil if the service never appeared within maxWait (a logged,
// non-raising failure, per spec.md §4.10's closing paragraph); err is
// reserved for failures once the service was found (request encoding,
// transport errors, a non-SUCCESS status frame, reply decoding), so callers
// can distinguish "nobody offered this service" from "found it and the call
// itself broke".
func Request[Req, Resp any](c *Client, serviceName string, req Req, resp *Resp, maxWait time.Duration) (ok bool, err error) {
	cid := xid.New().String()

	sock, found := c.waitForService(serviceName, maxWait, cid)
	if !found {
		c.logger.Error("service did not appear before timeout",
			zap.String("service", serviceName), zap.String("request_id", cid))
		return false, nil
	}
	defer sock.Close()

	payload, err := codec.Encode(req)
	if err != nil {
		return false, fmt.Errorf("client: encode request: %w", err)
	}
	if err := sock.SendFrames([]byte(serviceName), payload); err != nil {
		return false, fmt.Errorf("client: send request: %w", err)
	}

	if err := sock.Poll(maxWait); err != nil {
		return false, fmt.Errorf("client: waiting for reply: %w", err)
	}
	frames, err := sock.RecvFrames()
	if err != nil {
		return false, fmt.Errorf("client: recv reply: %w", err)
	}
	if len(frames) == 0 {
		return false, fmt.Errorf("client: empty reply")
	}
	status := string(frames[0])
	var payloadFrame []byte
	if len(frames) > 1 {
		payloadFrame = frames[1]
	}
	if len(frames) > 2 {
		c.logger.Warn("client: extra frames in reply, ignoring",
			zap.String("service", serviceName), zap.String("request_id", cid))
	}

	if status != service.StatusSuccess {
		c.logger.Error("service call failed",
			zap.String("service", serviceName), zap.String("status", status),
			zap.String("request_id", cid))
		return false, fmt.Errorf("client: service %q returned status %s", serviceName, status)
	}

	if len(payloadFrame) > 0 {
		decoded, err := codec.Decode[Resp](payloadFrame)
		if err != nil {
			return false, fmt.Errorf("client: decode reply: %w", err)
		}
		*resp = decoded
	}

	c.logger.Debug("service call succeeded",
		zap.String("service", serviceName), zap.String("request_id", cid))
	return true, nil
}

// waitForService polls getServiceInfo every defaultCheckInterval until the
// service appears or maxWait elapses, then dials a REQ socket to it.
func (c *Client) waitForService(serviceName string, maxWait time.Duration, cid string) (sock *transport.Socket, found bool) {
	deadline := time.Now().Add(maxWait)
	for {
		if info, ok := c.store.GetServiceInfo(serviceName); ok {
			endpoint := fmt.Sprintf("tcp://%s:%d", info.IP, info.Port)
			s, err := transport.NewReq(endpoint)
			if err != nil {
				c.logger.Warn("client: dial failed, will retry",
					zap.String("service", serviceName), zap.String("request_id", cid), zap.Error(err))
			} else {
				return s, true
			}
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(defaultCheckInterval)
	}
}
