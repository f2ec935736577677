package p2p

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
)

// ErrRandomNodesTimeout is returned by Client.GetRandomNodes when the
// manager does not reply within replyWaitBudget — the source specifies no
// timeout, but spec §4.2 recommends a bounded wait to avoid deadlocking on
// a stalled manager.
var ErrRandomNodesTimeout = errors.New("p2p: timed out waiting for GetRandomNodes reply")

// ErrPeerCountTimeout is the GetPeerCount analogue of ErrRandomNodesTimeout.
var ErrPeerCountTimeout = errors.New("p2p: timed out waiting for GetPeerCount reply")

// Client is a cheap-to-clone handle onto a running Manager. Every method
// enqueues a request on the manager's buffered request channel (dropping it
// with a warning if the buffer is full) and returns immediately, except the
// two query methods which block (with a bound) for the reply.
type Client struct {
	reqCh chan<- request
	log   *zap.SugaredLogger
}

// NewClient wraps a Manager's request channel for use by callers outside
// the actor goroutine (protocol adapters, the service-event handler).
func NewClient(m *Manager, log *zap.SugaredLogger) Client {
	return Client{reqCh: m.reqCh, log: log}
}

func (c Client) send(req request) {
	select {
	case c.reqCh <- req:
	default:
		// The channel is a large buffer by design (unbounded in spirit);
		// a full buffer means the manager is badly stalled. Per spec §7,
		// send failures are logged and dropped, not propagated.
		if c.log != nil {
			c.log.Warnw("nodes-manager request channel full, dropping request")
		}
	}
}

// AddNode enqueues an AddNode request.
func (c Client) AddNode(addr netaddr.Addr) {
	c.send(addNodeReq{addr: addr})
}

// DelNode enqueues a DelNode request.
func (c Client) DelNode(addr netaddr.Addr) {
	c.send(delNodeReq{addr: addr})
}

// AddConnectedNode enqueues an AddConnectedNode request.
func (c Client) AddConnectedNode(addr netaddr.Addr, session SessionID) {
	c.send(addConnectedNodeReq{addr: addr, session: session})
}

// DelConnectedNode enqueues a DelConnectedNode request.
func (c Client) DelConnectedNode(session SessionID) {
	c.send(delConnectedNodeReq{session: session})
}

// Broadcast enqueues a Broadcast request.
func (c Client) Broadcast(routingKey string, body []byte) {
	c.send(broadcastReq{routingKey: routingKey, body: body})
}

// GetRandomNodes blocks for up to replyWaitBudget for the manager's reply.
func (c Client) GetRandomNodes(ctx context.Context, n int) ([]netaddr.Addr, error) {
	reply := make(chan []netaddr.Addr, 1)
	c.send(getRandomNodesReq{n: n, reply: reply})

	ctx, cancel := context.WithTimeout(ctx, replyWaitBudget)
	defer cancel()
	select {
	case addrs := <-reply:
		return addrs, nil
	case <-ctx.Done():
		return nil, ErrRandomNodesTimeout
	}
}

// GetPeerCount blocks for up to replyWaitBudget for the manager's reply.
func (c Client) GetPeerCount(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	c.send(getPeerCountReq{reply: reply})

	ctx, cancel := context.WithTimeout(ctx, replyWaitBudget)
	defer cancel()
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ErrPeerCountTimeout
	}
}

// --- ServiceEventHandler: translates P2P service lifecycle events into
// NodesManager requests (spec §4.4's "Service-event handler"). ---

// ErrKind enumerates the dialer failure categories the service-event
// handler distinguishes.
type ErrKind int

const (
	// ErrKindOther is any dial failure not otherwise classified.
	ErrKindOther ErrKind = iota
	// ErrKindRepeatedConnection signals the dial raced with an
	// already-open session to the same peer.
	ErrKindRepeatedConnection
)

// EventHandler is the shared object across protocols that receives events
// from the P2P service layer and converts them into Client requests.
type EventHandler struct {
	client Client
	log    *zap.SugaredLogger
}

// NewEventHandler builds an EventHandler bound to client.
func NewEventHandler(client Client, log *zap.SugaredLogger) *EventHandler {
	return &EventHandler{client: client, log: log}
}

// HandleSessionOpen is called when a Transfer-protocol session opens. Only
// Client-direction (outbound) sessions are enrolled here — Server-type
// sessions are observed only indirectly, matching the source's asymmetric
// behavior (spec §9 Open Question 3).
func (h *EventHandler) HandleSessionOpen(id SessionID, addr netaddr.Addr, dir Direction) {
	if dir != DirOutbound {
		h.log.Debugw("inbound session open, not enrolling in ConnectedPeers", "session", id, "addr", addr)
		return
	}
	h.client.AddConnectedNode(addr, id)
}

// HandleSessionClose is called when any session (inbound or outbound)
// closes, for any reason including a remote-initiated close.
func (h *EventHandler) HandleSessionClose(id SessionID) {
	h.client.DelConnectedNode(id)
}

// HandleDialerError is called when an outbound dial attempt fails. A
// RepeatedConnection error means the dial raced with an already-open
// session to the same peer and is non-erroneous; any other error marks the
// address as bad.
func (h *EventHandler) HandleDialerError(addr netaddr.Addr, kind ErrKind, repeated *SessionID, err error) {
	if kind == ErrKindRepeatedConnection && repeated != nil {
		h.client.AddConnectedNode(addr, *repeated)
		return
	}
	h.log.Debugw("dial failed, removing from known peers", "addr", addr, "error", err)
	h.client.DelNode(addr)
}

// HandleListenError logs only; per spec §4.4 it carries no state transition.
func (h *EventHandler) HandleListenError(err error) {
	h.log.Errorw("listen error", "error", err)
}
