// Package transfer implements the Transfer protocol adapter (spec §4.3):
// decodes inbound wire frames off the node-to-node protocol, stamps the
// originating session id, and forwards them to the Network engine. It
// keeps only a diagnostic list of currently connected session ids; real
// connectivity bookkeeping lives in the NodesManager.
package transfer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
	"github.com/empower1/netlayer/internal/network"
	"github.com/empower1/netlayer/internal/p2p"
	"github.com/empower1/netlayer/internal/wireframe"
)

// Handler is the per-session adapter: connected/disconnected/received/notify
// all funnel through here, with received() doing the actual decode-and-
// forward work. It has no separate init operation.
type Handler struct {
	engine *network.Client
	log    *zap.SugaredLogger

	mu        sync.Mutex
	connected map[p2p.SessionID]netaddr.Addr // diagnostic only
}

// NewHandler builds a transfer Handler that forwards decoded frames to engine.
func NewHandler(engine *network.Client, log *zap.SugaredLogger) *Handler {
	return &Handler{
		engine:    engine,
		log:       log,
		connected: make(map[p2p.SessionID]netaddr.Addr),
	}
}

// Connected records a newly opened session for diagnostic display. It does
// not touch NodesManager state; that happens via the shared service-event
// handler.
func (h *Handler) Connected(id p2p.SessionID, addr netaddr.Addr) {
	h.mu.Lock()
	h.connected[id] = addr
	h.mu.Unlock()
	h.log.Debugw("transfer session connected", "session", id, "addr", addr)
}

// Disconnected drops the diagnostic record for a closed session.
func (h *Handler) Disconnected(id p2p.SessionID) {
	h.mu.Lock()
	delete(h.connected, id)
	h.mu.Unlock()
	h.log.Debugw("transfer session disconnected", "session", id)
}

// ConnectedSessions returns a snapshot of the diagnostic session list.
func (h *Handler) ConnectedSessions() []p2p.SessionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]p2p.SessionID, 0, len(h.connected))
	for id := range h.connected {
		out = append(out, id)
	}
	return out
}

// Received implements the adapter's core operation (spec §4.3): decode the
// inner frame, stamp the origin session id, and forward a RemoteMessage to
// the Network engine. Decode failures are dropped silently save for a
// warning log — the session stays open.
func (h *Handler) Received(session p2p.SessionID, addr netaddr.Addr, raw []byte) {
	key, payload, err := wireframe.Decode(raw)
	if err != nil {
		h.log.Warnw("dropping undecodable transfer frame", "session", session, "addr", addr, "error", err)
		return
	}
	h.engine.HandleRemoteMessage(key, payload, session)
}

// Notify is a placeholder for the adapter's "notify" operation; the source
// defines the operation set {init, connected, disconnected, received,
// notify} but leaves notify's effect unspecified beyond logging.
func (h *Handler) Notify(session p2p.SessionID, note string) {
	h.log.Debugw("transfer session notify", "session", session, "note", note)
}
