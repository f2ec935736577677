// Package p2p implements the NodesManager actor (spec §4.4) and the P2P
// service wrapper around libp2p (spec §1's "underlying P2P service
// library"). NodesManager owns the known/connected peer tables exclusively;
// every access happens on its own goroutine, serialized through a single
// request channel, exactly as spec §5 requires.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
	"github.com/empower1/netlayer/internal/wireframe"
)

const (
	initialScore    = 100
	tickInterval    = 3 * time.Second
	replyWaitBudget = 5 * time.Second
)

// ServiceControl is the deferred-setter seam NodesManager uses to reach the
// underlying P2P service without the two ever owning each other (spec §9,
// "Cyclic references"). It is installed after construction via
// SetServiceControl.
type ServiceControl interface {
	// Dial asks the P2P service to establish an outbound connection to addr.
	// It blocks until the connection is up or ctx expires; the session is
	// enrolled in ConnectedPeers through an AddConnectedNode request from
	// the service-event handler, not by Dial's return value.
	Dial(ctx context.Context, addr netaddr.Addr) error
	// BroadcastFrame hands an already-encoded wire frame to every open
	// Transfer-protocol session, optionally excluding one.
	BroadcastFrame(frame []byte, exclude *SessionID)
	// Disconnect tears down a specific session, used when a conforming
	// implementation decides to shed a connection over max_connects.
	Disconnect(session SessionID)
}

// --- Request variants (spec §3's NodesManagerMessage) ---

type request interface{ isRequest() }

type addNodeReq struct{ addr netaddr.Addr }
type delNodeReq struct{ addr netaddr.Addr }
type getRandomNodesReq struct {
	n     int
	reply chan []netaddr.Addr
}
type addConnectedNodeReq struct {
	addr    netaddr.Addr
	session SessionID
}
type delConnectedNodeReq struct{ session SessionID }
type broadcastReq struct {
	routingKey string
	body       []byte
}
type getPeerCountReq struct{ reply chan int }

func (addNodeReq) isRequest()          {}
func (delNodeReq) isRequest()          {}
func (getRandomNodesReq) isRequest()   {}
func (addConnectedNodeReq) isRequest() {}
func (delConnectedNodeReq) isRequest() {}
func (broadcastReq) isRequest()        {}
func (getPeerCountReq) isRequest()     {}

// Manager is the NodesManager actor. Exactly one instance exists per node;
// construct with NewManager and run it with Run.
type Manager struct {
	reqCh       chan request
	stopCh      chan struct{}
	maxConnects int
	log         *zap.SugaredLogger

	service ServiceControl

	// Actor-owned state. Touched only inside Run's goroutine.
	known     map[netaddr.Addr]int
	connected map[SessionID]netaddr.Addr

	peerCountGauge prometheus.Gauge
	dialAttempts   prometheus.Counter
}

// NewManager constructs a Manager with the given connectivity cap. Call
// SetServiceControl before Run to enable dialing and broadcasting.
func NewManager(maxConnects int, log *zap.SugaredLogger) *Manager {
	return &Manager{
		reqCh:       make(chan request, 256),
		stopCh:      make(chan struct{}),
		maxConnects: maxConnects,
		log:         log,
		known:       make(map[netaddr.Addr]int),
		connected:   make(map[SessionID]netaddr.Addr),
		peerCountGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "empower1_connected_peers",
			Help: "Number of currently connected transfer-protocol sessions.",
		}),
		dialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "empower1_dial_attempts_total",
			Help: "Number of outbound dial attempts issued by the dial-maintenance routine.",
		}),
	}
}

// SetServiceControl installs the P2P service's dial/broadcast/disconnect
// surface. Must be called before Run.
func (m *Manager) SetServiceControl(sc ServiceControl) {
	m.service = sc
}

// Collectors returns the Prometheus collectors this manager exposes, for
// registration with a registry at startup.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.peerCountGauge, m.dialAttempts}
}

// Seed pre-populates KnownPeers, e.g. from configured known_nodes. Must be
// called before Run starts servicing requests (or via the Client API once
// running).
func (m *Manager) Seed(addrs []netaddr.Addr) {
	for _, a := range addrs {
		if _, ok := m.known[a]; !ok {
			m.known[a] = initialScore
		}
	}
}

// Run is the actor's event loop: a blocking select across the request
// channel and a 3-second tick channel (spec §4.4). It returns when Stop is
// called.
func (m *Manager) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case req := <-m.reqCh:
			m.dispatch(req)
		case <-ticker.C:
			m.dialMaintenance()
		}
	}
}

// Stop signals Run to return. Not safe to call concurrently with itself.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) dispatch(req request) {
	switch r := req.(type) {
	case addNodeReq:
		if _, exists := m.known[r.addr]; !exists {
			m.known[r.addr] = initialScore
		}
	case delNodeReq:
		delete(m.known, r.addr)
	case getRandomNodesReq:
		r.reply <- m.randomKnown(r.n)
	case addConnectedNodeReq:
		m.connected[r.session] = r.addr
		m.peerCountGauge.Set(float64(len(m.connected)))
		if m.maxConnects > 0 && len(m.connected) > m.maxConnects {
			// Open Question 2 (spec §9): the source marks this a FIXME.
			// We honor the new session rather than disconnect it, since
			// disconnecting a session that just proved liveness is a
			// worse failure mode than a momentary overshoot.
			m.log.Debugw("connected peers exceeded max_connects", "count", len(m.connected), "max", m.maxConnects)
		}
	case delConnectedNodeReq:
		delete(m.connected, r.session)
		m.peerCountGauge.Set(float64(len(m.connected)))
	case broadcastReq:
		m.broadcast(r.routingKey, r.body)
	case getPeerCountReq:
		r.reply <- len(m.connected)
	default:
		m.log.Errorw("unknown nodes-manager request type", "type", fmt.Sprintf("%T", req))
	}
}

func (m *Manager) broadcast(routingKey string, body []byte) {
	frame, err := wireframe.Encode(routingKey, body)
	if err != nil {
		m.log.Warnw("failed to encode broadcast frame, dropping", "key", routingKey, "error", err)
		return
	}
	if m.service == nil {
		m.log.Warnw("broadcast requested before service control installed, dropping", "key", routingKey)
		return
	}
	m.service.BroadcastFrame(frame, nil)
}

// randomKnown samples up to n addresses from KnownPeers uniformly without
// replacement (spec §4.4 SHOULD).
func (m *Manager) randomKnown(n int) []netaddr.Addr {
	all := make([]netaddr.Addr, 0, len(m.known))
	for a := range m.known {
		all = append(all, a)
	}
	if n >= len(all) {
		return all
	}
	// Fisher-Yates partial shuffle.
	for i := 0; i < n; i++ {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(len(all)-i)))
		j := i
		if err == nil {
			j = i + int(jBig.Int64())
		}
		all[i], all[j] = all[j], all[i]
	}
	return all[:n]
}

// dialMaintenance implements the tick-driven dial budget (spec §4.4): at
// most one dial attempt per tick, skipped entirely if KnownPeers is empty
// (Open Question 1 in spec §9 — no bootstrap fallback is implemented).
func (m *Manager) dialMaintenance() {
	if len(m.known) == 0 {
		return
	}
	if m.maxConnects > 0 && len(m.connected) >= m.maxConnects {
		return
	}
	if m.service == nil {
		return
	}

	connectedAddrs := make(map[netaddr.Addr]struct{}, len(m.connected))
	for _, addr := range m.connected {
		connectedAddrs[addr] = struct{}{}
	}

	for addr := range m.known {
		if _, already := connectedAddrs[addr]; already {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), replyWaitBudget)
		m.dialAttempts.Inc()
		if err := m.service.Dial(ctx, addr); err != nil {
			m.log.Debugw("dial attempt failed", "addr", addr, "error", err)
		}
		cancel()
		break // exactly one dial attempt per tick
	}
}
