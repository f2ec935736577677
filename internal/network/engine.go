// Package network implements the Network Engine actor (spec §4.5): it
// dispatches bus-originated LocalMessages and peer-originated
// RemoteMessages by routing key, and gates both on a pause flag used
// during snapshot operations. Like the NodesManager, it owns its state
// exclusively on one goroutine and is reached only through typed requests.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/p2p"
)

const requestBufferSize = 256

// PeerCounter is the seam onto NodesManager used for the JsonRpc.RequestNet
// peercount query; satisfied by p2p.Client.
type PeerCounter interface {
	GetPeerCount(ctx context.Context) (int, error)
}

// Broadcaster is the seam onto NodesManager used for the outbound local
// message relay (spec §2's "Network engine (local message) →
// NodesManager.broadcast → wire codec → P2P service → sessions"); satisfied
// by p2p.Client.
type Broadcaster interface {
	Broadcast(routingKey string, body []byte)
}

// Publisher is the seam onto the message bus; satisfied by *bus.Bus. An
// interface rather than a concrete *bus.Bus field so tests can observe what
// the engine publishes without a live NATS connection.
type Publisher interface {
	Publish(routingKey string, body []byte) error
}

// NodesManagerClient is the combined NodesManager-facing seam the engine
// needs: peer count queries and wire broadcasts. p2p.Client satisfies it.
type NodesManagerClient interface {
	PeerCounter
	Broadcaster
}

// --- Message variants (spec §4.5's NetworkMessage tagged union) ---

type message interface{ isMessage() }

type localMessage struct {
	routingKey string
	body       []byte
}

type remoteMessage struct {
	routingKey string
	body       []byte
	origin     p2p.SessionID
}

func (localMessage) isMessage()  {}
func (remoteMessage) isMessage() {}

// Engine is the Network Engine actor.
type Engine struct {
	msgCh  chan message
	stopCh chan struct{}
	log    *zap.SugaredLogger

	bus    Publisher
	nodes  NodesManagerClient
	paused atomic.Bool
}

// NewEngine constructs an Engine. Call Run to start servicing messages.
func NewEngine(b Publisher, nodes NodesManagerClient, log *zap.SugaredLogger) *Engine {
	return &Engine{
		msgCh:  make(chan message, requestBufferSize),
		stopCh: make(chan struct{}),
		log:    log,
		bus:    b,
		nodes:  nodes,
	}
}

// Run is the engine's event loop: a blocking select across the message
// channel, returning when Stop is called.
func (e *Engine) Run() {
	for {
		select {
		case <-e.stopCh:
			return
		case msg := <-e.msgCh:
			e.dispatch(msg)
		}
	}
}

// Stop signals Run to return.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Client is a cheap-to-clone handle onto a running Engine, mirroring
// p2p.Client's shape: handle_local_message and handle_remote_message both
// enqueue onto the engine's single channel (spec §4.5).
type Client struct {
	msgCh chan<- message
	log   *zap.SugaredLogger
}

// NewClient wraps an Engine's message channel.
func NewClient(e *Engine, log *zap.SugaredLogger) *Client {
	return &Client{msgCh: e.msgCh, log: log}
}

// HandleLocalMessage enqueues a bus-originated message for dispatch.
func (c *Client) HandleLocalMessage(routingKey string, body []byte) {
	c.enqueue(localMessage{routingKey: routingKey, body: body})
}

// HandleRemoteMessage enqueues a peer-originated message, stamped with its
// origin session id, for dispatch.
func (c *Client) HandleRemoteMessage(routingKey string, body []byte, origin p2p.SessionID) {
	c.enqueue(remoteMessage{routingKey: routingKey, body: body, origin: origin})
}

func (c *Client) enqueue(msg message) {
	select {
	case c.msgCh <- msg:
	default:
		if c.log != nil {
			c.log.Warnw("network engine message channel full, dropping message")
		}
	}
}

func (e *Engine) dispatch(msg message) {
	switch m := msg.(type) {
	case localMessage:
		e.dispatchLocal(m)
	case remoteMessage:
		e.dispatchRemote(m)
	default:
		e.log.Errorw("unknown network message type", "type", fmt.Sprintf("%T", msg))
	}
}

// subModule returns the portion of a "SubModule.MsgType" routing key before
// the dot.
func subModule(routingKey string) string {
	for i := 0; i < len(routingKey); i++ {
		if routingKey[i] == '.' {
			return routingKey[:i]
		}
	}
	return routingKey
}

func (e *Engine) dispatchLocal(m localMessage) {
	if e.paused.Load() && subModule(m.routingKey) != "Snapshot" {
		e.log.Debugw("dropping local message while paused", "key", m.routingKey)
		return
	}

	switch m.routingKey {
	case "Chain.Status":
		// Reserved: forwarded to a synchronizer when present.
	case "Chain.SyncResponse":
		e.nodes.Broadcast("Synchronizer.SyncResponse", m.body)
	case "JsonRpc.RequestNet":
		e.handlePeerCountRequest(m.body)
	case "Snapshot.SnapshotReq":
		e.handleSnapshotCommand(m.body)
	default:
		e.log.Errorw("unhandled local routing key", "key", m.routingKey)
	}
}

func (e *Engine) dispatchRemote(m remoteMessage) {
	if e.paused.Load() && subModule(m.routingKey) != "Snapshot" {
		e.log.Debugw("dropping remote message while paused", "key", m.routingKey, "origin", m.origin)
		return
	}

	var publishKey string
	switch m.routingKey {
	case "Consensus.CompactSignedProposal":
		publishKey = "Net.CompactSignedProposal"
	case "Consensus.RawBytes":
		publishKey = "Net.RawBytes"
	case "Auth.Request":
		publishKey = "Net.Request"
	case "Auth.GetBlockTxn":
		publishKey = "Net.GetBlockTxn"
	case "Auth.BlockTxn":
		publishKey = "Net.BlockTxn"
	case "Synchronizer.Status", "Synchronizer.SyncResponse", "Synchronizer.SyncRequest":
		// Reserved for future forwarding.
		return
	default:
		e.log.Errorw("unhandled remote routing key", "key", m.routingKey, "origin", m.origin)
		return
	}
	e.publish(publishKey, m.body)
}

type peerCountRequest struct {
	ID        string `json:"id"`
	PeerCount bool   `json:"peercount,omitempty"`
}

type peerCountResponse struct {
	ID        string `json:"id"`
	PeerCount int    `json:"peercount"`
}

func (e *Engine) handlePeerCountRequest(body []byte) {
	var req peerCountRequest
	if err := json.Unmarshal(body, &req); err != nil {
		e.log.Warnw("could not decode JsonRpc.RequestNet body", "error", err)
		return
	}
	if !req.PeerCount {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := e.nodes.GetPeerCount(ctx)
	if err != nil {
		e.log.Warnw("peercount query to nodes manager timed out", "error", err)
		return
	}

	resp, err := json.Marshal(peerCountResponse{ID: req.ID, PeerCount: n})
	if err != nil {
		e.log.Warnw("could not encode Net.Response body", "error", err)
		return
	}
	e.publish("Net.Response", resp)
}

type snapshotCommand struct {
	Command string `json:"command"` // Begin | End | Clear | Snapshot | Restore
}

type snapshotAck struct {
	Command string `json:"command"`
	Ok      bool   `json:"ok"`
}

// handleSnapshotCommand updates the pause flag and, where spec §9's Open
// Question 4 resolves in favor of a reply, publishes a symmetric ack.
func (e *Engine) handleSnapshotCommand(body []byte) {
	var cmd snapshotCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		e.log.Warnw("could not decode Snapshot.SnapshotReq body", "error", err)
		return
	}

	switch cmd.Command {
	case "Begin":
		e.paused.Store(true)
	case "End":
		e.paused.Store(false)
	case "Clear":
		// No flag transition.
	case "Snapshot", "Restore":
		// No flag transition; acknowledged below like the other commands.
	default:
		e.log.Errorw("unknown snapshot command", "command", cmd.Command)
		return
	}

	ack, err := json.Marshal(snapshotAck{Command: cmd.Command, Ok: true})
	if err != nil {
		e.log.Warnw("could not encode Net.SnapshotResp body", "error", err)
		return
	}
	e.publish("Net.SnapshotResp", ack)
}

func (e *Engine) publish(routingKey string, body []byte) {
	if e.bus == nil {
		e.log.Warnw("publish requested before bus installed, dropping", "key", routingKey)
		return
	}
	if err := e.bus.Publish(routingKey, body); err != nil {
		e.log.Warnw("bus publish failed", "key", routingKey, "error", err)
	}
}
