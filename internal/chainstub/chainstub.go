// Package chainstub is a minimal stand-in for the blockchain subsystems the
// networking layer treats as external collaborators (consensus, auth,
// chain synchronization, JSON-RPC). It exists only to exercise the Network
// engine's routing table end-to-end: it publishes the bus messages a real
// subsystem would, and logs what it receives back. No consensus or chain
// state lives here.
package chainstub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/bus"
)

// peerCountInterval is how often the stand-in asks the network layer for
// its current peer count, mirroring a JSON-RPC client polling Net.Response.
const peerCountInterval = 15 * time.Second

type jsonRPCRequest struct {
	ID        string `json:"id"`
	PeerCount bool   `json:"peercount,omitempty"`
}

type jsonRPCResponse struct {
	ID        string `json:"id"`
	PeerCount int    `json:"peercount"`
}

// Stub wires a Bus into the routing keys the Network engine understands,
// publishing periodic peercount requests and logging every topic it can
// receive (spec §4.5's LocalMessage/RemoteMessage tables).
type Stub struct {
	bus *bus.Bus
	log *zap.SugaredLogger

	stopCh chan struct{}
}

// New builds a Stub bound to b.
func New(b *bus.Bus, log *zap.SugaredLogger) *Stub {
	return &Stub{bus: b, log: log, stopCh: make(chan struct{})}
}

// Start subscribes to every bus topic the network layer publishes, and
// begins the periodic peercount poll loop.
func (s *Stub) Start() error {
	remoteTopics := []string{
		"Net.CompactSignedProposal",
		"Net.RawBytes",
		"Net.Request",
		"Net.GetBlockTxn",
		"Net.BlockTxn",
		"Net.SnapshotResp",
		"Synchronizer.SyncResponse",
	}
	if err := s.bus.SubscribeAll(remoteTopics, s.logReceipt); err != nil {
		return fmt.Errorf("chainstub: subscribe: %w", err)
	}
	if err := s.bus.Subscribe("Net.Response", s.logPeerCountResponse); err != nil {
		return fmt.Errorf("chainstub: subscribe Net.Response: %w", err)
	}

	go s.pollPeerCount()
	return nil
}

// Stop ends the poll loop.
func (s *Stub) Stop() {
	close(s.stopCh)
}

func (s *Stub) logReceipt(routingKey string, body []byte) {
	s.log.Debugw("chainstub received bus message", "key", routingKey, "bytes", len(body))
}

func (s *Stub) logPeerCountResponse(_ string, body []byte) {
	var resp jsonRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		s.log.Warnw("could not decode Net.Response body", "error", err)
		return
	}
	s.log.Infow("peercount response", "id", resp.ID, "peercount", resp.PeerCount)
}

func (s *Stub) pollPeerCount() {
	ticker := time.NewTicker(peerCountInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.requestPeerCount()
		}
	}
}

func (s *Stub) requestPeerCount() {
	req := jsonRPCRequest{ID: uuid.NewString(), PeerCount: true}
	body, err := json.Marshal(req)
	if err != nil {
		s.log.Warnw("could not encode peercount request", "error", err)
		return
	}
	if err := s.bus.Publish("JsonRpc.RequestNet", body); err != nil {
		s.log.Warnw("could not publish peercount request", "error", err)
	}
}
