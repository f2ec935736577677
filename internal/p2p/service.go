package p2p

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
)

const (
	// ProtocolDiscovery is the protocol id used for the address-exchange
	// stream (spec §6's protocol id 0).
	ProtocolDiscovery = protocol.ID("/empower1/discovery/1.0.0")
	// ProtocolTransfer is the protocol id used for application frames
	// (spec §6's protocol id 1).
	ProtocolTransfer = protocol.ID("/empower1/transfer/1.0.0")

	maxFrameLen = 16 << 20 // 16 MiB, generous upper bound on a single frame
)

// ErrAlreadyConnected mirrors the "repeated connection" race spec.md's
// DialerError(RepeatedConnection) models: we asked to dial a peer we
// already have an open Transfer session to.
var ErrAlreadyConnected = errors.New("p2p: already have an open session to this peer")

// TransferReceivedFunc is invoked for every inbound Transfer-protocol
// frame, with the session id it arrived on and the peer's address.
type TransferReceivedFunc func(session SessionID, addr netaddr.Addr, frame []byte)

// TransferLifecycle receives the diagnostic connect/disconnect notifications
// the Transfer protocol adapter keeps for session display purposes, as
// distinct from the connectivity bookkeeping EventHandler performs for
// NodesManager.
type TransferLifecycle interface {
	Connected(session SessionID, addr netaddr.Addr)
	Disconnected(session SessionID)
}

// Service wraps a libp2p host into the "underlying P2P service library"
// spec §1 treats as an external collaborator: connection lifecycle,
// session multiplexing, and the secp256k1-authenticated Noise handshake.
type Service struct {
	host host.Host
	log  *zap.SugaredLogger

	handler          *EventHandler
	onFrame          TransferReceivedFunc
	lifecycle        TransferLifecycle
	discoveryHandler network.StreamHandler

	mu       sync.Mutex
	nextID   atomic.Uint64
	sessions map[SessionID]network.Stream // Transfer-protocol sessions only
	byAddr   map[netaddr.Addr]SessionID
}

// ServiceConfig configures a new Service.
type ServiceConfig struct {
	ListenPort int
	PrivateKey crypto.PrivKey // nil generates a fresh secp256k1 identity
}

// NewService constructs and starts listening a libp2p host on cfg.ListenPort,
// generating a secp256k1 identity if none is supplied.
func NewService(cfg ServiceConfig, log *zap.SugaredLogger) (*Service, error) {
	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateSecp256k1Key(crand.Reader)
		if err != nil {
			return nil, fmt.Errorf("p2p: generate identity: %w", err)
		}
	}

	listenAddr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("p2p: listen addr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddr),
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	s := &Service{
		host:     h,
		log:      log,
		sessions: make(map[SessionID]network.Stream),
		byAddr:   make(map[netaddr.Addr]SessionID),
	}
	return s, nil
}

// SetEventHandler installs the shared service-event handler (spec §4.4).
func (s *Service) SetEventHandler(h *EventHandler) {
	s.handler = h
}

// SetTransferHandler installs the callback invoked for inbound Transfer
// frames (wired to the Transfer protocol adapter's received()).
func (s *Service) SetTransferHandler(fn TransferReceivedFunc) {
	s.onFrame = fn
}

// SetTransferLifecycle installs the diagnostic connect/disconnect sink
// (wired to the Transfer protocol adapter's connected()/disconnected()).
func (s *Service) SetTransferLifecycle(l TransferLifecycle) {
	s.lifecycle = l
}

// SetDiscoveryHandler installs the stream handler for the Discovery
// protocol, delegated entirely to the discovery package's protocol engine.
// The same handler drives both inbound sessions (via the host's own
// dispatch) and outbound sessions Dial opens alongside a Transfer stream.
func (s *Service) SetDiscoveryHandler(fn network.StreamHandler) {
	s.discoveryHandler = fn
	s.host.SetStreamHandler(ProtocolDiscovery, fn)
}

// Start installs stream handlers and the connection-lifecycle notifiee,
// then begins serving.
func (s *Service) Start() {
	s.host.SetStreamHandler(ProtocolTransfer, s.handleTransferStream)
	s.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: s.handleDisconnected,
	})
	s.log.Infow("p2p service listening", "addrs", s.host.Addrs(), "id", s.host.ID())
}

// Close shuts the host down.
func (s *Service) Close() error {
	return s.host.Close()
}

// Dial implements ServiceControl: establish an outbound connection and
// open a Transfer-protocol stream to addr.
func (s *Service) Dial(ctx context.Context, addr netaddr.Addr) error {
	s.mu.Lock()
	if _, already := s.byAddr[addr]; already {
		s.mu.Unlock()
		if s.handler != nil {
			existing := s.byAddr[addr]
			s.handler.HandleDialerError(addr, ErrKindRepeatedConnection, &existing, ErrAlreadyConnected)
		}
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	maddr, err := addr.ToMultiaddr()
	if err != nil {
		if s.handler != nil {
			s.handler.HandleDialerError(addr, ErrKindOther, nil, err)
		}
		return err
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		// No embedded /p2p/<id> component: resolve via the swarm's
		// peerstore-free direct dial using the multiaddr alone.
		info = &peer.AddrInfo{Addrs: []ma.Multiaddr{maddr}}
	}

	if err := s.host.Connect(ctx, *info); err != nil {
		if s.handler != nil {
			s.handler.HandleDialerError(addr, ErrKindOther, nil, err)
		}
		return fmt.Errorf("p2p: dial %s: %w", addr, err)
	}

	stream, err := s.host.NewStream(ctx, info.ID, ProtocolTransfer)
	if err != nil {
		if s.handler != nil {
			s.handler.HandleDialerError(addr, ErrKindOther, nil, err)
		}
		return fmt.Errorf("p2p: open transfer stream to %s: %w", addr, err)
	}

	id := s.registerSession(addr, stream)
	if s.handler != nil {
		s.handler.HandleSessionOpen(id, addr, DirOutbound)
	}
	go s.readFrames(id, addr, stream)

	if s.discoveryHandler != nil {
		if dstream, err := s.host.NewStream(ctx, info.ID, ProtocolDiscovery); err != nil {
			s.log.Debugw("could not open discovery stream to peer", "addr", addr, "error", err)
		} else {
			go s.discoveryHandler(dstream)
		}
	}
	return nil
}

// BroadcastFrame implements ServiceControl.
func (s *Service) BroadcastFrame(frame []byte, exclude *SessionID) {
	s.mu.Lock()
	targets := make(map[SessionID]network.Stream, len(s.sessions))
	for id, st := range s.sessions {
		if exclude != nil && id == *exclude {
			continue
		}
		targets[id] = st
	}
	s.mu.Unlock()

	for id, st := range targets {
		if err := writeFrame(st, frame); err != nil {
			s.log.Warnw("broadcast write failed, dropping session", "session", id, "error", err)
			s.closeSession(id)
		}
	}
}

// Disconnect implements ServiceControl.
func (s *Service) Disconnect(session SessionID) {
	s.closeSession(session)
}

func (s *Service) handleTransferStream(stream network.Stream) {
	addr, err := netaddr.FromMultiaddr(stream.Conn().RemoteMultiaddr())
	if err != nil {
		s.log.Warnw("could not resolve remote address for inbound stream", "error", err)
		stream.Close()
		return
	}
	id := s.registerSession(addr, stream)
	if s.handler != nil {
		s.handler.HandleSessionOpen(id, addr, DirInbound)
	}
	s.readFrames(id, addr, stream)
}

func (s *Service) readFrames(id SessionID, addr netaddr.Addr, stream network.Stream) {
	defer s.closeSession(id)
	r := bufio.NewReader(stream)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.Debugw("transfer stream read error", "session", id, "error", err)
			}
			return
		}
		if s.onFrame != nil {
			s.onFrame(id, addr, frame)
		}
	}
}

func (s *Service) registerSession(addr netaddr.Addr, stream network.Stream) SessionID {
	id := SessionID(s.nextID.Add(1))
	s.mu.Lock()
	s.sessions[id] = stream
	s.byAddr[addr] = id
	s.mu.Unlock()
	if s.lifecycle != nil {
		s.lifecycle.Connected(id, addr)
	}
	return id
}

func (s *Service) closeSession(id SessionID) {
	s.mu.Lock()
	stream, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		for addr, sid := range s.byAddr {
			if sid == id {
				delete(s.byAddr, addr)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	stream.Close()
	if s.handler != nil {
		s.handler.HandleSessionClose(id)
	}
	if s.lifecycle != nil {
		s.lifecycle.Disconnected(id)
	}
}

// handleDisconnected reacts to the libp2p connection-level close
// notification; any Transfer sessions riding that connection are already
// torn down by their own readFrames loop observing EOF, so this is
// intentionally a no-op beyond logging. It exists to satisfy spec §4.4's
// requirement that any session closure, for any reason, reaches
// DelConnectedNode, which the per-stream readFrames defer already covers.
func (s *Service) handleDisconnected(_ network.Network, conn network.Conn) {
	s.log.Debugw("connection closed", "peer", conn.RemotePeer(), "addr", conn.RemoteMultiaddr())
}

func writeFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("p2p: frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
