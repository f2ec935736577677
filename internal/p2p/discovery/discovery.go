// Package discovery implements the address-manager contract an external
// peer-discovery library expects (spec §4.2): add_new, get_random, and a
// stubbed misbehave the discovery flow never actually calls. It also runs
// the address-exchange protocol itself, over a libp2p stream for protocol
// id 0: periodically advertising a random sample of known addresses to
// each open discovery session and feeding addresses learned from peers
// back into add_new.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
	"github.com/empower1/netlayer/internal/p2p"
)

// ErrNotImplemented is returned by Misbehave: the expected discovery flow
// never invokes it (spec §4.2), so it is stubbed rather than grounded in
// any scoring logic.
var ErrNotImplemented = errors.New("discovery: misbehave is not implemented")

// getRandomTimeout bounds the blocking get_random receive; the source
// specifies no timeout (spec §4.2), so we apply the recommended 5s bound.
const getRandomTimeout = 5 * time.Second

// gossipInterval is how often each open discovery session is sent a fresh
// sample of known addresses.
const gossipInterval = 30 * time.Second

// gossipFanout bounds how many addresses are advertised per gossip round.
const gossipFanout = 8

// addrListFrame is the gob-encoded payload exchanged over the discovery
// protocol: a batch of multiaddr strings the sender currently knows about.
type addrListFrame struct {
	Addrs []string
}

// Adapter implements the discovery library's address-manager contract on
// top of a p2p.Client, and doubles as the protocol engine driving the wire
// exchange that contract is meant to serve.
type Adapter struct {
	client p2p.Client
	log    *zap.SugaredLogger
}

// NewAdapter builds a discovery Adapter bound to client.
func NewAdapter(client p2p.Client, log *zap.SugaredLogger) *Adapter {
	return &Adapter{client: client, log: log}
}

// AddNew implements add_new(multiaddr): converts to a raw socket address and
// enqueues an AddNode request, returning immediately.
func (a *Adapter) AddNew(m ma.Multiaddr) error {
	addr, err := netaddr.FromMultiaddr(m)
	if err != nil {
		return fmt.Errorf("discovery: add_new: %w", err)
	}
	a.client.AddNode(addr)
	return nil
}

// GetRandom implements get_random(n): blocks on NodesManager's reply channel
// (bounded by getRandomTimeout) and converts results back to multiaddr form.
// On timeout it falls back to an empty list rather than propagating an
// error, per spec §4.2's Open-Question guidance.
func (a *Adapter) GetRandom(ctx context.Context, n int) []ma.Multiaddr {
	ctx, cancel := context.WithTimeout(ctx, getRandomTimeout)
	defer cancel()

	addrs, err := a.client.GetRandomNodes(ctx, n)
	if err != nil {
		a.log.Debugw("get_random timed out, returning empty list", "error", err)
		return nil
	}

	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		m, err := addr.ToMultiaddr()
		if err != nil {
			a.log.Warnw("could not convert known address to multiaddr, skipping", "addr", addr, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Misbehave is the stubbed third leg of the address-manager contract. The
// expected discovery flow never calls it; any caller that does gets
// ErrNotImplemented.
func (a *Adapter) Misbehave(ma.Multiaddr, int) (int, error) {
	return 0, ErrNotImplemented
}

// StreamHandler returns the libp2p stream handler for discovery protocol id
// 0 sessions, driven regardless of which side opened the stream: it reads
// advertised address lists and feeds them to AddNew, and on a timer writes
// back a sample drawn from GetRandom. Spec §3's SessionData tracks the
// session's direction, peer, and frame count for the lifetime of the
// exchange.
func (a *Adapter) StreamHandler() network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()

		direction := p2p.DirInbound
		if s.Stat().Direction == network.DirOutbound {
			direction = p2p.DirOutbound
		}
		peerAddr, err := netaddr.FromMultiaddr(s.Conn().RemoteMultiaddr())
		if err != nil {
			a.log.Debugw("discovery: could not resolve peer address for session", "error", err)
		}
		data := &p2p.SessionData{Direction: direction, Peer: peerAddr}

		done := make(chan struct{})
		defer close(done)
		go a.gossipLoop(s, done)

		r := bufio.NewReader(s)
		for {
			frame, err := readLengthPrefixed(r)
			if err != nil {
				if err != io.EOF {
					a.log.Debugw("discovery stream read error", "peer", data.Peer, "error", err)
				}
				return
			}
			data.FrameCount++
			a.handleFrame(frame, data)
		}
	}
}

// handleFrame decodes one inbound addrListFrame and registers every address
// it carries via AddNew, exactly as the expected discovery flow would when
// a peer advertises addresses it knows about.
func (a *Adapter) handleFrame(frame []byte, data *p2p.SessionData) {
	var msg addrListFrame
	if err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&msg); err != nil {
		a.log.Debugw("discovery: could not decode address list frame", "peer", data.Peer, "error", err)
		return
	}
	for _, raw := range msg.Addrs {
		m, err := ma.NewMultiaddr(raw)
		if err != nil {
			a.log.Debugw("discovery: skipping unparsable advertised address", "addr", raw, "error", err)
			continue
		}
		if err := a.AddNew(m); err != nil {
			a.log.Debugw("discovery: add_new failed for advertised address", "addr", raw, "error", err)
		}
	}
	a.log.Debugw("discovery: received address list", "peer", data.Peer, "direction", data.Direction, "count", len(msg.Addrs), "session_frames", data.FrameCount)
}

// gossipLoop periodically draws a sample from GetRandom and writes it to s,
// until done is closed or the write fails.
func (a *Adapter) gossipLoop(s network.Stream, done <-chan struct{}) {
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			addrs := a.GetRandom(context.Background(), gossipFanout)
			if len(addrs) == 0 {
				continue
			}
			raws := make([]string, 0, len(addrs))
			for _, m := range addrs {
				raws = append(raws, m.String())
			}

			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(addrListFrame{Addrs: raws}); err != nil {
				a.log.Warnw("discovery: could not encode address list frame", "error", err)
				continue
			}
			if err := writeLengthPrefixed(s, buf.Bytes()); err != nil {
				a.log.Debugw("discovery: gossip write failed, ending session", "error", err)
				return
			}
		}
	}
}

func writeLengthPrefixed(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
