package p2p

import "github.com/empower1/netlayer/internal/netaddr"

// SessionID is the opaque monotonic identifier the P2P service assigns to
// each Transfer-protocol session. One session exists per negotiated
// protocol per connection; only Transfer-protocol sessions are tracked in
// ConnectedPeers.
type SessionID uint64

// Direction distinguishes who dialed whom for a given session, mirroring
// the libp2p connection direction (outbound = Client, inbound = Server).
type Direction int

const (
	// DirOutbound means this node initiated the connection (Client).
	DirOutbound Direction = iota
	// DirInbound means the remote peer initiated the connection (Server).
	DirInbound
)

func (d Direction) String() string {
	if d == DirOutbound {
		return "outbound"
	}
	return "inbound"
}

// SessionData is the transient, per-discovery-session bookkeeping the
// Discovery adapter keeps while a discovery exchange is in flight.
type SessionData struct {
	Direction  Direction
	Peer       netaddr.Addr
	FrameCount int
}
