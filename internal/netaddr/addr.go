// Package netaddr defines the canonical peer address used across the
// network layer: a normalized IP+port pair, comparable and hashable so it
// can key the NodesManager's peer tables directly.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var (
	ErrEmptyHost    = errors.New("netaddr: empty host")
	ErrInvalidPort  = errors.New("netaddr: invalid port")
	ErrNotIPAddress = errors.New("netaddr: multiaddr does not resolve to an IP/TCP address")
)

// Addr is the RawAddress of the spec: a normalized socket address used as
// the key in both KnownPeers and ConnectedPeers' value side.
type Addr struct {
	IP   string
	Port uint16
}

// Parse normalizes a "host:port" string into an Addr.
func Parse(hostport string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, fmt.Errorf("netaddr: parse %q: %w", hostport, err)
	}
	if host == "" {
		return Addr{}, ErrEmptyHost
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, fmt.Errorf("netaddr: %q is not a valid IP: %w", host, ErrEmptyHost)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrInvalidPort, err)
	}
	return Addr{IP: ip.String(), Port: uint16(port)}, nil
}

// String renders the canonical "ip:port" form.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// ToMultiaddr converts the address to its libp2p TCP multiaddr form, used
// when handing the address to the P2P service or the discovery protocol.
func (a Addr) ToMultiaddr() (ma.Multiaddr, error) {
	proto := "ip4"
	if ip := net.ParseIP(a.IP); ip != nil && ip.To4() == nil {
		proto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, a.IP, a.Port))
}

// FromMultiaddr extracts the IP+port pair out of a libp2p multiaddr,
// dropping any trailing /p2p/<peer-id> component.
func FromMultiaddr(m ma.Multiaddr) (Addr, error) {
	ipStr, err := m.ValueForProtocol(ma.P_IP4)
	if err != nil {
		ipStr, err = m.ValueForProtocol(ma.P_IP6)
		if err != nil {
			_, host, portErr := manet.DialArgs(m)
			if portErr != nil {
				return Addr{}, fmt.Errorf("%w: %v", ErrNotIPAddress, err)
			}
			return Parse(host)
		}
	}
	portStr, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrNotIPAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrInvalidPort, err)
	}
	return Addr{IP: ipStr, Port: uint16(port)}, nil
}
