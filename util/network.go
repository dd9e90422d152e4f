package util

import (
	"fmt"
	"net"
	"strings"
)

// AnyAddr is the keys-file marker for a peer whose address is learned
// from its own traffic.
const AnyAddr = "any"

// PeerAddr converts a keys-file address column into a UDP destination
// and the range its traffic may come from.
//
// A numeric IP yields a fixed destination on port and no range.  A CIDR
// yields only the range, and "any" yields neither: such peers become
// reachable once they have contacted us.  Host names are rejected; the
// roster only trusts numeric addresses.
func PeerAddr(ip string, port int) (*net.UDPAddr, *net.IPNet, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil, nil, fmt.Errorf("empty peer address")
	}
	if strings.EqualFold(ip, AnyAddr) {
		return nil, nil, nil
	}
	if strings.Contains(ip, "/") {
		_, network, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid peer network %q: %w", ip, err)
		}
		return nil, network, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil, fmt.Errorf("cannot parse %q as an IP address", ip)
	}
	return &net.UDPAddr{IP: parsed, Port: port}, nil, nil
}

// ListenUDP binds the daemon's single UDP socket.
func ListenUDP(address string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("listen UDP on %s: %w", address, err)
	}
	return conn, nil
}
