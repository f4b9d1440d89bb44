// Package netutil resolves the addresses a process advertises to its peers.
package netutil

import (
	"fmt"
	"net"
	"strings"
)

// InterfaceAddress returns the first non-loopback IPv4 address of an
// interface that is up, or 127.0.0.1 if there is none.
func InterfaceAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}

// TCPEndpoint formats a ZeroMQ tcp endpoint.
func TCPEndpoint(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, fmt.Sprint(port))
}

// BoundEndpoint rewrites the endpoint a socket was asked to listen on so it
// carries the port that was actually bound. A wildcard host is replaced by
// InterfaceAddress.
func BoundEndpoint(requested string, bound net.Addr) (string, error) {
	if bound == nil {
		return "", fmt.Errorf("no bound address for %s", requested)
	}
	_, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return "", err
	}
	host, _, err := net.SplitHostPort(strings.TrimPrefix(requested, "tcp://"))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", requested, err)
	}
	if host == "" || host == "*" || host == "0.0.0.0" {
		host = InterfaceAddress()
	}
	return "tcp://" + net.JoinHostPort(host, port), nil
}
