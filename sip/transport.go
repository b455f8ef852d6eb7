package sip

import (
	"context"
	"net"
	"strconv"
)

var (
	// MaxMessageSize is maximum size of a single SIP message the stack accepts.
	MaxMessageSize = 65535

	// TransportBufferReadSize is socket read buffer size. Stream transports
	// carry 2x max message size so a full message plus residue always fits.
	TransportBufferReadSize = 2 * MaxMessageSize

	// IdleConnection will keep connections idle even after transaction terminates
	// -1 	- single response or request will close
	// 0 	- close connection immediately after transaction terminate
	// 1 	- keep connection idle after transaction termination
	IdleConnection int = 1
)

const (
	// Transport names for different sip messages. GO uses lowercase, but for
	// message parsing we use these constants for setting message Transport.
	TransportUDPName = "UDP"
	TransportTCPName = "TCP"
	TransportTLSName = "TLS"
	TransportWSName  = "WS"
	TransportWSSName = "WSS"

	DefaultProtocol = "UDP"

	DefaultUdpPort int = 5060
	DefaultTcpPort int = 5060
	DefaultTlsPort int = 5061
	DefaultWsPort  int = 80
	DefaultWssPort int = 443
)

// Transport implements network specific features.
type Transport interface {
	Network() string

	// GetConnection returns connection from transport.
	// addr must be resolved to IP:port.
	GetConnection(addr string) Connection
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Addr is a resolved network endpoint.
type Addr struct {
	IP       net.IP // Must be in IP format
	Port     int
	Hostname string // Original hostname before resolving, used for TLS server name
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	}

	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// DefaultPort returns transport default port by network.
func DefaultPort(transport string) int {
	switch NetworkToLower(transport) {
	case "tls":
		return DefaultTlsPort
	case "tcp":
		return DefaultTcpPort
	case "udp":
		return DefaultUdpPort
	case "ws":
		return DefaultWsPort
	case "wss":
		return DefaultWssPort
	default:
		return DefaultTcpPort
	}
}

// IsReliable returns true for stream (connection oriented) networks.
func IsReliable(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}

// NetworkToLower is faster function converting UDP, TCP to udp, tcp
func NetworkToLower(network string) string {
	// Switch is faster than lower
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	default:
		return ASCIIToLower(network)
	}
}

// NetworkToUpper is faster function converting udp, tcp to UDP, TCP
func NetworkToUpper(network string) string {
	switch network {
	case "udp":
		return "UDP"
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	case "ws":
		return "WS"
	case "wss":
		return "WSS"
	default:
		return ASCIIToUpper(network)
	}
}
