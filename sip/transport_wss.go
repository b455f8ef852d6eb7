package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// TransportWSS is secure WebSocket transport. TLS handshake completes before
// the WebSocket upgrade and before any SIP bytes flow.
type TransportWSS struct {
	*TransportWS

	tlsConf *tls.Config
}

func (t *TransportWSS) init(par *Parser, dialTLSConf *tls.Config) {
	if t.TransportWS == nil {
		t.TransportWS = &TransportWS{}
	}
	t.TransportWS.init(par)
	t.TransportWS.transport = TransportWSSName
	t.tlsConf = dialTLSConf
	t.dialer.TLSConfig = dialTLSConf
}

func (t *TransportWSS) String() string {
	return "transport<WSS>"
}

func (t *TransportWSS) Network() string {
	return TransportWSSName
}

// CreateConnection creates WSS connection: TCP dial, TLS client handshake,
// WebSocket upgrade.
func (t *TransportWSS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	// Must have IP resolved
	if raddr.IP == nil {
		return nil, fmt.Errorf("remote address IP not resolved")
	}

	// Hostname must be passed for TLS if provided due to certificates check
	hostname := raddr.Hostname
	if hostname == "" {
		hostname = raddr.IP.String()
	}
	addr := net.JoinHostPort(hostname, strconv.Itoa(raddr.Port))

	// Use default unless local address is set
	var tladdr *net.TCPAddr = nil
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{
			IP:   laddr.IP,
			Port: laddr.Port,
		}
	}

	traddr := &net.TCPAddr{
		IP:   raddr.IP,
		Port: raddr.Port,
	}

	// Make sure we have port set
	if traddr.Port == 0 {
		traddr.Port = DefaultWssPort
	}

	netDialer := &net.Dialer{
		Timeout:   TCPConnectTimeout,
		LocalAddr: tladdr,
	}

	t.log.Debug().Str("raddr", traddr.String()).Msg("Dialing new connection")
	conn, err := netDialer.DialContext(ctx, "tcp", traddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial TCP error: %w", err)
	}

	t.log.Debug().Str("hostname", hostname).Msg("Setting up TLS connection")
	config := t.tlsConf
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = hostname
	}
	tlsConn := tls.Client(conn, config)

	hctx, cancel := context.WithTimeout(ctx, TLSHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake error: %w", err)
	}

	u, err := url.ParseRequestURI("wss://" + addr)
	if err != nil {
		return nil, fmt.Errorf("parse request wss uri failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
		defer tlsConn.SetDeadline(time.Time{})
	}

	if _, _, err := t.dialer.Upgrade(tlsConn, u); err != nil {
		return nil, fmt.Errorf("failed to upgrade: %w", err)
	}

	ipAddr := traddr.String()
	c := t.initConnection(tlsConn, ipAddr, true, handler)
	c.Ref(1)
	return c, nil
}
