package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

var (
	// TLSHandshakeTimeout bounds the TLS handshake after socket connect.
	TLSHandshakeTimeout = 10 * time.Second
)

// TransportTLS is TCP transport wrapped in a TLS session. The handshake
// happens after socket accept/connect and before any SIP bytes flow.
// Certificate validation policy comes from caller supplied tls.Config.
type TransportTLS struct {
	*TransportTCP

	tlsConf *tls.Config
}

func (t *TransportTLS) init(par *Parser, dialTLSConf *tls.Config) {
	if t.TransportTCP == nil {
		t.TransportTCP = &TransportTCP{}
	}
	t.TransportTCP.init(par)
	t.transport = TransportTLSName
	t.tlsConf = dialTLSConf
}

func (t *TransportTLS) String() string {
	return "transport<TLS>"
}

func (t *TransportTLS) Network() string {
	return TransportTLSName
}

// CreateConnection dials TCP and performs the TLS client handshake on top.
func (t *TransportTLS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	hostname := raddr.Hostname
	if hostname == "" && raddr.IP != nil {
		hostname = raddr.IP.String()
	}

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

	netDialer := &net.Dialer{
		Timeout:   TCPConnectTimeout,
		LocalAddr: tladdr,
	}

	addr := traddr.String()
	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")
	// No resolving should happen here
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial TCP error: %w", err)
	}

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

	c := t.initConnection(tlsConn, addr, handler)
	c.Ref(1)
	return c, nil
}
