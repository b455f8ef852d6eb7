package sip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	tlsEmptyConf tls.Config

	// Errors
	ErrTransportNotSuported = errors.New("protocol not supported")
	// ErrNoSuitableChannel is returned when no transport matches the
	// destination scheme/transport of a message.
	ErrNoSuitableChannel = errors.New("no suitable channel for destination")
	// ErrLoopbackDestination guards against dialing our own listening endpoint.
	ErrLoopbackDestination = errors.New("destination is own listening endpoint")

	errTransportConnectionDoesNotExists = errors.New("connection does not exist")
)

// AddrResolver resolves a hostname to a network endpoint without blocking
// signaling longer than the passed context allows. The resolver package
// provides the production implementation with RFC 3263 semantics.
type AddrResolver interface {
	// LookupAddr fills addr IP (and port, when the lookup carries one, as
	// SRV does) for host. network is udp/tcp/tls/ws/wss, scheme sip or sips.
	LookupAddr(ctx context.Context, network string, scheme string, host string, addr *Addr) error
}

// netAddrResolver is fallback AddrResolver on top of net.Resolver:
// plain A/AAAA lookup, SRV when the host has no port.
type netAddrResolver struct {
	r   *net.Resolver
	log zerolog.Logger
}

func (n *netAddrResolver) LookupAddr(ctx context.Context, network string, scheme string, host string, addr *Addr) error {
	ips, err := n.r.LookupIPAddr(ctx, host)
	if err == nil && len(ips) > 0 {
		// Prefer IPV4
		for _, ip := range ips {
			if ip.IP.To4() != nil {
				addr.IP = ip.IP
				return nil
			}
		}
		addr.IP = ips[0].IP
		return nil
	}

	n.log.Info().Err(err).Str("host", host).Msg("IP addr resolving failed, doing dns SRV resolver")

	var proto string
	switch network {
	case "udp", "udp4", "udp6":
		proto = "udp"
	case "tls":
		proto = "tls"
	default:
		proto = "tcp"
	}

	_, addrs, err := n.r.LookupSRV(ctx, scheme, proto, host)
	if err != nil {
		return fmt.Errorf("failed to lookup SRV for %q: %w", host, err)
	}
	record := addrs[0]

	ips2, err := n.r.LookupIP(ctx, "ip", record.Target)
	if err != nil {
		return err
	}
	if len(ips2) == 0 {
		return fmt.Errorf("SRV resolving failed for %q", record.Target)
	}

	addr.IP = ips2[0]
	addr.Port = int(record.Port)
	return nil
}

// TransportLayer implementation. Owns the channel set and routes messages
// between channels and the transaction layer.
type TransportLayer struct {
	udp *TransportUDP
	tcp *TransportTCP
	tls *TransportTLS
	ws  *TransportWS
	wss *TransportWSS

	listenPorts   map[string][]int
	listenAddrs   map[string]struct{}
	listenPortsMu sync.Mutex
	resolver      AddrResolver

	handlers []MessageHandler

	log zerolog.Logger

	// connectionReuse will force connection reuse when passing request
	connectionReuse bool

	// outboundProxy, when set, overrides the resolved endpoint of every
	// request, but never the Request-URI.
	outboundProxy *Addr

	// DisableLoopbackCheck allows tests to dial own listening endpoints.
	DisableLoopbackCheck bool
}

type TransportLayerOption func(l *TransportLayer)

func WithTransportLayerLogger(logger zerolog.Logger) TransportLayerOption {
	return func(l *TransportLayer) {
		l.log = logger
	}
}

func WithTransportLayerConnectionReuse(f bool) TransportLayerOption {
	return func(l *TransportLayer) {
		l.connectionReuse = f
	}
}

// WithTransportLayerOutboundProxy routes every request through proxy addr.
func WithTransportLayerOutboundProxy(addr Addr) TransportLayerOption {
	return func(l *TransportLayer) {
		l.outboundProxy = &addr
	}
}

// NewTransportLayer creates transport layer.
// resolver - AddrResolver, nil for net.Resolver fallback
// sipparser - message parser shared by all transports
// tlsConfig - can be nil to use default tls
func NewTransportLayer(
	resolver AddrResolver,
	sipparser *Parser,
	tlsConfig *tls.Config,
	options ...TransportLayerOption,
) *TransportLayer {
	l := &TransportLayer{
		listenPorts:     make(map[string][]int),
		listenAddrs:     make(map[string]struct{}),
		resolver:        resolver,
		connectionReuse: true,
		log:             log.Logger,
	}

	for _, o := range options {
		o(l)
	}

	if l.resolver == nil {
		l.resolver = &netAddrResolver{r: net.DefaultResolver, log: l.log}
	}

	if tlsConfig == nil {
		// Use empty tls config
		tlsConfig = &tlsEmptyConf
	}

	l.udp = &TransportUDP{log: l.log, connectionReuse: l.connectionReuse}
	l.tcp = &TransportTCP{log: l.log, connectionReuse: l.connectionReuse}
	l.tls = &TransportTLS{TransportTCP: &TransportTCP{log: l.log, connectionReuse: l.connectionReuse}}
	l.ws = &TransportWS{log: l.log}
	l.wss = &TransportWSS{TransportWS: &TransportWS{log: l.log}}

	l.udp.init(sipparser)
	l.tcp.init(sipparser)
	l.tls.init(sipparser, tlsConfig)
	l.ws.init(sipparser)
	l.wss.init(sipparser, tlsConfig)

	return l
}

// OnMessage is main function which will be called on any new message by transport layer.
// Consider there is no concurrency and you need to make sure that you do not block too long.
// This is intentional as higher concurrency can slow things.
func (l *TransportLayer) OnMessage(h MessageHandler) {
	l.handlers = append(l.handlers, h)
}

// handleMessage is transport layer entry for handling messages
func (l *TransportLayer) handleMessage(msg Message) {
	// 18.1.2 Receiving Responses
	// States that transport should find transaction and if not, it should
	// still forward message to core
	for _, h := range l.handlers {
		h(msg)
	}
}

// ServeUDP will listen on udp connection
func (l *TransportLayer) ServeUDP(c net.PacketConn) error {
	if err := l.addListenAddr("udp", c.LocalAddr().String()); err != nil {
		return err
	}

	return l.udp.Serve(c, l.handleMessage)
}

// ServeTCP will listen on tcp listener
func (l *TransportLayer) ServeTCP(c net.Listener) error {
	if err := l.addListenAddr("tcp", c.Addr().String()); err != nil {
		return err
	}

	return l.tcp.Serve(c, l.handleMessage)
}

// ServeTLS will listen on tls listener. Use tls.NewListener to wrap raw tcp.
func (l *TransportLayer) ServeTLS(c net.Listener) error {
	if err := l.addListenAddr("tls", c.Addr().String()); err != nil {
		return err
	}
	return l.tls.Serve(c, l.handleMessage)
}

// ServeWS will listen on ws listener
func (l *TransportLayer) ServeWS(c net.Listener) error {
	if err := l.addListenAddr("ws", c.Addr().String()); err != nil {
		return err
	}

	return l.ws.Serve(c, l.handleMessage)
}

// ServeWSS will listen on wss listener
func (l *TransportLayer) ServeWSS(c net.Listener) error {
	if err := l.addListenAddr("wss", c.Addr().String()); err != nil {
		return err
	}

	return l.wss.Serve(c, l.handleMessage)
}

func (l *TransportLayer) addListenAddr(network string, addr string) error {
	_, port, err := ParseAddr(addr)
	if err != nil {
		return err
	}

	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	l.listenPorts[network] = append(l.listenPorts[network], port)
	l.listenAddrs[network+"/"+addr] = struct{}{}
	return nil
}

func (l *TransportLayer) GetListenPort(network string) int {
	network = NetworkToLower(network)
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	ports := l.listenPorts[network]
	if len(ports) > 0 {
		return ports[0]
	}
	return 0
}

// isOwnEndpoint reports whether addr is one of our listening endpoints.
// Prevents loopback storms when a request routes back to ourselves.
func (l *TransportLayer) isOwnEndpoint(network string, addr string) bool {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	_, ok := l.listenAddrs[network+"/"+addr]
	return ok
}

// WriteMsg sends message based on its destination and transport.
func (l *TransportLayer) WriteMsg(msg Message) error {
	network := msg.Transport()
	addr := msg.Destination()
	return l.WriteMsgTo(msg, addr, network)
}

func (l *TransportLayer) WriteMsgTo(msg Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *Request:
		ctx := context.Background()
		conn, err = l.ClientRequestConnection(ctx, m)
		if err != nil {
			return err
		}

		// Reference counting should prevent us closing connection too early
		defer conn.TryClose()

	case *Response:
		conn, err = l.GetConnection(network, addr)
		if err != nil {
			return err
		}

		defer conn.TryClose()
	}

	return conn.WriteMsg(msg)
}

// ClientRequestConnection is based on
// https://www.rfc-editor.org/rfc/rfc3261#section-18.1.1
// It is wrapper for getting and creating connection.
//
// In case req destination is DNS resolved, resolved addr is cached on the
// request for subsequent sends.
func (l *TransportLayer) ClientRequestConnection(ctx context.Context, req *Request) (c Connection, err error) {
	network := NetworkToLower(req.Transport())
	transport := l.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuitableChannel, network)
	}

	raddr := Addr{}
	if l.outboundProxy != nil {
		// Proxy endpoint overrides the URI resolved endpoint
		// but not the Request-URI.
		raddr = *l.outboundProxy
	} else if err := l.resolveRemoteAddr(ctx, network, req.Destination(), req.Recipient.Scheme, &raddr); err != nil {
		return nil, err
	}

	// Now use Via header to determine our local address.
	// Before a request is sent, the client transport MUST insert a value of
	// the "sent-by" field into the Via header field.
	viaHop := req.Via()
	if viaHop == nil {
		// NOTE: We are enforcing that client creates this header
		return nil, fmt.Errorf("missing Via header")
	}

	laddr := req.Laddr
	req.raddr = raddr

	if !l.DisableLoopbackCheck && l.isOwnEndpoint(network, raddr.String()) {
		return nil, fmt.Errorf("%w: %s/%s", ErrLoopbackDestination, network, raddr.String())
	}

	// This is probably client forcing host:port
	if laddr.IP != nil && laddr.Port > 0 {
		c = transport.GetConnection(laddr.String())
	} else if l.connectionReuse {
		c = transport.GetConnection(raddr.String())
	}

	if c == nil {
		l.log.Debug().Str("laddr", laddr.String()).Str("raddr", raddr.String()).Str("network", network).Msg("Creating connection")
		c, err = transport.CreateConnection(ctx, laddr, raddr, l.handleMessage)
		if err != nil {
			return nil, err
		}
	}

	if err := l.overrideSentBy(c, viaHop); err != nil {
		return nil, err
	}

	return c, nil
}

// serverRequestConnection implements serving connection when response needs
// to be returned. Based on:
// https://datatracker.ietf.org/doc/html/rfc3261#section-18.2.2
//
// NOTE: this normally should be called one time per request transaction.
func (l *TransportLayer) serverRequestConnection(ctx context.Context, req *Request) (c Connection, err error) {
	network := NetworkToLower(req.Transport())
	transport := l.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuitableChannel, network)
	}

	sourceAddr := req.MessageData.Source()
	if IsReliable(network) && sourceAddr != "" {
		// If the "sent-protocol" is a reliable transport protocol such as
		// TCP or TLS, the response MUST be sent using
		// the existing connection to the source of the original request.
		if conn := transport.GetConnection(sourceAddr); conn != nil {
			return conn, nil
		}
	}

	viaHop := req.Via()
	if viaHop == nil {
		return nil, fmt.Errorf("no Via header present")
	}

	_, viaPort := req.sourceViaHostPort()
	if sourceAddr != "" {
		// https://datatracker.ietf.org/doc/html/rfc3263#section-5
		// For unreliable transport protocols, reply to the source
		// address of the request, and the port in the Via header field
		sourceHost, sourcePort, err := ParseAddr(sourceAddr)
		if err != nil {
			return nil, err
		}
		raddr := Addr{
			IP:       net.ParseIP(sourceHost),
			Port:     viaPort,
			Hostname: sourceHost,
		}

		// https://datatracker.ietf.org/doc/html/rfc3581#section-4
		// If rport is requested then we must use source port instead
		if viaHop.Params != nil {
			if rport, ok := viaHop.Params.Get("rport"); ok && rport == "" {
				raddr.Port = sourcePort
			}
		}

		if raddr.Port == 0 {
			raddr.Port = DefaultPort(network)
		}

		// Set request addr here which is used for response build and setting received and rport if needed
		req.raddr = raddr

		if c := transport.GetConnection(sourceAddr); c != nil {
			return c, nil
		}
		if c := transport.GetConnection(raddr.String()); c != nil {
			return c, nil
		}
	}

	raddr := Addr{}
	viaHost, _ := req.sourceViaHostPort()
	if err := l.resolveRemoteAddr(ctx, network, net.JoinHostPort(viaHost, fmt.Sprintf("%d", viaPort)), req.Recipient.Scheme, &raddr); err != nil {
		return nil, err
	}

	// Set request remote address to be used for further responses
	req.raddr = raddr

	if c := transport.GetConnection(raddr.String()); c != nil {
		return c, nil
	}

	laddr := Addr{}
	l.log.Debug().Str("raddr", raddr.String()).Str("network", network).Msg("Creating server connection")
	return transport.CreateConnection(ctx, laddr, raddr, l.handleMessage)
}

func (l *TransportLayer) resolveRemoteAddr(ctx context.Context, network string, a string, sipScheme string, raddr *Addr) error {
	host, port, err := ParseAddr(a)
	if err != nil {
		// Maybe just missing port
		host = a
		port = 0
	}
	raddr.Hostname = host
	raddr.Port = port

	netaddr, err := netip.ParseAddr(host)
	if err != nil || !netaddr.IsValid() {
		// https://datatracker.ietf.org/doc/html/rfc3263#section-5
		if sipScheme == "" {
			sipScheme = "sip"
		}
		if err := l.resolver.LookupAddr(ctx, network, sipScheme, host, raddr); err != nil {
			return err
		}
		if raddr.Port == 0 {
			raddr.Port = DefaultPort(network)
		}
		return nil
	}

	if raddr.Port == 0 {
		raddr.Port = DefaultPort(network)
	}

	ipBytes := netaddr.As16()
	raddr.IP = net.IP(ipBytes[:])
	return nil
}

func (l *TransportLayer) overrideSentBy(c Connection, viaHop *ViaHeader) error {
	if viaHop.Host != "" && viaHop.Port > 0 {
		// avoids underhood parsing
		return nil
	}

	la := c.LocalAddr()
	laStr := la.String()

	host, port, err := ParseAddr(laStr)
	if err != nil {
		return fmt.Errorf("failed to parse local connection address network=%s addr=%s: %w", la.Network(), laStr, err)
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-18
	// We are overriding only if client did not set this
	if viaHop.Host == "" {
		viaHop.Host = host
	}

	if viaHop.Port == 0 {
		viaHop.Port = port
	}
	return nil
}

// GetConnection gets existing connection for network and addr.
func (l *TransportLayer) GetConnection(network, addr string) (Connection, error) {
	network = NetworkToLower(network)

	transport := l.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuitableChannel, network)
	}

	l.log.Debug().Str("network", network).Str("addr", addr).Msg("getting connection")
	c := transport.GetConnection(addr)
	if c == nil {
		return nil, errTransportConnectionDoesNotExists
	}

	return c, nil
}

func (l *TransportLayer) Close() error {
	l.log.Debug().Msg("Layer is closing")
	var werr error
	for _, t := range l.allTransports() {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			werr = errors.Join(werr, err)
		}
	}
	if werr != nil {
		l.log.Debug().Err(werr).Msg("Layer closed with error")
	}
	return werr
}

func (l *TransportLayer) getTransport(network string) Transport {
	switch network {
	case "udp":
		return l.udp
	case "tcp":
		return l.tcp
	case "tls":
		return l.tls
	case "ws":
		return l.ws
	case "wss":
		return l.wss
	}
	return nil
}

func (l *TransportLayer) allTransports() []Transport {
	return []Transport{l.udp, l.tcp, l.tls, l.ws, l.wss}
}
