package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

var (
	// WebSocketProtocols is used in setting websocket header.
	// By default clients must accept protocol sip.
	WebSocketProtocols = []string{"sip"}
)

// TransportWS implements WebSocket transport - RFC 7118. Every WebSocket
// frame carries exactly one SIP message; fragmented frames are reassembled
// before handoff.
type TransportWS struct {
	parser    *Parser
	log       zerolog.Logger
	transport string

	pool   *ConnectionPool
	dialer ws.Dialer
}

func (t *TransportWS) init(par *Parser) {
	t.parser = par
	t.pool = NewConnectionPool()
	t.transport = TransportWSName
	t.dialer = ws.DefaultDialer
	t.dialer.Protocols = WebSocketProtocols
}

func (t *TransportWS) String() string {
	return "transport<WS>"
}

func (t *TransportWS) Network() string {
	return t.transport
}

func (t *TransportWS) Close() error {
	return t.pool.Clear()
}

// Serve is direct way to provide listener on which this worker will accept
// WebSocket upgrades.
func (t *TransportWS) Serve(l net.Listener, handler MessageHandler) error {
	t.log.Debug().Str("network", t.Network()).Str("laddr", l.Addr().String()).Msg("begin listening on")

	// Prepare handshake header writer from http.Header mapping.
	// Some phones want to get this returned.
	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})

	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Error().Err(err).Msg("Failed to accept connection")
			}
			return err
		}

		raddr := conn.RemoteAddr().String()
		t.log.Debug().Str("addr", raddr).Msg("New connection accept")

		if _, err := u.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Msg("Failed to upgrade")
			if err := conn.Close(); err != nil {
				t.log.Error().Err(err).Msg("Closing connection failed")
			}
			continue
		}

		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *TransportWS) initConnection(conn net.Conn, raddr string, clientSide bool, handler MessageHandler) Connection {
	laddr := conn.LocalAddr().String()
	t.log.Debug().Str("raddr", raddr).Msg("New WS connection")
	c := &WSConnection{
		Conn:       conn,
		id:         xid.New().String(),
		network:    t.transport,
		refcount:   1 + IdleConnection,
		clientSide: clientSide,
	}
	t.pool.Add(laddr, c)
	t.pool.Add(raddr, c)
	go t.readConnection(c, laddr, raddr, handler)
	return c
}

func (t *TransportWS) readConnection(conn *WSConnection, laddr string, raddr string, handler MessageHandler) {
	buf := make([]byte, TransportBufferReadSize)
	defer t.pool.Delete(laddr)
	defer func() {
		if err := t.pool.CloseAndDelete(conn, raddr); err != nil {
			t.log.Warn().Err(err).Msg("connection pool not clean cleanup")
		}
	}()
	defer t.log.Debug().Str("raddr", raddr).Msg("Websocket read connection stopped")

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		// Check is keep alive
		if len(data) <= 4 {
			// One or 2 CRLF
			if len(bytes.Trim(data, "\r\n")) == 0 {
				t.log.Debug().Msg("Keep alive CRLF received")
				continue
			}
		}

		t.parseAndHandle(data, raddr, handler)
	}
}

// parseAndHandle parses one WS frame as one complete SIP message.
func (t *TransportWS) parseAndHandle(data []byte, src string, handler MessageHandler) {
	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		metricParseErrors.WithLabelValues(t.Network()).Inc()
		t.log.Warn().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}
	metricMessagesIn.WithLabelValues(t.Network()).Inc()

	msg.SetTransport(t.Network())
	msg.SetSource(src)
	handler(msg)
}

func (t *TransportWS) GetConnection(addr string) Connection {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil
	}
	return t.pool.Get(raddr.String())
}

func (t *TransportWS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
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
	return t.createConnection(ctx, tladdr, traddr, handler)
}

func (t *TransportWS) createConnection(ctx context.Context, laddr *net.TCPAddr, raddr *net.TCPAddr, handler MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	if laddr != nil {
		t.log.Error().Str("laddr", laddr.String()).Msg("Dialing with local IP is not supported on ws")
	}

	conn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	c := t.initConnection(conn, addr, true, handler)
	c.Ref(1)
	return c, nil
}

// WSConnection is WebSocket wrapper of net.Conn. Read reassembles one full
// message out of possibly fragmented frames.
type WSConnection struct {
	net.Conn

	id         string
	network    string
	clientSide bool
	mu         sync.RWMutex
	refcount   int
}

func (c *WSConnection) ID() string {
	return c.id
}

func (c *WSConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}

	if ref < 0 {
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *WSConnection) Read(b []byte) (n int, err error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}
	reader := wsutil.NewReader(c.Conn, state)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return n, net.ErrClosed
			}
			continue
		}

		if header.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := reader.Discard(); err != nil {
				return 0, err
			}
			continue
		}

		data := make([]byte, header.Length)
		if _, err = io.ReadFull(c.Conn, data); err != nil {
			return n, err
		}

		if header.Masked {
			ws.Cipher(data, header.Mask, 0)
		}

		if SIPDebug {
			logSIPRead(c.network, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), data)
		}

		n += copy(b[n:], data)

		// Fin marks the end of a possibly fragmented message.
		if header.Fin {
			break
		}
	}

	return n, nil
}

func (c *WSConnection) Write(b []byte) (n int, err error) {
	if SIPDebug {
		logSIPWrite(c.network, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b)
	}

	fs := ws.NewFrame(ws.OpText, true, b)
	if c.clientSide {
		fs = ws.MaskFrameInPlace(fs)
	}
	err = ws.WriteFrame(c.Conn, fs)

	return len(b), err
}

func (c *WSConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr().String(), err)
	}

	if n == 0 {
		return fmt.Errorf("wrote 0 bytes")
	}

	if n != len(data) {
		return fmt.Errorf("fail to write full message")
	}
	metricMessagesOut.WithLabelValues(c.network).Inc()
	return nil
}
