package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

var (
	// TCPConnectTimeout bounds dialing of new stream connections.
	TCPConnectTimeout = 10 * time.Second

	// StreamIdleTimeout closes a stream connection with no transmission in
	// either direction for this long. Zero disables.
	StreamIdleTimeout = 5 * time.Minute
)

// TransportTCP is stream transport implementation. Messages are framed out of
// the stream with Content-Length.
type TransportTCP struct {
	transport       string
	parser          *Parser
	log             zerolog.Logger
	connectionReuse bool

	pool *ConnectionPool
}

func (t *TransportTCP) init(par *Parser) {
	t.parser = par
	t.pool = NewConnectionPool()
	t.transport = TransportTCPName
}

func (t *TransportTCP) String() string {
	return "transport<TCP>"
}

func (t *TransportTCP) Network() string {
	return t.transport
}

func (t *TransportTCP) Close() error {
	return t.pool.Clear()
}

// Serve is direct way to provide listener on which this worker will accept.
func (t *TransportTCP) Serve(l net.Listener, handler MessageHandler) error {
	t.log.Debug().Str("network", t.Network()).Str("laddr", l.Addr().String()).Msg("begin listening on")
	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Failed to accept connection")
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			// Disable lingering so local port can be rebound immediately.
			tc.SetLinger(0)
		}
		t.initConnection(conn, conn.RemoteAddr().String(), handler)
	}
}

func (t *TransportTCP) GetConnection(addr string) Connection {
	return t.pool.Get(addr)
}

func (t *TransportTCP) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	// We do singleflight if laddr is required or connection reuse
	conn, err := t.pool.addSingleflight(raddr, laddr, t.connectionReuse, func() (Connection, error) {
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

		addr := traddr.String()
		t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

		d := net.Dialer{
			Timeout:   TCPConnectTimeout,
			LocalAddr: tladdr,
		}

		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%s dial err=%w", t, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}

		c := &TCPConnection{
			Conn:     conn,
			id:       xid.New().String(),
			network:  t.transport,
			refcount: 2 + IdleConnection, // 1 returning + 1 reading + Idle
		}

		go t.readConnection(c, c.LocalAddr().String(), c.RemoteAddr().String(), handler)
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	return conn.(*TCPConnection), nil
}

func (t *TransportTCP) initConnection(conn net.Conn, raddr string, handler MessageHandler) Connection {
	laddr := conn.LocalAddr().String()
	t.log.Debug().Str("raddr", raddr).Msg("New connection")
	c := &TCPConnection{
		Conn:     conn,
		id:       xid.New().String(),
		network:  t.transport,
		refcount: 1 + IdleConnection,
	}
	t.pool.Add(laddr, c)
	t.pool.Add(raddr, c)
	go t.readConnection(c, laddr, raddr, handler)
	return c
}

func (t *TransportTCP) readConnection(conn *TCPConnection, laddr string, raddr string, handler MessageHandler) {
	buf := make([]byte, TransportBufferReadSize)
	defer t.pool.Delete(laddr)
	defer func() {
		if err := t.pool.CloseAndDelete(conn, raddr); err != nil {
			t.log.Warn().Err(err).Msg("connection pool not clean cleanup")
		}
	}()

	// Create stream parser context
	par := t.parser.NewSIPStream()
	defer par.Close()

	for {
		if StreamIdleTimeout > 0 {
			conn.Conn.SetReadDeadline(time.Now().Add(StreamIdleTimeout))
		}
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("connection was closed")
				return
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				t.log.Debug().Str("raddr", raddr).Msg("connection idle timeout")
				return
			}

			t.log.Error().Err(err).Msg("Read error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		// Check is keep alive
		datalen := len(data)
		if datalen <= 4 {
			// One or 2 CRLF
			// https://datatracker.ietf.org/doc/html/rfc5626#section-3.5.1
			if len(bytes.Trim(data, "\r\n")) == 0 {
				t.log.Debug().Msg("Keep alive CRLF received")
				if datalen == 4 {
					// 2 CRLF is ping
					if _, err := conn.Write(data[:2]); err != nil {
						t.log.Error().Err(err).Msg("Failed to pong keep alive")
						return
					}
				}
				continue
			}
		}

		if err := t.parseStream(par, data, raddr, handler); err != nil {
			// Malformed stream cannot be recovered, close connection.
			return
		}
	}
}

func (t *TransportTCP) parseStream(par *ParserStream, data []byte, src string, handler MessageHandler) error {
	err := par.ParseSIPStream(data, func(msg Message) {
		metricMessagesIn.WithLabelValues(t.Network()).Inc()
		msg.SetTransport(t.Network())
		msg.SetSource(src)
		handler(msg)
	})

	if err != nil {
		if errors.Is(err, ErrParseSipPartial) {
			return nil
		}
		metricParseErrors.WithLabelValues(t.Network()).Inc()
		t.log.Warn().Err(err).Str("data", string(data)).Msg("failed to parse, closing stream")
		return err
	}
	return nil
}

// TCPConnection is stream connection with receive framing and reference counting.
type TCPConnection struct {
	net.Conn

	id      string
	network string

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) ID() string {
	return c.id
}

func (c *TCPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
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

func (c *TCPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if SIPDebug && err == nil {
		logSIPRead(c.network, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *TCPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug && err == nil {
		logSIPWrite(c.network, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *TCPConnection) WriteMsg(msg Message) error {
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
