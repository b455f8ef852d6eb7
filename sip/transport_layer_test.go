package sip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testListenUDP(t *testing.T) net.PacketConn {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testBuildRequest(t *testing.T, method RequestMethod, target string, branch string) *Request {
	var recipient Uri
	require.NoError(t, ParseUri(target, &recipient))

	viaParams := NewParams()
	viaParams.Add("branch", branch)
	viaParams.Add("rport", "")
	fromParams := NewParams()
	fromParams.Add("tag", GenerateTagN(8))

	req := NewRequest(method, recipient)
	req.AppendHeader(&ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Params:          viaParams,
	})
	req.AppendHeader(&FromHeader{
		Address: Uri{Scheme: "sip", User: "tester", Host: "127.0.0.1"},
		Params:  fromParams,
	})
	req.AppendHeader(&ToHeader{
		Address: recipient,
	})
	callid := CallIDHeader("layer-test-" + branch)
	req.AppendHeader(&callid)
	req.AppendHeader(&CSeqHeader{SeqNo: 1, MethodName: method})
	req.SetBody(nil)
	return req
}

func TestUDPOptionsRoundTrip(t *testing.T) {
	parser := NewParser()

	// Server side
	serverConn := testListenUDP(t)
	serverTpl := NewTransportLayer(nil, parser, nil)
	serverTxl := NewTransactionLayer(serverTpl)
	defer serverTxl.Close()
	defer serverTpl.Close()

	serverTxl.OnRequest(func(req *Request, tx *ServerTx) {
		res := NewResponseFromRequest(req, StatusOK, "OK", nil)
		if err := tx.Respond(res); err != nil {
			t.Errorf("respond failed: %v", err)
		}
	})
	go serverTpl.ServeUDP(serverConn)

	// Client side
	clientTpl := NewTransportLayer(nil, parser, nil)
	clientTxl := NewTransactionLayer(clientTpl)
	defer clientTxl.Close()
	defer clientTpl.Close()

	branch := GenerateBranch()
	target := fmt.Sprintf("sip:%s", serverConn.LocalAddr().String())
	req := testBuildRequest(t, OPTIONS, target, branch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := clientTxl.Request(ctx, req)
	require.NoError(t, err)
	defer tx.Terminate()

	// Same transaction key: hash of branch and method.
	assert.Equal(t, TransactionKey(branch, OPTIONS), tx.Key())

	select {
	case res := <-tx.Responses():
		assert.Equal(t, StatusOK, res.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no response within 2s")
	}
}

func TestTCPStreamTrickle(t *testing.T) {
	parser := NewParser()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	tpl := NewTransportLayer(nil, parser, nil)
	defer tpl.Close()

	var mu sync.Mutex
	var received []string
	tpl.OnMessage(func(msg Message) {
		req, ok := msg.(*Request)
		if !ok {
			return
		}
		mu.Lock()
		received = append(received, req.Recipient.User)
		mu.Unlock()
	})
	go tpl.ServeTCP(listener)

	peer, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		raw := testRawMessage([]string{
			fmt.Sprintf("OPTIONS sip:%d@%s;transport=tcp SIP/2.0", i, listener.Addr().String()),
			"Via: SIP/2.0/TCP 127.0.0.1:9067;branch=" + GenerateBranch(),
			"From: <sip:trickler@127.0.0.1>;tag=tr",
			fmt.Sprintf("To: <sip:%d@%s>", i, listener.Addr().String()),
			fmt.Sprintf("Call-ID: trickle-%d", i),
			"CSeq: 1 OPTIONS",
			"Content-Length: 0",
			"",
			"",
		})
		_, err := peer.Write(raw)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}
	peer.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 10
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), received[i])
	}
}

func TestTransportLayerLoopbackGuard(t *testing.T) {
	parser := NewParser()
	tpl := NewTransportLayer(nil, parser, nil)
	defer tpl.Close()

	require.NoError(t, tpl.addListenAddr("udp", "127.0.0.1:5099"))

	branch := GenerateBranch()
	req := testBuildRequest(t, OPTIONS, "sip:127.0.0.1:5099", branch)

	_, err := tpl.ClientRequestConnection(context.Background(), req)
	require.ErrorIs(t, err, ErrLoopbackDestination)

	// Check can be disabled for tests.
	tpl.DisableLoopbackCheck = true
	conn, err := tpl.ClientRequestConnection(context.Background(), req)
	require.NoError(t, err)
	conn.TryClose()
}

func TestTransportLayerNoSuitableChannel(t *testing.T) {
	parser := NewParser()
	tpl := NewTransportLayer(nil, parser, nil)
	defer tpl.Close()

	req := testBuildRequest(t, OPTIONS, "sip:127.0.0.1:5099", GenerateBranch())
	req.SetTransport("SCTP")

	_, err := tpl.ClientRequestConnection(context.Background(), req)
	require.ErrorIs(t, err, ErrNoSuitableChannel)
}
