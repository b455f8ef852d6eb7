package sip

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCancelMatchesInviteByBranch drives a UAS over a real UDP socket:
// CANCEL with the INVITE's branch creates its own non-INVITE transaction yet
// cancels the INVITE server transaction.
func TestCancelMatchesInviteByBranch(t *testing.T) {
	parser := NewParser()

	serverConn := testListenUDP(t)
	tpl := NewTransportLayer(nil, parser, nil)
	txl := NewTransactionLayer(tpl)
	defer txl.Close()
	defer tpl.Close()

	var mu sync.Mutex
	var inviteTx *ServerTx
	cancelFired := make(chan struct{})
	txl.OnRequest(func(req *Request, tx *ServerTx) {
		if req.IsInvite() {
			mu.Lock()
			inviteTx = tx
			mu.Unlock()
			tx.OnCancel(func(r *Request) {
				close(cancelFired)
			})
		}
	})
	go tpl.ServeUDP(serverConn)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	serverAddr, err := net.ResolveUDPAddr("udp", serverConn.LocalAddr().String())
	require.NoError(t, err)

	branch := "z9hG4bK-A"
	clientAddr := client.LocalAddr().String()
	inviteRaw := testRawMessage([]string{
		"INVITE sip:bob@" + serverConn.LocalAddr().String() + " SIP/2.0",
		"Via: SIP/2.0/UDP " + clientAddr + ";branch=" + branch,
		"From: <sip:alice@" + clientAddr + ">;tag=cnl",
		"To: <sip:bob@" + serverConn.LocalAddr().String() + ">",
		"Call-ID: cancel-match-1",
		"CSeq: 1 INVITE",
		"Max-Forwards: 70",
		"Content-Length: 0",
		"",
		"",
	})

	_, err = client.WriteTo(inviteRaw, serverAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inviteTx != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancelRaw := testRawMessage([]string{
		"CANCEL sip:bob@" + serverConn.LocalAddr().String() + " SIP/2.0",
		"Via: SIP/2.0/UDP " + clientAddr + ";branch=" + branch,
		"From: <sip:alice@" + clientAddr + ">;tag=cnl",
		"To: <sip:bob@" + serverConn.LocalAddr().String() + ">",
		"Call-ID: cancel-match-1",
		"CSeq: 1 CANCEL",
		"Max-Forwards: 70",
		"Content-Length: 0",
		"",
		"",
	})
	_, err = client.WriteTo(cancelRaw, serverAddr)
	require.NoError(t, err)

	select {
	case <-cancelFired:
	case <-time.After(2 * time.Second):
		t.Fatal("CancelCall was never invoked on the INVITE transaction")
	}

	mu.Lock()
	tx := inviteTx
	mu.Unlock()
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCancelled))

	// Distinct keys: CANCEL transaction lives beside the INVITE one.
	inviteKey := TransactionKey(branch, INVITE)
	cancelKey := TransactionKey(branch, CANCEL)
	assert.NotEqual(t, inviteKey, cancelKey)
	_, exists := txl.getServerTx(inviteKey)
	assert.True(t, exists)
	_, exists = txl.getServerTx(cancelKey)
	assert.True(t, exists)

	// The CANCEL got its 200 answer.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	saw200Cancel := false
	for i := 0; i < 5 && !saw200Cancel; i++ {
		n, _, err := client.ReadFrom(buf)
		if err != nil {
			break
		}
		data := string(buf[:n])
		if strings.Contains(data, "SIP/2.0 200 OK") && strings.Contains(data, "CSeq: 1 CANCEL") {
			saw200Cancel = true
		}
	}
	assert.True(t, saw200Cancel, "no 200 OK for CANCEL received")
}

// TestPrackAcknowledgesReliableProvisional drives RFC 3262 over UDP.
func TestPrackAcknowledgesReliableProvisional(t *testing.T) {
	parser := NewParser()

	serverConn := testListenUDP(t)
	tpl := NewTransportLayer(nil, parser, nil)
	txl := NewTransactionLayer(tpl)
	defer txl.Close()
	defer tpl.Close()

	provisionalSent := make(chan *Response, 1)
	txl.OnRequest(func(req *Request, tx *ServerTx) {
		if !req.IsInvite() {
			return
		}
		res := NewResponseFromRequest(req, StatusSessionProgress, "Session Progress", nil)
		if err := tx.RespondReliable(res); err != nil {
			t.Errorf("reliable respond failed: %v", err)
			return
		}
		provisionalSent <- res
	})
	go tpl.ServeUDP(serverConn)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	serverAddr, err := net.ResolveUDPAddr("udp", serverConn.LocalAddr().String())
	require.NoError(t, err)

	branch := GenerateBranch()
	clientAddr := client.LocalAddr().String()
	inviteRaw := testRawMessage([]string{
		"INVITE sip:bob@" + serverConn.LocalAddr().String() + " SIP/2.0",
		"Via: SIP/2.0/UDP " + clientAddr + ";branch=" + branch,
		"From: <sip:alice@" + clientAddr + ">;tag=pr100",
		"To: <sip:bob@" + serverConn.LocalAddr().String() + ">",
		"Call-ID: prack-e2e-1",
		"CSeq: 1 INVITE",
		"Supported: 100rel",
		"Content-Length: 0",
		"",
		"",
	})
	_, err = client.WriteTo(inviteRaw, serverAddr)
	require.NoError(t, err)

	var provisional *Response
	select {
	case provisional = <-provisionalSent:
	case <-time.After(2 * time.Second):
		t.Fatal("no reliable provisional was sent")
	}

	rseq := provisional.RSeq()
	require.NotNil(t, rseq)

	prackRaw := testRawMessage([]string{
		"PRACK sip:bob@" + serverConn.LocalAddr().String() + " SIP/2.0",
		"Via: SIP/2.0/UDP " + clientAddr + ";branch=" + GenerateBranch(),
		"From: <sip:alice@" + clientAddr + ">;tag=pr100",
		"To: <sip:bob@" + serverConn.LocalAddr().String() + ">",
		"Call-ID: prack-e2e-1",
		"CSeq: 2 PRACK",
		fmt.Sprintf("RAck: %d 1 INVITE", uint32(*rseq)),
		"Content-Length: 0",
		"",
		"",
	})
	_, err = client.WriteTo(prackRaw, serverAddr)
	require.NoError(t, err)

	// PRACK gets 200 and the provisional stops retransmitting.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	saw200Prack := false
	for i := 0; i < 10 && !saw200Prack; i++ {
		n, _, err := client.ReadFrom(buf)
		if err != nil {
			break
		}
		data := string(buf[:n])
		if strings.Contains(data, "SIP/2.0 200 OK") && strings.Contains(data, "CSeq: 2 PRACK") {
			saw200Prack = true
		}
	}
	assert.True(t, saw200Prack, "no 200 OK for PRACK received")
}

func TestTransactionLayerUnmatchedResponse(t *testing.T) {
	parser := NewParser()

	serverConn := testListenUDP(t)
	tpl := NewTransportLayer(nil, parser, nil)

	unmatched := make(chan *Response, 1)
	txl := NewTransactionLayer(tpl, WithTransactionLayerUnhandledResponseHandler(func(res *Response) {
		select {
		case unmatched <- res:
		default:
		}
	}))
	defer txl.Close()
	defer tpl.Close()
	go tpl.ServeUDP(serverConn)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	serverAddr, err := net.ResolveUDPAddr("udp", serverConn.LocalAddr().String())
	require.NoError(t, err)

	// Response for a transaction nobody owns.
	raw := testRawMessage([]string{
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + GenerateBranch(),
		"From: <sip:a@127.0.0.1>;tag=u1",
		"To: <sip:b@127.0.0.1>;tag=u2",
		"Call-ID: unmatched-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	})
	_, err = client.WriteTo(raw, serverAddr)
	require.NoError(t, err)

	select {
	case res := <-unmatched:
		assert.Equal(t, StatusOK, res.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("unmatched response handler never fired")
	}
}
