package sip

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvox/sipcore/fakes"
)

func testCreateInvite100rel(t testing.TB, targetSipUri string, transport, fromAddr string) *Request {
	branch := GenerateBranch()
	return testCreateMessage(t, []string{
		"INVITE " + targetSipUri + " SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + fromAddr + ";branch=" + branch,
		"From: \"Alice\" <sip:alice@" + fromAddr + ">;tag=100rel",
		"To: \"Bob\" <" + targetSipUri + ">",
		"Call-ID: relcall-" + branch,
		"CSeq: 1 INVITE",
		"Supported: 100rel",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)
}

func testServerUDPConn(outgoing io.Writer, raddr string) *UDPConnection {
	return &UDPConnection{
		PacketConn: &fakes.UDPConn{
			Reader:  bytes.NewBuffer(nil),
			Writers: map[string]io.Writer{raddr: outgoing},
		},
	}
}

func TestServerTransactionInviteFSM(t *testing.T) {
	SetTimers(1*time.Millisecond, 1*time.Millisecond, 1*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req, _, _ := testCreateInvite(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")

	outgoing := &syncBuffer{}
	conn := testServerUDPConn(outgoing, "127.0.0.2:5060")
	tx := NewServerTx("srv-invite", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProcceeding))

	res180 := NewResponseFromRequest(req, StatusRinging, "Ringing", nil)
	require.NoError(t, tx.Respond(res180))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProcceeding))

	res486 := NewResponseFromRequest(req, 486, "Busy Here", nil)
	require.NoError(t, tx.Respond(res486))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))

	// ACK moves transaction to Confirmed, Timer I then terminates it.
	ack := newAckRequestNon2xx(req, res486, nil)
	go tx.Receive(ack)

	select {
	case <-tx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("transaction was not terminated")
	}
}

func TestServerTransactionInvite100Trying(t *testing.T) {
	req, _, _ := testCreateInvite(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")

	outgoing := &syncBuffer{}
	conn := testServerUDPConn(outgoing, "127.0.0.2:5060")
	tx := NewServerTx("srv-trying", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	// 100 Trying goes out within 200 ms when no other provisional was sent.
	require.Eventually(t, func() bool {
		return strings.Contains(outgoing.String(), "SIP/2.0 100 Trying")
	}, time.Second, 10*time.Millisecond)
}

func TestServerTransactionReliableProvisional(t *testing.T) {
	req := testCreateInvite100rel(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")

	outgoing := &syncBuffer{}
	conn := testServerUDPConn(outgoing, "127.0.0.2:5060")
	tx := NewServerTx("srv-rel", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res183 := NewResponseFromRequest(req, StatusSessionProgress, "Session Progress", nil)
	require.NoError(t, tx.RespondReliable(res183))

	// RSeq stamped in [1, 2**30], Require: 100rel added.
	rseq := res183.RSeq()
	require.NotNil(t, rseq)
	assert.GreaterOrEqual(t, uint32(*rseq), uint32(1))
	assert.LessOrEqual(t, uint32(*rseq), uint32(1<<30))
	requireHdr := res183.Require()
	require.NotNil(t, requireHdr)
	assert.True(t, requireHdr.Contains(ExtensionPRACK))

	// Mismatched RAck is a no-op.
	cseq := req.CSeq()
	assert.False(t, tx.AckProvisional(&RAckHeader{RSeqNo: uint32(*rseq) + 1, CSeqNo: cseq.SeqNo, MethodName: INVITE}))

	// Matching RAck clears delivery-pending.
	assert.True(t, tx.AckProvisional(&RAckHeader{RSeqNo: uint32(*rseq), CSeqNo: cseq.SeqNo, MethodName: INVITE}))
	tx.mu.Lock()
	assert.False(t, tx.deliveryPending)
	tx.mu.Unlock()

	// Second PRACK for same RSeq no longer matches.
	assert.False(t, tx.AckProvisional(&RAckHeader{RSeqNo: uint32(*rseq), CSeqNo: cseq.SeqNo, MethodName: INVITE}))

	// Next reliable provisional increments RSeq by one.
	res180 := NewResponseFromRequest(req, StatusRinging, "Ringing", nil)
	require.NoError(t, tx.RespondReliable(res180))
	rseq2 := res180.RSeq()
	require.NotNil(t, rseq2)
	assert.Equal(t, uint32(*rseq)+1, uint32(*rseq2))
}

func TestServerTransactionReliableProvisionalRetransmit(t *testing.T) {
	SetTimers(5*time.Millisecond, 20*time.Millisecond, 25*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite100rel(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")

	outgoing := &syncBuffer{}
	conn := testServerUDPConn(outgoing, "127.0.0.2:5060")
	tx := NewServerTx("srv-rel-rtx", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res183 := NewResponseFromRequest(req, StatusSessionProgress, "Session Progress", nil)
	require.NoError(t, tx.RespondReliable(res183))

	// Unacknowledged provisional is retransmitted with T1 backoff.
	require.Eventually(t, func() bool {
		return strings.Count(outgoing.String(), "SIP/2.0 183 Session Progress") >= 2
	}, time.Second, 5*time.Millisecond)

	// PRACK stops the retransmission loop within a scheduler tick.
	cseq := req.CSeq()
	rseq := res183.RSeq()
	require.True(t, tx.AckProvisional(&RAckHeader{RSeqNo: uint32(*rseq), CSeqNo: cseq.SeqNo, MethodName: INVITE}))

	time.Sleep(20 * time.Millisecond)
	count := strings.Count(outgoing.String(), "SIP/2.0 183 Session Progress")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, strings.Count(outgoing.String(), "SIP/2.0 183 Session Progress"))
}

func TestServerTransactionCancelled(t *testing.T) {
	req, _, _ := testCreateInvite(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")

	outgoing := &syncBuffer{}
	conn := testServerUDPConn(outgoing, "127.0.0.2:5060")
	tx := NewServerTx("srv-cancel", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	var canceled *Request
	tx.OnCancel(func(r *Request) {
		canceled = r
	})

	cancel := NewCancelRequest(req)
	tx.CancelCall(cancel)

	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCancelled))
	require.NotNil(t, canceled)

	// Cancelled emits no response on its own.
	assert.NotContains(t, outgoing.String(), "487")

	// The TU produces the 487 which completes the transaction.
	res487 := NewResponseFromRequest(req, StatusRequestTerminated, "Request Terminated", nil)
	require.NoError(t, tx.Respond(res487))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))
	assert.Contains(t, outgoing.String(), "487 Request Terminated")
}

func TestServerTransactionNonInviteAbsorbsRetransmits(t *testing.T) {
	SetTimers(5*time.Millisecond, 20*time.Millisecond, 25*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateRequest(t, "REGISTER", "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")

	outgoing := &syncBuffer{}
	conn := testServerUDPConn(outgoing, "127.0.0.2:5060")
	tx := NewServerTx("srv-noninvite", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateTrying))

	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	require.NoError(t, tx.Respond(res200))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateCompleted))

	// Request retransmission is absorbed by resending the stored final.
	require.NoError(t, tx.Receive(req))
	assert.Equal(t, 2, strings.Count(outgoing.String(), "SIP/2.0 200 OK"))

	// Timer J terminates the transaction.
	select {
	case <-tx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Timer J never fired")
	}
}
