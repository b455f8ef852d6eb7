package sip

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvox/sipcore/fakes"
)

func testUDPConn(outgoing io.Writer, raddr string) *UDPConnection {
	return &UDPConnection{
		PacketConn: &fakes.UDPConn{
			Reader:  bytes.NewBuffer(nil),
			Writers: map[string]io.Writer{raddr: outgoing},
		},
	}
}

func TestClientTransactionInviteFSM(t *testing.T) {
	// make things fast
	SetTimers(1*time.Millisecond, 1*time.Millisecond, 1*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	req.raddr = Addr{IP: net.ParseIP("127.0.0.99"), Port: 5060}

	outgoing := &syncBuffer{}
	conn := testUDPConn(outgoing, "127.0.0.99:5060")
	tx := NewClientTx("123", req, conn, log.Logger)

	err := tx.Init()
	require.NoError(t, err)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCalling))

	// PROCEEDING STATE
	res100 := NewResponseFromRequest(req, StatusTrying, "Trying", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res100)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProcceeding))

	// Timer A must be cancelled on first provisional, no more retransmits.
	tx.mu.Lock()
	assert.Nil(t, tx.timer_a)
	tx.mu.Unlock()

	res180 := NewResponseFromRequest(req, StatusRinging, "Ringing", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res180)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProcceeding))

	// 2xx terminates the transaction; ACK for it belongs to the TU.
	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res200)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateTerminated))

	select {
	case <-tx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("transaction was not terminated")
	}
}

func TestClientTransactionInviteRetransmitTimeout(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	req.raddr = Addr{IP: net.ParseIP("127.0.0.99"), Port: 5060}

	outgoing := &syncBuffer{}
	conn := testUDPConn(outgoing, "127.0.0.99:5060")
	tx := NewClientTx("retransmit", req, conn, log.Logger)
	require.NoError(t, tx.Init())

	// Timer B fires at 64*T1 producing a timeout error.
	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B never fired")
	}

	require.ErrorIs(t, tx.Err(), ErrTransactionTimeout)

	// Request was sent at 0 and retransmitted at T1, 3*T1, 7*T1... at least
	// a few times before 64*T1.
	writes := strings.Count(outgoing.String(), "INVITE sip:")
	assert.GreaterOrEqual(t, writes, 3)
}

func TestClientTransactionNonInviteFSM(t *testing.T) {
	SetTimers(1*time.Millisecond, 1*time.Millisecond, 1*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	req.raddr = Addr{IP: net.ParseIP("127.0.0.99"), Port: 5060}

	outgoing := &syncBuffer{}
	conn := testUDPConn(outgoing, "127.0.0.99:5060")
	tx := NewClientTx("noninvite", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateTrying))

	res100 := NewResponseFromRequest(req, StatusTrying, "Trying", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res100)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateProceeding))

	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res200)

	// Completed -> Timer K -> Terminated
	select {
	case <-tx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("transaction was not terminated")
	}
}

func TestClientTransactionPassUpOrder(t *testing.T) {
	req, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	req.raddr = Addr{IP: net.ParseIP("127.0.0.99"), Port: 5060}

	outgoing := &syncBuffer{}
	conn := testUDPConn(outgoing, "127.0.0.99:5060")
	tx := NewClientTx("passup", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res100 := NewResponseFromRequest(req, StatusTrying, "Trying", nil)
	res180 := NewResponseFromRequest(req, StatusRinging, "Ringing", nil)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tx.Receive(res100)
		tx.Receive(res180)
	}()

	// Responses are delivered in arrival order.
	passUp100 := <-tx.Responses()
	passUp180 := <-tx.Responses()
	require.Equal(t, res100.StartLine(), passUp100.StartLine())
	require.Equal(t, res180.StartLine(), passUp180.StartLine())
	wg.Wait()
}
