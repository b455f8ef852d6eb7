package sip

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerTx implements the INVITE and non-INVITE server transaction state
// machines - RFC 3261 17.2.1 and 17.2.2, with reliable provisional
// responses - RFC 3262.
type ServerTx struct {
	baseTx
	acks         chan *Request
	onCancel     FnTxCancel
	timer_g      *time.Timer
	timer_g_time time.Duration
	timer_h      *time.Timer
	timer_i      *time.Timer
	timer_i_time time.Duration
	timer_j      *time.Timer
	timer_j_time time.Duration
	timer_1xx    *time.Timer
	reliable     bool

	// Reliable provisional state - RFC 3262.
	// prackSupported is set when the INVITE Require or Supported lists 100rel.
	prackSupported   bool
	rseq             uint32
	deliveryPending  bool
	lastProvisional  *Response
	timer_prack      *time.Timer
	timer_prack_time time.Duration

	closeOnce sync.Once
}

func NewServerTx(key string, origin *Request, conn Connection, logger zerolog.Logger) *ServerTx {
	tx := new(ServerTx)
	tx.key = key
	tx.conn = conn

	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if !tx.reliable {
		tx.timer_g_time = Timer_G
		tx.timer_i_time = Timer_I
		tx.timer_j_time = Timer_J
	}

	// RFC 3262 - 3: the UAS can only send reliably when the request
	// indicated support.
	if r := tx.origin.Require(); r != nil && r.Contains(ExtensionPRACK) {
		tx.prackSupported = true
	} else if s := tx.origin.Supported(); s != nil && s.Contains(ExtensionPRACK) {
		tx.prackSupported = true
	}
	tx.mu.Unlock()

	// RFC 3261 - 17.2.1
	if tx.Origin().IsInvite() {
		tx.mu.Lock()
		tx.timer_1xx = time.AfterFunc(Timer_1xx, func() {
			trying := NewResponseFromRequest(
				tx.Origin(),
				StatusTrying,
				"Trying",
				nil,
			)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
			}
		})
		tx.mu.Unlock()
	}
	tx.log.Debug().Str("tx", tx.Key()).Msg("Server transaction initialized")
	return nil
}

// Receive is endpoint for handling received server requests.
// NOTE: it can block while passing ACK to the consumer, therefore
// run it in a separate goroutine.
func (tx *ServerTx) Receive(req *Request) error {
	tx.mu.Lock()
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()

	var input fsmInput
	switch {
	case req.Method == tx.origin.Method:
		input = server_input_request
	case req.IsAck(): // ACK for non-2xx response
		input = server_input_ack
	case req.IsCancel():
		input = server_input_cancel
	default:
		return fmt.Errorf("unexpected message error")
	}

	tx.spinFsmWithRequest(input, req)
	return nil
}

// Respond sends response within transaction.
// It is expected that response is prebuilt with correct headers.
func (tx *ServerTx) Respond(res *Response) error {
	if res.IsCancel() {
		return tx.conn.WriteMsg(res)
	}

	tx.mu.Lock()
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()

	var input fsmInput
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.spinFsmWithResponse(input, res)
	// In case of termination or some error
	err := tx.Err()
	if errors.Is(err, ErrTransactionCanceled) {
		select {
		case <-tx.done:
		default:
			// Cancellation alone does not fail a response sent afterwards.
			return nil
		}
	}
	return err
}

// RespondReliable sends non-100 provisional response reliably - RFC 3262 3.
// Response gets RSeq stamped and Require: 100rel added, then it is
// retransmitted with T1 backoff until a matching PRACK arrives or the
// transaction gives up after 64*T1.
//
// A second reliable provisional while a prior one is unacknowledged
// supersedes the prior one; the prior becomes lost and this is logged.
func (tx *ServerTx) RespondReliable(res *Response) error {
	if !res.IsProvisional() || res.StatusCode == StatusTrying {
		return fmt.Errorf("only non-100 provisional response can be sent reliably")
	}

	tx.mu.Lock()
	if !tx.prackSupported {
		tx.mu.Unlock()
		return fmt.Errorf("peer does not support 100rel")
	}

	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}

	if tx.deliveryPending {
		tx.log.Warn().Str("tx", tx.Key()).Uint32("rseq", tx.rseq).Msg("Overriding unacknowledged reliable provisional")
	}

	if tx.rseq == 0 {
		// Initial value random in [1, 2**31/2 - 1], incremented per provisional.
		tx.rseq = uint32(rand.Int31n(1<<30-1) + 1)
	} else {
		tx.rseq++
	}

	rseq := RSeqHeader(tx.rseq)
	res.AppendHeader(&rseq)
	if r := res.Require(); r == nil {
		res.AppendHeader(&RequireHeader{Options: optionTags{ExtensionPRACK}})
	} else if !r.Contains(ExtensionPRACK) {
		r.Options = append(r.Options, ExtensionPRACK)
	}

	tx.deliveryPending = true
	tx.lastProvisional = res
	tx.mu.Unlock()

	tx.spinFsmWithResponse(server_input_user_1xx_reliable, res)
	return tx.Err()
}

// AckProvisional matches PRACK RAck against the outstanding reliable
// provisional - RFC 3262 3. Returns true when the retransmission loop was
// stopped by this PRACK.
func (tx *ServerTx) AckProvisional(rack *RAckHeader) bool {
	cseq := tx.origin.CSeq()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.deliveryPending {
		return false
	}
	if rack.RSeqNo != tx.rseq || rack.CSeqNo != cseq.SeqNo || rack.MethodName != cseq.MethodName {
		return false
	}

	tx.deliveryPending = false
	tx.lastProvisional = nil
	if tx.timer_prack != nil {
		tx.timer_prack.Stop()
		tx.timer_prack = nil
	}
	return true
}

// CancelCall drives the transaction into Cancelled state: pending
// retransmits stop, no response is emitted. The TU is expected to answer
// the INVITE with 487 Request Terminated.
func (tx *ServerTx) CancelCall(req *Request) {
	tx.spinFsmWithRequest(server_input_cancel, req)
}

// Acks returns channel with received ACK requests.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
		tx.log.Warn().Str("callid", r.CallID().Value()).Msg("ACK missed")
	case tx.acks <- r:
	}
}

func (tx *ServerTx) ackSendAsync(r *Request) {
	select {
	case tx.acks <- r:
		return
	default:
	}

	// Go routines should be cheap and it will prevent blocking
	go tx.ackSend(r)
}

func (tx *ServerTx) OnCancel(f FnTxCancel) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Terminate() {
	tx.log.Debug().Msg("Server transaction terminating")
	tx.delete(ErrTransactionTerminated)
}

// Choose the right FSM init function depending on request method.
func (tx *ServerTx) initFSM() {
	if tx.Origin().IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateProcceeding)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

func (tx *ServerTx) delete(err error) {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		tx.closed = true
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.mu.Lock()
	if tx.timer_i != nil {
		tx.timer_i.Stop()
		tx.timer_i = nil
	}
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	if tx.timer_j != nil {
		tx.timer_j.Stop()
		tx.timer_j = nil
	}
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	if tx.timer_prack != nil {
		tx.timer_prack.Stop()
		tx.timer_prack = nil
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Server transaction destroyed")
}
