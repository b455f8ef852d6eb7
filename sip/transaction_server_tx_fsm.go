package sip

import (
	"time"
)

// Server transaction state machines.
// INVITE - https://datatracker.ietf.org/doc/html/rfc3261#section-17.2.1
// non-INVITE - https://datatracker.ietf.org/doc/html/rfc3261#section-17.2.2
// Reliable provisional responses - RFC 3262.
//
// Cancelled is a practical extra state: it terminates pending retransmits
// without emitting a response itself. The 487 Request Terminated comes from
// the TU through Respond.

func (tx *ServerTx) inviteStateProcceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actRespond
	case server_input_cancel:
		tx.fsmState, spinfn = tx.inviteStateCancelled, tx.actCancel
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actRespond
	case server_input_user_1xx_reliable:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actRespondReliable
	case server_input_timer_prack:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actProvisionalResend
	case server_input_user_2xx:
		// 2xx terminates the transaction. Its reliable retransmission is
		// the TU's responsibility.
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actRespondDelete
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}

	return spinfn()
}

func (tx *ServerTx) inviteStateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespond
	case server_input_ack:
		tx.fsmState, spinfn = tx.inviteStateConfirmed, tx.actConfirm
	case server_input_timer_g:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_timer_h:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}

	return spinfn()
}

func (tx *ServerTx) inviteStateConfirmed(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_timer_i:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Cancelled stops retransmits and waits for the TU to produce the final
// response (usually 487) which moves the machine to Completed.
func (tx *ServerTx) inviteStateCancelled(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		// Absorb INVITE retransmits silently.
		return FsmInputNone
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actRespondDelete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_delete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateTrying(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Proceeding
func (tx *ServerTx) stateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Completed
func (tx *ServerTx) stateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		// Absorb request retransmits by resending the stored final.
		tx.fsmState, spinfn = tx.stateCompleted, tx.actRespond
	case server_input_timer_j:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Terminated
func (tx *ServerTx) stateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) actRespond() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	return FsmInputNone
}

func (tx *ServerTx) actRespondComplete() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	if !tx.reliable {
		tx.mu.Lock()
		if tx.timer_g == nil {
			tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
				tx.spinFsm(server_input_timer_g)
			})
		} else {
			metricRetransmissions.Inc()
			tx.timer_g_time *= 2
			if tx.timer_g_time > T2 {
				tx.timer_g_time = T2
			}

			tx.timer_g.Reset(tx.timer_g_time)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.spinFsm(server_input_timer_h)
		})
	}
	tx.mu.Unlock()

	return FsmInputNone
}

// actRespondDelete sends the final 2xx and terminates the transaction.
func (tx *ServerTx) actRespondDelete() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}
	return server_input_delete
}

// actRespondReliable sends reliable provisional and arms its retransmission
// timer with T1 backoff - RFC 3262 3.
func (tx *ServerTx) actRespondReliable() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	if tx.reliable {
		// Stream transports do not retransmit, but delivery stays pending
		// until PRACK.
		return FsmInputNone
	}

	tx.mu.Lock()
	tx.timer_prack_time = T1
	if tx.timer_prack != nil {
		tx.timer_prack.Stop()
	}
	tx.timer_prack = time.AfterFunc(tx.timer_prack_time, func() {
		tx.spinFsm(server_input_timer_prack)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

// actProvisionalResend retransmits unacknowledged reliable provisional.
func (tx *ServerTx) actProvisionalResend() fsmInput {
	tx.mu.Lock()
	res := tx.lastProvisional
	pending := tx.deliveryPending

	if !pending || res == nil {
		tx.mu.Unlock()
		return FsmInputNone
	}

	tx.timer_prack_time *= 2
	if tx.timer_prack_time > Timer_H {
		// Give up waiting for PRACK after 64*T1.
		tx.deliveryPending = false
		tx.mu.Unlock()
		tx.log.Warn().Str("tx", tx.Key()).Msg("Reliable provisional was never acknowledged")
		return FsmInputNone
	}
	if tx.timer_prack != nil {
		tx.timer_prack.Reset(tx.timer_prack_time)
	}
	tx.mu.Unlock()

	metricRetransmissions.Inc()
	if err := tx.conn.WriteMsg(res); err != nil {
		tx.log.Debug().Err(err).Str("tx", tx.Key()).Msg("failed to retransmit reliable provisional")
		tx.fsmErr = wrapTransportError(err)
		return server_input_transport_err
	}

	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() fsmInput {
	tx.passAck()
	return FsmInputNone
}

// Send final response
func (tx *ServerTx) actFinal() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-17.2.2
	// When the server transaction enters the "Completed" state, it MUST set
	// Timer J to fire in 64*T1 seconds for unreliable transports, and zero
	// seconds for reliable transports.
	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(tx.timer_j_time, func() {
		tx.spinFsm(server_input_timer_j)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

// Inform user of transport error
func (tx *ServerTx) actTransErr() fsmInput {
	tx.log.Debug().Err(tx.fsmErr).Str("tx", tx.Key()).Msg("Transport error. Transaction will terminate")
	return server_input_delete
}

// Inform user of timeout error
func (tx *ServerTx) actTimeout() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTimeout
	}
	tx.log.Debug().Err(tx.fsmErr).Str("tx", tx.Key()).Msg("Timed out. Transaction will terminate")
	return server_input_delete
}

// Just delete the transaction.
func (tx *ServerTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ServerTx) actConfirm() fsmInput {
	tx.mu.Lock()

	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}

	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}

	// If transport is reliable this will be 0 and fire immediately
	tx.timer_i = time.AfterFunc(tx.timer_i_time, func() {
		tx.spinFsm(server_input_timer_i)
	})

	tx.mu.Unlock()

	tx.passAck()
	return FsmInputNone
}

// actCancel stops pending retransmits. No response is emitted here; the TU
// answers the INVITE with 487 through Respond.
func (tx *ServerTx) actCancel() fsmInput {
	r := tx.fsmCancel
	if r == nil {
		return FsmInputNone
	}

	tx.fsmErr = ErrTransactionCanceled // For now only informative

	tx.mu.Lock()
	if tx.timer_prack != nil {
		tx.timer_prack.Stop()
		tx.timer_prack = nil
	}
	tx.deliveryPending = false
	onCancel := tx.onCancel
	tx.mu.Unlock()

	if onCancel != nil {
		onCancel(r)
	}

	return FsmInputNone
}

func (tx *ServerTx) passAck() {
	r := tx.fsmAck
	if r == nil {
		return
	}

	tx.ackSendAsync(r)
}

func (tx *ServerTx) passResp() error {
	lastResp := tx.fsmResp

	if lastResp == nil {
		// We may have received multiple requests but without any response
		// placed yet in transaction
		return nil
	}

	err := tx.conn.WriteMsg(lastResp)
	if err != nil {
		tx.log.Debug().Err(err).Str("res", lastResp.StartLine()).Str("tx", tx.Key()).Msg("failed to pass response")
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}
