package sip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TransactionRequestHandler func(req *Request, tx *ServerTx)
type UnhandledResponseHandler func(res *Response)

func defaultRequestHandler(r *Request, tx *ServerTx) {
	log.Info().Str("caller", "transactionLayer").Str("msg", r.Short()).Msg("Unhandled sip request. OnRequest handler not added")
}

func defaultUnhandledRespHandler(r *Response) {
	log.Info().Str("caller", "transactionLayer").Str("msg", r.Short()).Msg("Unhandled sip response. Possible retransmissions. Set UnhandledResponseHandler")
}

// TransactionLayer owns the transaction table: it matches every inbound
// message to a transaction by its key and dispatches unmatched traffic to
// the registered handlers.
type TransactionLayer struct {
	tpl           *TransportLayer
	reqHandler    TransactionRequestHandler
	unRespHandler UnhandledResponseHandler

	clientTransactions *transactionStore[*ClientTx]
	serverTransactions *transactionStore[*ServerTx]

	// graveyard keeps Terminated transactions in the table for T6,
	// absorbing late retransmits, before the janitor removes them.
	graveyardMu sync.Mutex
	graveyard   map[string]time.Time

	onRemoved FnTxRemoved

	janitorStop chan struct{}
	janitorOnce sync.Once

	log zerolog.Logger
}

type TransactionLayerOption func(txl *TransactionLayer)

func WithTransactionLayerLogger(l zerolog.Logger) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		txl.log = l
	}
}

func WithTransactionLayerUnhandledResponseHandler(f UnhandledResponseHandler) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		txl.unRespHandler = f
	}
}

func NewTransactionLayer(tpl *TransportLayer, options ...TransactionLayerOption) *TransactionLayer {
	txl := &TransactionLayer{
		tpl:                tpl,
		clientTransactions: newTransactionStore[*ClientTx](),
		serverTransactions: newTransactionStore[*ServerTx](),
		graveyard:          make(map[string]time.Time),
		janitorStop:        make(chan struct{}),

		reqHandler:    defaultRequestHandler,
		unRespHandler: defaultUnhandledRespHandler,
		log:           log.Logger,
	}

	for _, o := range options {
		o(txl)
	}

	// Send all transport messages to our transaction layer
	tpl.OnMessage(txl.handleMessage)

	go txl.janitor()
	return txl
}

func (txl *TransactionLayer) OnRequest(h TransactionRequestHandler) {
	txl.reqHandler = h
}

// OnRemoved registers hook fired after a Terminated transaction is swept
// from the table, so subscribers can detach.
func (txl *TransactionLayer) OnRemoved(f FnTxRemoved) {
	txl.onRemoved = f
}

// handleMessage is entry for handling requests and responses from transport
func (txl *TransactionLayer) handleMessage(msg Message) {
	// Running in goroutine solves deadlock: client transactions block on
	// passUp and this may block the channel read worker.
	switch msg := msg.(type) {
	case *Request:
		go txl.handleRequestBackground(msg)
	case *Response:
		go txl.handleResponseBackground(msg)
	default:
		txl.log.Error().Msg("unsupported message, skip it")
	}
}

func (txl *TransactionLayer) handleRequestBackground(req *Request) {
	if err := txl.handleRequest(req); err != nil {
		txl.log.Error().Err(err).Str("req", req.StartLine()).Msg("Server tx failed to handle request")
	}
}

func (txl *TransactionLayer) handleRequest(req *Request) error {
	switch {
	case req.IsCancel():
		return txl.handleCancel(req)
	case req.IsPrack():
		return txl.handlePrack(req)
	case req.IsAck():
		// ACK for non-2xx matches the INVITE transaction by branch.
		// ACK for 2xx belongs to the TU; it falls through as unmatched.
		key, err := makeTxKey(req, INVITE)
		if err != nil {
			return fmt.Errorf("make key failed: %w", err)
		}
		if tx, exists := txl.getServerTx(key); exists {
			return tx.Receive(req)
		}
		// Unmatched ACK (2xx ACK belongs to the TU) is absorbed silently.
		txl.log.Debug().Str("req", req.StartLine()).Msg("unmatched ACK absorbed")
		return nil
	}

	key, err := makeTxKey(req, "")
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	return txl.serverTxRequest(req, key)
}

// handleCancel matches CANCEL to the INVITE it cancels by branch + method
// disambiguation - RFC 3261 9.2. The CANCEL itself becomes a separate
// non-INVITE server transaction.
func (txl *TransactionLayer) handleCancel(req *Request) error {
	inviteKey, err := makeTxKey(req, INVITE)
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	cancelKey, err := makeTxKey(req, "")
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	invTx, matched := txl.getServerTx(inviteKey)

	// CANCEL transaction, distinct key because method differs.
	txl.serverTransactions.lock()
	cancelTx, exists := txl.serverTransactions.items[cancelKey]
	if exists {
		txl.serverTransactions.unlock()
		return cancelTx.Receive(req)
	}

	cancelTx, err = txl.serverTxCreate(req, cancelKey)
	if err != nil {
		txl.serverTransactions.unlock()
		return err
	}
	txl.serverTransactions.items[cancelKey] = cancelTx
	metricActiveTransactions.Inc()
	cancelTx.OnTerminate(txl.serverTxTerminate)
	txl.serverTransactions.unlock()

	if matched {
		// Drive the INVITE transaction to Cancelled and answer the CANCEL.
		invTx.CancelCall(req)
		if err := cancelTx.Respond(NewResponseFromRequest(req, StatusOK, "OK", nil)); err != nil {
			return fmt.Errorf("failed to respond 200 on CANCEL: %w", err)
		}
		return nil
	}

	// No matching transaction, let the TU decide what to do with this CANCEL.
	txl.reqHandler(req, cancelTx)
	return nil
}

// handlePrack routes PRACK to the INVITE server transaction owning the
// outstanding reliable provisional - RFC 3262 3. Mismatched RAck gets 481.
func (txl *TransactionLayer) handlePrack(req *Request) error {
	prackKey, err := makeTxKey(req, "")
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	txl.serverTransactions.lock()
	prackTx, exists := txl.serverTransactions.items[prackKey]
	if exists {
		txl.serverTransactions.unlock()
		return prackTx.Receive(req)
	}
	prackTx, err = txl.serverTxCreate(req, prackKey)
	if err != nil {
		txl.serverTransactions.unlock()
		return err
	}
	txl.serverTransactions.items[prackKey] = prackTx
	metricActiveTransactions.Inc()
	prackTx.OnTerminate(txl.serverTxTerminate)
	txl.serverTransactions.unlock()

	rack := req.RAck()
	callID := req.CallID()
	if rack == nil || callID == nil {
		return prackTx.Respond(NewResponseFromRequest(req, StatusBadRequest, "Bad Request", nil))
	}

	for _, tx := range txl.serverTransactions.snapshot() {
		if tx == prackTx || !tx.Origin().IsInvite() {
			continue
		}
		txCallID := tx.Origin().CallID()
		if txCallID == nil || *txCallID != *callID {
			continue
		}
		if tx.AckProvisional(rack) {
			return prackTx.Respond(NewResponseFromRequest(req, StatusOK, "OK", nil))
		}
	}

	// Mismatched RAck is a no-op except for sending 481.
	return prackTx.Respond(NewResponseFromRequest(req, StatusCallDoesNotExist, "Call/Transaction Does Not Exist", nil))
}

func (txl *TransactionLayer) serverTxRequest(req *Request, key string) error {
	txl.serverTransactions.lock()
	tx, exists := txl.serverTransactions.items[key]
	if exists {
		txl.serverTransactions.unlock()
		if err := tx.Receive(req); err != nil {
			return fmt.Errorf("failed to receive req: %w", err)
		}
		return nil
	}

	tx, err := txl.serverTxCreate(req, key)
	if err != nil {
		txl.serverTransactions.unlock()
		return err
	}

	// put tx to store
	txl.serverTransactions.items[key] = tx
	metricActiveTransactions.Inc()
	tx.OnTerminate(txl.serverTxTerminate)
	txl.serverTransactions.unlock()

	// pass request and transaction to handler
	txl.reqHandler(req, tx)
	return nil
}

func (txl *TransactionLayer) serverTxCreate(req *Request, key string) (*ServerTx, error) {
	// Connection must exist by transport layer or it will be created
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := txl.tpl.serverRequestConnection(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("server tx get connection failed: %w", err)
	}

	tx := NewServerTx(key, req, conn, txl.log)
	return tx, tx.Init()
}

func (txl *TransactionLayer) handleResponseBackground(res *Response) {
	if err := txl.handleResponse(res); err != nil {
		txl.log.Error().Err(err).Msg("Client tx failed to handle response")
	}
}

func (txl *TransactionLayer) handleResponse(res *Response) error {
	key, err := ClientTxKey(res)
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	tx, exists := txl.getClientTx(key)
	if !exists {
		// RFC 3261 - 17.1.1.2.
		// Not matched responses should be passed directly to the TU.
		txl.unRespHandler(res)
		return nil
	}

	tx.Receive(res)
	return nil
}

// Request creates client transaction for request and sends it.
func (txl *TransactionLayer) Request(ctx context.Context, req *Request) (*ClientTx, error) {
	tx, err := txl.NewClientTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Init(); err != nil {
		tx.Terminate()
		return nil, err
	}
	return tx, nil
}

func (txl *TransactionLayer) NewClientTransaction(ctx context.Context, req *Request) (*ClientTx, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport")
	}

	key, err := ClientTxKey(req)
	if err != nil {
		return nil, err
	}

	return txl.clientTxRequest(ctx, req, key)
}

func (txl *TransactionLayer) clientTxRequest(ctx context.Context, req *Request, key string) (*ClientTx, error) {
	conn, err := txl.tpl.ClientRequestConnection(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("client transaction failed to request connection: %w", err)
	}

	txl.clientTransactions.lock()
	tx, exists := txl.clientTransactions.items[key]
	if exists {
		txl.clientTransactions.unlock()
		conn.TryClose()
		return nil, fmt.Errorf("client transaction %q already exists", key)
	}
	tx = NewClientTx(key, req, conn, txl.log)

	txl.clientTransactions.items[key] = tx
	metricActiveTransactions.Inc()
	tx.OnTerminate(txl.clientTxTerminate)
	txl.clientTransactions.unlock()
	return tx, nil
}

// Respond sends response through matched server transaction.
func (txl *TransactionLayer) Respond(res *Response) (*ServerTx, error) {
	key, err := ServerTxKey(res)
	if err != nil {
		return nil, err
	}

	tx, exists := txl.getServerTx(key)
	if !exists {
		return nil, fmt.Errorf("transaction does not exist")
	}

	if err := tx.Respond(res); err != nil {
		return nil, err
	}

	return tx, nil
}

// clientTxTerminate and serverTxTerminate push terminated transactions into
// the graveyard instead of dropping them: the lingering window absorbs late
// retransmits.
func (txl *TransactionLayer) clientTxTerminate(key string, err error) {
	txl.graveyardMu.Lock()
	txl.graveyard[key] = time.Now()
	txl.graveyardMu.Unlock()
}

func (txl *TransactionLayer) serverTxTerminate(key string, err error) {
	txl.graveyardMu.Lock()
	txl.graveyard[key] = time.Now()
	txl.graveyardMu.Unlock()
}

// janitor sweeps Terminated transactions out of the table after they spent
// at least T6 there.
func (txl *TransactionLayer) janitor() {
	for {
		select {
		case <-txl.janitorStop:
			return
		case <-time.After(T1):
		}

		now := time.Now()
		var due []string
		txl.graveyardMu.Lock()
		for key, t := range txl.graveyard {
			if now.Sub(t) >= T6 {
				due = append(due, key)
				delete(txl.graveyard, key)
			}
		}
		txl.graveyardMu.Unlock()

		for _, key := range due {
			removed := txl.clientTransactions.drop(key)
			removed = txl.serverTransactions.drop(key) || removed
			if removed && txl.onRemoved != nil {
				txl.onRemoved(key)
			}
		}
	}
}

// RFC 17.1.3.
func (txl *TransactionLayer) getClientTx(key string) (*ClientTx, bool) {
	return txl.clientTransactions.get(key)
}

// RFC 17.2.3.
func (txl *TransactionLayer) getServerTx(key string) (*ServerTx, bool) {
	return txl.serverTransactions.get(key)
}

func (txl *TransactionLayer) Close() {
	txl.janitorOnce.Do(func() {
		close(txl.janitorStop)
	})
	txl.clientTransactions.terminateAll()
	txl.serverTransactions.terminateAll()
	txl.log.Debug().Msg("transaction layer closed")
}

func (txl *TransactionLayer) Transport() *TransportLayer {
	return txl.tpl
}
