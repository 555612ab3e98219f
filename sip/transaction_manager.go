package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/internal/log"
	"github.com/ghettovoice/sipcall/internal/syncutil"
)

// TransactionManagerOptions contains options for a transaction manager.
type TransactionManagerOptions struct {
	// Timings is the SIP timing config applied to every transaction.
	// Zero value uses RFC 3261 defaults.
	Timings TimingConfig
	// Resolver selects destinations for client transactions created
	// without an explicit destination. Nil requires explicit
	// destinations.
	Resolver *DestinationResolver
	// EventQueueSize is the event channel capacity.
	// If zero, 256 is used.
	EventQueueSize int
	// Log is the logger that will be used with the manager.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) resolver() *DestinationResolver {
	if o == nil {
		return nil
	}
	return o.Resolver
}

func (o *TransactionManagerOptions) queueSize() int {
	if o == nil || o.EventQueueSize <= 0 {
		return 256
	}
	return o.EventQueueSize
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// TransactionManager owns the set of live transactions, matches
// inbound messages to them and publishes the transaction event
// stream. Events sharing a TransactionKey preserve arrival order:
// every transaction feeds one manager-owned channel consumed in a
// single loop.
type TransactionManager struct {
	tp       MessageTransport
	timings  TimingConfig
	resolver *DestinationResolver
	log      *slog.Logger

	store  *syncutil.ShardMap[string, Transaction]
	events chan TransactionEvent

	mu     sync.RWMutex
	closed bool
}

// NewTransactionManager creates a transaction manager sending through tp.
func NewTransactionManager(tp MessageTransport, opts *TransactionManagerOptions) (*TransactionManager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}
	return &TransactionManager{
		tp:       tp,
		timings:  opts.timings(),
		resolver: opts.resolver(),
		log:      opts.log(),
		store:    syncutil.NewShardMap[string, Transaction](),
		events:   make(chan TransactionEvent, opts.queueSize()),
	}, nil
}

// Transport returns the message transport the manager sends through.
func (txm *TransactionManager) Transport() MessageTransport { return txm.tp }

// Events returns the transaction event stream. The channel is closed
// by [TransactionManager.Close].
func (txm *TransactionManager) Events() <-chan TransactionEvent { return txm.events }

// TransactionExists reports whether a live transaction holds the key.
func (txm *TransactionManager) TransactionExists(key TransactionKey) bool {
	return txm.store.Has(key.String())
}

// Count returns the number of live transactions.
func (txm *TransactionManager) Count() int { return txm.store.Size() }

// CreateClientTransaction creates a client transaction for the request
// and returns its key. It fails with [ErrTransactionExists] when a
// transaction with the same computed key is already live (duplicate
// branch). The request is not transmitted until
// [TransactionManager.SendRequest].
func (txm *TransactionManager) CreateClientTransaction(
	ctx context.Context,
	req *Request,
	dst netip.AddrPort,
) (TransactionKey, error) {
	if err := txm.guardOpen(); err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}

	if !dst.IsValid() {
		if txm.resolver == nil {
			return zeroTxKey, errtrace.Wrap(ErrNoTarget)
		}
		var err error
		if dst, err = txm.resolver.Resolve(ctx, req.URI); err != nil {
			return zeroTxKey, errtrace.Wrap(err)
		}
	}

	tx, err := NewClientTransaction(req, txm.tp, &ClientTransactionOptions{
		Destination: dst,
		Timings:     txm.timings,
		Log:         txm.log,
	})
	if err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}

	if _, created := txm.store.SetIfAbsent(tx.Key().String(), tx); !created {
		return zeroTxKey, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionExists, "key %q", tx.Key()))
	}
	txm.attach(tx)

	txm.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created", slog.Any("transaction", tx))
	return tx.Key(), nil
}

// SendRequest transmits the request of a previously created client
// transaction and starts its timers. Retransmission is automatic.
func (txm *TransactionManager) SendRequest(ctx context.Context, key TransactionKey) error {
	tx, ok := txm.store.Get(key.String())
	if !ok {
		return errtrace.Wrap(NewNotFoundError(ErrTransactionNotFound, "key %q", key))
	}
	clnTx, ok := tx.(ClientTransaction)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	return errtrace.Wrap(clnTx.Start(ctx))
}

// HandleResponse routes an inbound response to the matching client
// transaction. Responses matching no transaction are dropped with a
// log entry: they are expected after a transaction terminates.
func (txm *TransactionManager) HandleResponse(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	key := TransactionKey{Server: false}
	if err := key.FillFromMessage(res); err != nil {
		return errtrace.Wrap(err)
	}

	tx, ok := txm.store.Get(key.String())
	if !ok {
		txm.log.LogAttrs(ctx, slog.LevelDebug,
			"response matched no transaction",
			slog.Any("key", key),
			slog.Any("response", res),
		)
		return nil
	}
	clnTx, ok := tx.(ClientTransaction)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return errtrace.Wrap(clnTx.RecvResponse(ctx, res))
}

// HandleRequest routes an inbound request. The first observation of a
// novel key creates a server transaction and publishes a single
// RequestReceived event; retransmitted copies matched by key are
// absorbed by replaying the last sent response and never reach the
// upper layer again.
func (txm *TransactionManager) HandleRequest(ctx context.Context, req *Request, source netip.AddrPort) error {
	if err := txm.guardOpen(); err != nil {
		return errtrace.Wrap(err)
	}
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if source.IsValid() {
		req.Source = source
	}

	key := TransactionKey{Server: true}
	if err := key.FillFromMessage(req); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case req.Method.Equal(RequestMethodAck):
		return errtrace.Wrap(txm.handleAck(ctx, req, key))
	case req.Method.Equal(RequestMethodCancel):
		return errtrace.Wrap(txm.handleCancel(ctx, req, key))
	}

	if tx, ok := txm.store.Get(key.String()); ok {
		srvTx, ok := tx.(ServerTransaction)
		if !ok {
			return errtrace.Wrap(ErrTransactionNotMatched)
		}
		return errtrace.Wrap(srvTx.RecvRequest(ctx, req))
	}
	_, err := txm.createServerTransaction(ctx, req, key)
	return errtrace.Wrap(err)
}

// createServerTransaction builds a server transaction for a novel
// request and publishes its RequestReceived event exactly once. A
// racing duplicate loses the store insert and is absorbed by the
// winner instead.
func (txm *TransactionManager) createServerTransaction(
	ctx context.Context,
	req *Request,
	key TransactionKey,
) (ServerTransaction, error) {
	tx, err := NewServerTransaction(req, txm.tp, &ServerTransactionOptions{
		Key:     key,
		Timings: txm.timings,
		Log:     txm.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	winner, created := txm.store.SetIfAbsent(key.String(), Transaction(tx))
	if !created {
		// Lost a creation race with an identical retransmit. The
		// loser has no sink attached yet, so terminating it emits
		// nothing for the live key.
		tx.Terminate(ctx) //nolint:errcheck
		srvTx, ok := winner.(ServerTransaction)
		if !ok {
			return nil, errtrace.Wrap(ErrTransactionNotMatched)
		}
		return srvTx, errtrace.Wrap(srvTx.RecvRequest(ctx, req))
	}
	txm.attach(tx)

	txm.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created", slog.Any("transaction", tx))

	txm.emit(TransactionEvent{
		Kind:    TransactionEventRequestReceived,
		Key:     key,
		Request: req,
		Source:  req.Source,
		Time:    time.Now(),
	})
	return tx, nil
}

// handleAck routes an ACK. The ACK for a non-2xx final response
// matches its INVITE server transaction; the ACK for a 2xx matches
// only a lingering terminated transaction and is handed to the dialog
// layer as an event.
func (txm *TransactionManager) handleAck(ctx context.Context, req *Request, key TransactionKey) error {
	invKey := key
	invKey.Method = RequestMethodInvite

	if tx, ok := txm.store.Get(invKey.String()); ok {
		if srvTx, ok := tx.(ServerTransaction); ok && srvTx.State() != TransactionStateTerminated {
			return errtrace.Wrap(srvTx.RecvRequest(ctx, req))
		}
	}

	txm.emit(TransactionEvent{
		Kind:    TransactionEventAckReceived,
		Key:     invKey,
		Request: req,
		Source:  req.Source,
		Time:    time.Now(),
	})
	return nil
}

// handleCancel answers a CANCEL per RFC 3261 section 9.2: 200 to the
// CANCEL itself and 487 through the pending INVITE server transaction
// it targets, or 481 when no such transaction exists.
func (txm *TransactionManager) handleCancel(ctx context.Context, req *Request, key TransactionKey) error {
	if tx, ok := txm.store.Get(key.String()); ok {
		// Retransmitted CANCEL.
		srvTx, ok := tx.(ServerTransaction)
		if !ok {
			return errtrace.Wrap(ErrTransactionNotMatched)
		}
		return errtrace.Wrap(srvTx.RecvRequest(ctx, req))
	}

	cnlTx, err := txm.createServerTransaction(ctx, req, key)
	if err != nil {
		return errtrace.Wrap(err)
	}

	invKey := key
	invKey.Method = RequestMethodInvite
	invTx, ok := txm.store.Get(invKey.String())
	if !ok {
		return errtrace.Wrap(cnlTx.RespondStatus(ctx, ResponseStatusTransactionNotExist))
	}
	srvInvTx, ok := invTx.(ServerTransaction)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	if srvInvTx.State() == TransactionStateTerminated {
		// The INVITE was already answered with a 2xx and only lingers
		// to absorb retransmits. Too late to cancel.
		return errtrace.Wrap(cnlTx.RespondStatus(ctx, ResponseStatusTransactionNotExist))
	}

	if err := cnlTx.RespondStatus(ctx, ResponseStatusOK); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(srvInvTx.RespondStatus(ctx, ResponseStatusRequestTerminated))
}

// SendResponse advances the server transaction holding key by sending
// the response through it.
func (txm *TransactionManager) SendResponse(ctx context.Context, key TransactionKey, res *Response) error {
	tx, ok := txm.store.Get(key.String())
	if !ok {
		return errtrace.Wrap(NewNotFoundError(ErrTransactionNotFound, "key %q", key))
	}
	srvTx, ok := tx.(ServerTransaction)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	return errtrace.Wrap(srvTx.Respond(ctx, res))
}

// Serve decodes inbound datagrams and dispatches them until the
// channel closes or ctx is cancelled. Undecodable datagrams are
// dropped with a log entry.
func (txm *TransactionManager) Serve(ctx context.Context, dgrams <-chan Datagram, codec MessageCodec) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg, ok := <-dgrams:
			if !ok {
				return
			}
			msg, err := codec.Decode(dg.Data)
			if err != nil {
				txm.log.LogAttrs(ctx, slog.LevelWarn,
					"datagram decode failed",
					slog.Any("source", dg.Source),
					slog.Any("error", err),
				)
				continue
			}
			switch msg := msg.(type) {
			case *Request:
				if err := txm.HandleRequest(ctx, msg, dg.Source); err != nil {
					txm.log.LogAttrs(ctx, slog.LevelWarn, "handle request failed", slog.Any("error", err))
				}
			case *Response:
				msg.Source = dg.Source
				if err := txm.HandleResponse(ctx, msg); err != nil {
					txm.log.LogAttrs(ctx, slog.LevelWarn, "handle response failed", slog.Any("error", err))
				}
			}
		}
	}
}

// Close terminates every live transaction and closes the event
// channel. No transactions can be created afterwards.
func (txm *TransactionManager) Close(ctx context.Context) error {
	txm.mu.Lock()
	if txm.closed {
		txm.mu.Unlock()
		return nil
	}
	txm.closed = true
	txm.mu.Unlock()

	var errs []error
	for _, tx := range txm.store.Items() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	txm.store.Clear()

	close(txm.events)
	return errtrace.Wrap(errorutil.JoinPrefix("close transaction manager", errs...))
}

func (txm *TransactionManager) guardOpen() error {
	txm.mu.RLock()
	defer txm.mu.RUnlock()
	if txm.closed {
		return errtrace.Wrap(ErrTransactionManagerClosed)
	}
	return nil
}

// attach wires a stored transaction to the manager: events flow into
// the shared channel and the live set drops the key on termination.
// An INVITE server transaction terminated by a 2xx lingers in the
// store for Timer L: retransmits of the INVITE keep matching it and
// replay the 2xx instead of reaching the upper layer a second time.
func (txm *TransactionManager) attach(tx Transaction) {
	if v, ok := tx.(interface{ setSink(TransactionEventSink) }); ok {
		v.setSink(txm.emit)
	}
	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		key := tx.Key().String()
		if srvTx, ok := tx.(ServerTransaction); ok && tx.Key().Method.Equal(RequestMethodInvite) {
			if res := srvTx.LastResponse(); res != nil && res.Status.IsSuccessful() {
				time.AfterFunc(txm.timings.TimeL(), func() { txm.store.Del(key) })
				return
			}
		}
		txm.store.Del(key)
	})
}

// emit publishes an event on the manager's channel. When the queue is
// full the event is dropped with a log entry rather than blocking a
// timer callback.
func (txm *TransactionManager) emit(ev TransactionEvent) {
	txm.mu.RLock()
	defer txm.mu.RUnlock()
	if txm.closed {
		return
	}

	select {
	case txm.events <- ev:
	default:
		txm.log.LogAttrs(context.Background(), slog.LevelWarn,
			"event queue full, event dropped",
			slog.Any("event", ev),
		)
	}
}
