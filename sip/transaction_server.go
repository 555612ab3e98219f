package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Request returns the request that created the transaction.
	Request() *Request
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// MatchRequest checks whether the request matches the transaction.
	MatchRequest(req *Request) error
	// RecvRequest is called on each inbound request received by the
	// transport layer. A retransmit replays the last sent response.
	RecvRequest(ctx context.Context, req *Request) error
	// Respond sends a response through the transaction, advancing its
	// state machine.
	Respond(ctx context.Context, res *Response) error
	// RespondStatus derives a response from the transaction's request
	// and sends it.
	RespondStatus(ctx context.Context, sts ResponseStatus) error
}

// NewServerTransaction creates a server transaction of the kind
// matching the request method.
func NewServerTransaction(
	req *Request,
	tp MessageTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if req != nil && req.Method.Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteServerTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, tp, opts))
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Key is the transaction key. If zero, it is filled from the
	// request with the server role.
	Key TransactionKey
	// Timings is the SIP timing config that will be used with the
	// transaction. Zero value uses RFC 3261 defaults.
	Timings TimingConfig
	// Sink receives the transaction's events. Nil drops them.
	Sink TransactionEventSink
	// Log is the logger that will be used with the transaction.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) key() TransactionKey {
	if o == nil {
		return zeroTxKey
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) sink() TransactionEventSink {
	if o == nil {
		return nil
	}
	return o.Sink
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

type serverTransact struct {
	*baseTransact
	key     TransactionKey
	tp      MessageTransport
	timings TimingConfig
	req     *Request
	lastRes atomic.Pointer[Response]
}

func newServerTransact(
	typ TransactionType,
	impl transactImpl,
	req *Request,
	tp MessageTransport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromMessage(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}
	key.Server = true

	tx := &serverTransact{
		key:     key,
		tp:      tp,
		timings: opts.timings(),
		req:     req,
	}
	tx.baseTransact = newBaseTransact(context.Background(), typ, impl, opts.log(), opts.sink())
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *serverTransact) Key() TransactionKey {
	if tx == nil {
		return zeroTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchRequest checks whether the request matches the transaction per
// the rules of RFC 3261 section 17.2.3.
func (tx *serverTransact) MatchRequest(req *Request) error {
	reqKey := TransactionKey{Server: true}
	if err := reqKey.FillFromMessage(req); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	// The ACK for a non-2xx final response matches the INVITE
	// transaction it acknowledges.
	if reqKey.Method.Equal(RequestMethodAck) && tx.key.Method.Equal(RequestMethodInvite) {
		reqKey.Method = RequestMethodInvite
	}

	if !tx.key.Equal(reqKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest is called on each inbound request received by the
// transport layer.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	if v, ok := tx.impl.(interface {
		recvReq(ctx context.Context, req *Request) error
	}); ok {
		return errtrace.Wrap(v.recvReq(ctx, req))
	}
	return errtrace.Wrap(tx.recvReq(ctx, req))
}

func (tx *serverTransact) recvReq(ctx context.Context, req *Request) error {
	if !tx.req.Method.Equal(req.Method) {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond sends a response through the transaction.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !res.Destination.IsValid() {
		res.Destination = tx.req.Source
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res))
	}
}

// RespondStatus derives a response from the transaction's request and
// sends it.
func (tx *serverTransact) RespondStatus(ctx context.Context, sts ResponseStatus) error {
	res, err := tx.req.NewResponse(sts)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.impl.(ServerTransaction).Respond(ctx, res)) //nolint:forcetypeassert
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) error {
	if err := tx.tp.SendResponse(ctx, res); err != nil {
		err = fmt.Errorf("send %q response: %w", res.Status, err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*Response)(nil)))

	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	defer tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}
