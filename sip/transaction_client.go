package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/log"
	"github.com/ghettovoice/sipcall/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Request returns the request that created the transaction.
	Request() *Request
	// LastResponse returns the last response received by the transaction.
	LastResponse() *Response
	// ProvisionalResponses returns the provisional responses received
	// so far in arrival order.
	ProvisionalResponses() []*Response
	// Start transmits the request and starts the role-appropriate
	// timers. Retransmission after Start is automatic.
	Start(ctx context.Context) error
	// MatchResponse checks whether the response matches the transaction.
	MatchResponse(res *Response) error
	// RecvResponse is called on each inbound response received by the
	// transport layer.
	RecvResponse(ctx context.Context, res *Response) error
}

// NewClientTransaction creates a client transaction of the kind
// matching the request method.
func NewClientTransaction(
	req *Request,
	tp MessageTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if req != nil && req.Method.Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteClientTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(req, tp, opts))
}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Key is the transaction key. If zero, it is filled from the
	// request with the client role.
	Key TransactionKey
	// Destination is the resolved network destination the request is
	// sent to.
	Destination netip.AddrPort
	// Timings is the SIP timing config that will be used with the
	// transaction. Zero value uses RFC 3261 defaults.
	Timings TimingConfig
	// Sink receives the transaction's events. Nil drops them.
	Sink TransactionEventSink
	// Log is the logger that will be used with the transaction.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) key() TransactionKey {
	if o == nil {
		return zeroTxKey
	}
	return o.Key
}

func (o *ClientTransactionOptions) dest() netip.AddrPort {
	if o == nil {
		return netip.AddrPort{}
	}
	return o.Destination
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) sink() TransactionEventSink {
	if o == nil {
		return nil
	}
	return o.Sink
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	key     TransactionKey
	tp      MessageTransport
	timings TimingConfig
	req     *Request
	dst     netip.AddrPort
	lastRes atomic.Pointer[Response]
	provRes types.Deque[*Response]
	started atomic.Bool
}

func newClientTransact(
	typ TransactionType,
	impl transactImpl,
	req *Request,
	tp MessageTransport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
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
	key.Server = false

	tx := &clientTransact{
		key:     key,
		tp:      tp,
		timings: opts.timings(),
		req:     req,
		dst:     opts.dest(),
	}
	tx.baseTransact = newBaseTransact(context.Background(), typ, impl, opts.log(), opts.sink())
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
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
func (tx *clientTransact) Key() TransactionKey {
	if tx == nil {
		return zeroTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// ProvisionalResponses returns the provisional responses received so
// far in arrival order. Forking proxies may deliver several before
// the final response.
func (tx *clientTransact) ProvisionalResponses() []*Response {
	if tx == nil {
		return nil
	}
	return tx.provRes.Snapshot()
}

// MatchResponse checks whether the response matches the transaction
// per the rules of RFC 3261 section 17.1.3.
func (tx *clientTransact) MatchResponse(res *Response) error {
	resKey := TransactionKey{Server: false}
	if err := resKey.FillFromMessage(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response received by the
// transport layer.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

func (tx *clientTransact) sendReq(ctx context.Context, req *Request) error {
	if err := tx.tp.SendRequest(ctx, req, tx.dst); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method, err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*Response)(nil)))

	return nil
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req) //nolint:errcheck
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	if res.Status.IsProvisional() {
		tx.provRes.Append(res)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	kind := TransactionEventFailureResponse
	switch {
	case res.Status.IsProvisional():
		kind = TransactionEventProvisionalResponse
	case res.Status.IsSuccessful():
		kind = TransactionEventSuccessResponse
	}
	tx.emit(TransactionEvent{
		Kind:     kind,
		Key:      tx.key,
		Response: res,
	})
	return nil
}

func (tx *clientTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *clientTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}
