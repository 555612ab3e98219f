package sip

import (
	"context"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcall/internal/types"
	"github.com/ghettovoice/sipcall/internal/util"
)

// TransactionState represents a SIP transaction state.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateTerminated TransactionState = "terminated"
)

// LogValue implements [slog.LogValuer].
func (s TransactionState) LogValue() slog.Value { return slog.StringValue(string(s)) }

// TransactionType represents a SIP transaction type.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// LogValue implements [slog.LogValuer].
func (t TransactionType) LogValue() slog.Value { return slog.StringValue(string(t)) }

// TransactionKey uniquely identifies one transaction for its
// lifetime: Via branch, request method and the transaction role.
//
//nolint:recvcheck
type TransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch"`
	// Method of the request that created the transaction.
	Method RequestMethod `json:"method"`
	// Server is true for server transactions.
	Server bool `json:"server"`
}

var zeroTxKey TransactionKey

// FillFromMessage populates the key from the message's Via branch and
// CSeq method. The Server flag is left untouched.
func (k *TransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	hdrs := msg.MessageHeaders()
	k.Branch, _ = hdrs.ViaBranch()
	_, k.Method, _ = hdrs.CSeq()
	k.Method = RequestMethod(util.UCase(string(k.Method)))
	return nil
}

// Equal reports whether the key matches another key.
func (k TransactionKey) Equal(other TransactionKey) bool {
	return k.Branch == other.Branch &&
		k.Method.Equal(other.Method) &&
		k.Server == other.Server
}

// IsValid reports whether the key is usable for matching.
func (k TransactionKey) IsValid() bool { return k.Branch != "" && k.Method.IsValid() }

// IsZero reports whether the key is zero.
func (k TransactionKey) IsZero() bool { return k == zeroTxKey }

func (k TransactionKey) String() string {
	role := "client"
	if k.Server {
		role = "server"
	}
	return k.Branch + "|" + k.Method.String() + "|" + role
}

// LogValue implements [slog.LogValuer].
func (k TransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.Any("method", k.Method),
		slog.Bool("server", k.Server),
	)
}

// Transaction is the capability set common to all four transaction
// kinds.
type Transaction interface {
	slog.LogValuer

	// Key returns the transaction key.
	Key() TransactionKey
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Terminate moves the transaction to the terminal state,
	// stopping all timers. Safe to call more than once.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a state transition callback.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
}

// TransactionStateHandler observes one state transition.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

// TransactionEventSink consumes events produced by a transaction.
type TransactionEventSink = func(ev TransactionEvent)

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_error"
)

type transactImpl interface {
	Transaction
}

// baseTransact carries the machinery shared by all transaction kinds:
// the state machine, the logger, the event sink and the state change
// callback registry.
type baseTransact struct {
	typ    TransactionType
	impl   transactImpl
	fsm    *stateless.StateMachine
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	sink   atomic.Pointer[TransactionEventSink]

	onState types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(
	ctx context.Context,
	typ TransactionType,
	impl transactImpl,
	logger *slog.Logger,
	sink TransactionEventSink,
) *baseTransact {
	ctx, cancel := context.WithCancel(ctx)
	tx := &baseTransact{
		typ:    typ,
		impl:   impl,
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
	if sink != nil {
		tx.sink.Store(&sink)
	}
	return tx
}

// setSink attaches the event sink. The manager attaches it only after
// the transaction wins its store slot, so a transaction that loses a
// creation race never emits events for a live key.
func (tx *baseTransact) setSink(sink TransactionEventSink) {
	if sink != nil {
		tx.sink.Store(&sink)
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)

	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())

	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}
		tx.onState.Range(func(fn TransactionStateHandler) {
			fn(ctx, from, to)
		})
	})

	return nil
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// Context returns the transaction context. It is cancelled when the
// transaction terminates.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Terminate moves the transaction to the terminal state.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a state transition callback.
// Multiple callbacks can be registered; the returned cancel function
// unregisters this one.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

func (tx *baseTransact) emit(ev TransactionEvent) {
	sink := tx.sink.Load()
	if sink == nil {
		return
	}
	ev.Time = time.Now()
	(*sink)(ev)
}

//nolint:unparam
func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.emit(TransactionEvent{
		Kind: TransactionEventTerminated,
		Key:  tx.impl.Key(),
	})
	tx.cancel()
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.emit(TransactionEvent{
		Kind: TransactionEventTimeout,
		Key:  tx.impl.Key(),
		Err:  NewTimeoutError(ErrTransactionTimedOut),
	})
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	tx.emit(TransactionEvent{
		Kind: TransactionEventTransportError,
		Key:  tx.impl.Key(),
		Err:  err,
	})
	return nil
}
