package sip

import (
	"log/slog"
	"net/netip"
	"time"
)

// TransactionEventKind discriminates transaction event payloads.
type TransactionEventKind string

const (
	// TransactionEventProvisionalResponse reports a 1xx received by a
	// client transaction.
	TransactionEventProvisionalResponse TransactionEventKind = "provisional_response"
	// TransactionEventSuccessResponse reports a 2xx received by a
	// client transaction.
	TransactionEventSuccessResponse TransactionEventKind = "success_response"
	// TransactionEventFailureResponse reports a 300-699 received by a
	// client transaction.
	TransactionEventFailureResponse TransactionEventKind = "failure_response"
	// TransactionEventTimeout reports a Timer B/F expiry. It is the
	// synthetic terminal outcome of an unanswered client transaction.
	TransactionEventTimeout TransactionEventKind = "timeout"
	// TransactionEventTransportError reports a failed send attempt.
	TransactionEventTransportError TransactionEventKind = "transport_error"
	// TransactionEventTerminated reports that a transaction reached
	// its terminal state and left the live set.
	TransactionEventTerminated TransactionEventKind = "terminated"
	// TransactionEventRequestReceived reports the first observation of
	// a request with a novel key. Retransmits never repeat it.
	TransactionEventRequestReceived TransactionEventKind = "request_received"
	// TransactionEventAckReceived reports an ACK that matched no
	// INVITE server transaction, i.e. the ACK to a 2xx. The dialog
	// layer owns it.
	TransactionEventAckReceived TransactionEventKind = "ack_received"
)

// TransactionEvent is one occurrence on the transaction event stream.
// Events carrying the same Key are delivered in order.
type TransactionEvent struct {
	Kind     TransactionEventKind
	Key      TransactionKey
	Request  *Request
	Response *Response
	Source   netip.AddrPort
	Err      error
	Time     time.Time
}

// LogValue implements [slog.LogValuer].
func (ev TransactionEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(ev.Kind)),
		slog.Any("key", ev.Key),
	}
	if ev.Response != nil {
		attrs = append(attrs, slog.Any("response", ev.Response))
	}
	if ev.Request != nil {
		attrs = append(attrs, slog.Any("request", ev.Request))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.Any("error", ev.Err))
	}
	return slog.GroupValue(attrs...)
}

// DialogEventKind discriminates dialog event payloads.
type DialogEventKind string

const (
	// DialogEventEstablished reports a dialog reaching Confirmed.
	DialogEventEstablished DialogEventKind = "established"
	// DialogEventTerminated reports a dialog reaching Terminated.
	DialogEventTerminated DialogEventKind = "terminated"
	// DialogEventReInvite reports an INVITE processed inside an
	// existing dialog.
	DialogEventReInvite DialogEventKind = "re_invite"
	// DialogEventRefreshed reports an in-dialog UPDATE.
	DialogEventRefreshed DialogEventKind = "refreshed"
	// DialogEventFailed reports a dialog-affecting error, including
	// calls that failed or timed out before connecting.
	DialogEventFailed DialogEventKind = "failed"
)

// DialogEvent is one occurrence on the dialog event stream consumed
// by the session/call-control layer.
type DialogEvent struct {
	Kind     DialogEventKind
	DialogID DialogID
	Key      DialogKey
	Status   ResponseStatus
	Reason   string
	// Body carries the session descriptor when present.
	Body []byte
	Err  error
	Time time.Time
}

// LogValue implements [slog.LogValuer].
func (ev DialogEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(ev.Kind)),
		slog.String("dialog_id", string(ev.DialogID)),
		slog.Any("key", ev.Key),
	}
	if ev.Status != 0 {
		attrs = append(attrs, slog.Any("status", ev.Status))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.Any("error", ev.Err))
	}
	return slog.GroupValue(attrs...)
}
