package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcall/sip"
)

func TestInviteClientTransaction_Success(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := &stubTransport{}
	rec := &eventRec{}

	invite := newInvite(sip.GenerateBranch())
	tx, err := sip.NewClientTransaction(invite, tp, &sip.ClientTransactionOptions{
		Timings: shortTimings(),
		Sink:    rec.sink(),
	})
	if err != nil {
		t.Fatalf("sip.NewClientTransaction() error = %v", err)
	}

	if got := tx.State(); got != sip.TransactionStateCalling {
		t.Fatalf("tx.State() = %v, want %v", got, sip.TransactionStateCalling)
	}
	if got := len(tp.requests()); got != 0 {
		t.Fatalf("sends before Start = %d, want 0", got)
	}

	if err := tx.Start(ctx); err != nil {
		t.Fatalf("tx.Start() error = %v", err)
	}
	if err := tx.Start(ctx); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Errorf("second tx.Start() error = %v, want %v", err, sip.ErrActionNotAllowed)
	}

	// Timer A keeps retransmitting over unreliable transport until a
	// response arrives.
	eventually(t, time.Second, func() bool { return len(tp.requests()) >= 3 }, "INVITE retransmits")

	if err := tx.RecvResponse(ctx, respond(t, invite, sip.ResponseStatusRinging, "totag1")); err != nil {
		t.Fatalf("tx.RecvResponse(180) error = %v", err)
	}
	if got := tx.State(); got != sip.TransactionStateProceeding {
		t.Fatalf("tx.State() after 180 = %v, want %v", got, sip.TransactionStateProceeding)
	}

	sent := len(tp.requests())
	time.Sleep(60 * time.Millisecond)
	if got := len(tp.requests()); got != sent {
		t.Errorf("retransmits continued in Proceeding: %d -> %d sends", sent, got)
	}

	if err := tx.RecvResponse(ctx, respond(t, invite, sip.ResponseStatusOK, "totag1")); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v", err)
	}
	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("tx.State() after 200 = %v, want %v", got, sip.TransactionStateTerminated)
	}

	want := []sip.TransactionEventKind{
		sip.TransactionEventProvisionalResponse,
		sip.TransactionEventSuccessResponse,
		sip.TransactionEventTerminated,
	}
	if diff := cmp.Diff(rec.kinds(), want); diff != "" {
		t.Errorf("event kinds mismatch (-got +want):\n%v", diff)
	}
	if got := len(tx.ProvisionalResponses()); got != 1 {
		t.Errorf("len(tx.ProvisionalResponses()) = %d, want 1", got)
	}
}

func TestInviteClientTransaction_Failure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := &stubTransport{}
	rec := &eventRec{}

	invite := newInvite(sip.GenerateBranch())
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{
		Timings: shortTimings(),
		Sink:    rec.sink(),
	})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v", err)
	}
	if err := tx.Start(ctx); err != nil {
		t.Fatalf("tx.Start() error = %v", err)
	}

	busy := respond(t, invite, sip.ResponseStatusBusyHere, "totag1")
	if err := tx.RecvResponse(ctx, busy); err != nil {
		t.Fatalf("tx.RecvResponse(486) error = %v", err)
	}
	if got := tx.State(); got != sip.TransactionStateCompleted {
		t.Fatalf("tx.State() after 486 = %v, want %v", got, sip.TransactionStateCompleted)
	}

	acks := func() int {
		var n int
		for _, req := range tp.requests() {
			if req.Method.Equal(sip.RequestMethodAck) {
				n++
			}
		}
		return n
	}
	if got := acks(); got != 1 {
		t.Fatalf("ACK sends after 486 = %d, want 1", got)
	}

	// A retransmitted final response is absorbed by resending the ACK.
	if err := tx.RecvResponse(ctx, busy); err != nil {
		t.Fatalf("tx.RecvResponse(486 retransmit) error = %v", err)
	}
	if got := acks(); got != 2 {
		t.Errorf("ACK sends after 486 retransmit = %d, want 2", got)
	}

	// Timer D reclaims the transaction.
	eventually(t, time.Second, func() bool {
		return tx.State() == sip.TransactionStateTerminated
	}, "Timer D termination")

	if got := rec.count(sip.TransactionEventFailureResponse); got != 1 {
		t.Errorf("failure response events = %d, want 1", got)
	}
	if got := rec.count(sip.TransactionEventTimeout); got != 0 {
		t.Errorf("timeout events = %d, want 0", got)
	}
}

func TestInviteClientTransaction_TimerB(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := &stubTransport{reliable: true}
	rec := &eventRec{}

	invite := newInvite(sip.GenerateBranch())
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{
		Timings: shortTimings(),
		Sink:    rec.sink(),
	})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v", err)
	}
	if err := tx.Start(ctx); err != nil {
		t.Fatalf("tx.Start() error = %v", err)
	}

	// No response at all: Timer B gives up with a synthetic timeout.
	eventually(t, 2*time.Second, func() bool {
		return tx.State() == sip.TransactionStateTerminated
	}, "Timer B termination")

	if got := rec.count(sip.TransactionEventTimeout); got != 1 {
		t.Fatalf("timeout events = %d, want 1", got)
	}
	rec.mu.Lock()
	var timeoutErr error
	for _, ev := range rec.evs {
		if ev.Kind == sip.TransactionEventTimeout {
			timeoutErr = ev.Err
		}
	}
	rec.mu.Unlock()
	if !errors.Is(timeoutErr, sip.ErrTransactionTimedOut) {
		t.Errorf("timeout event error = %v, want %v", timeoutErr, sip.ErrTransactionTimedOut)
	}

	// Reliable transport never retransmits.
	if got := len(tp.requests()); got != 1 {
		t.Errorf("sends = %d, want 1", got)
	}
}

func TestInviteClientTransaction_TransportErrorDoesNotTerminate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := &stubTransport{}
	rec := &eventRec{}

	invite := newInvite(sip.GenerateBranch())
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{
		Timings: shortTimings(),
		Sink:    rec.sink(),
	})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v", err)
	}

	tp.fail(errors.New("socket gone"))
	if err := tx.Start(ctx); err == nil {
		t.Fatalf("tx.Start() error = nil, want send failure")
	}

	// The failed send is reported; the transaction stays alive and
	// keeps retrying until its timers give up.
	eventually(t, time.Second, func() bool {
		return rec.count(sip.TransactionEventTransportError) >= 2
	}, "transport error events per attempt")
	if got := tx.State(); got != sip.TransactionStateCalling {
		t.Fatalf("tx.State() = %v, want %v", got, sip.TransactionStateCalling)
	}

	// The network healed: a response still completes the exchange.
	tp.fail(nil)
	if err := tx.RecvResponse(ctx, respond(t, invite, sip.ResponseStatusOK, "totag1")); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v", err)
	}
	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Errorf("tx.State() = %v, want %v", got, sip.TransactionStateTerminated)
	}
}

func TestNonInviteClientTransaction_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := &stubTransport{}
	rec := &eventRec{}

	opts := newRequest(sip.RequestMethodOptions, sip.GenerateBranch())
	tx, err := sip.NewClientTransaction(opts, tp, &sip.ClientTransactionOptions{
		Timings: shortTimings(),
		Sink:    rec.sink(),
	})
	if err != nil {
		t.Fatalf("sip.NewClientTransaction() error = %v", err)
	}

	if got := tx.State(); got != sip.TransactionStateTrying {
		t.Fatalf("tx.State() = %v, want %v", got, sip.TransactionStateTrying)
	}
	if err := tx.Start(ctx); err != nil {
		t.Fatalf("tx.Start() error = %v", err)
	}

	// Timer E backoff retransmits until a final response.
	eventually(t, time.Second, func() bool { return len(tp.requests()) >= 3 }, "OPTIONS retransmits")

	if err := tx.RecvResponse(ctx, respond(t, opts, sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.RecvResponse(100) error = %v", err)
	}
	if got := tx.State(); got != sip.TransactionStateProceeding {
		t.Fatalf("tx.State() after 100 = %v, want %v", got, sip.TransactionStateProceeding)
	}

	if err := tx.RecvResponse(ctx, respond(t, opts, sip.ResponseStatusOK, "totag1")); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v", err)
	}
	if got := tx.State(); got != sip.TransactionStateCompleted {
		t.Fatalf("tx.State() after 200 = %v, want %v", got, sip.TransactionStateCompleted)
	}

	// Timer K linger, then gone.
	eventually(t, time.Second, func() bool {
		return tx.State() == sip.TransactionStateTerminated
	}, "Timer K termination")

	want := []sip.TransactionEventKind{
		sip.TransactionEventProvisionalResponse,
		sip.TransactionEventSuccessResponse,
		sip.TransactionEventTerminated,
	}
	if diff := cmp.Diff(rec.kinds(), want); diff != "" {
		t.Errorf("event kinds mismatch (-got +want):\n%v", diff)
	}
}

func TestNonInviteClientTransaction_TimerF(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := &stubTransport{reliable: true}
	rec := &eventRec{}

	bye := newRequest(sip.RequestMethodBye, sip.GenerateBranch())
	tx, err := sip.NewNonInviteClientTransaction(bye, tp, &sip.ClientTransactionOptions{
		Timings: shortTimings(),
		Sink:    rec.sink(),
	})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v", err)
	}
	if err := tx.Start(ctx); err != nil {
		t.Fatalf("tx.Start() error = %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return tx.State() == sip.TransactionStateTerminated
	}, "Timer F termination")

	if got := rec.count(sip.TransactionEventTimeout); got != 1 {
		t.Errorf("timeout events = %d, want 1", got)
	}
}

func TestClientTransaction_MatchResponse(t *testing.T) {
	t.Parallel()

	tp := &stubTransport{reliable: true}
	invite := newInvite(sip.GenerateBranch())
	tx, err := sip.NewInviteClientTransaction(invite, tp, &sip.ClientTransactionOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v", err)
	}
	t.Cleanup(func() { _ = tx.Terminate(context.Background()) })

	if err := tx.MatchResponse(respond(t, invite, sip.ResponseStatusOK, "totag1")); err != nil {
		t.Errorf("tx.MatchResponse(own branch) error = %v, want nil", err)
	}

	other := newInvite(sip.GenerateBranch())
	if err := tx.MatchResponse(respond(t, other, sip.ResponseStatusOK, "totag1")); !errors.Is(err, sip.ErrTransactionNotMatched) {
		t.Errorf("tx.MatchResponse(foreign branch) error = %v, want %v", err, sip.ErrTransactionNotMatched)
	}
}
