package sip_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipcall/sip"
)

var (
	clientAddr = netip.MustParseAddrPort("192.0.2.1:5060")
	serverAddr = netip.MustParseAddrPort("192.0.2.2:5060")
)

// shortTimings shrinks every timer so state machines run through
// their full lifecycle within a few hundred milliseconds.
func shortTimings() sip.TimingConfig {
	return sip.NewTimings(
		10*time.Millisecond,  // T1
		40*time.Millisecond,  // T2
		30*time.Millisecond,  // T4
		50*time.Millisecond,  // Time D
		500*time.Millisecond, // Time 100, late enough not to interfere
	)
}

// stubTransport records outbound messages and optionally hands them
// to callbacks, standing in for the network.
type stubTransport struct {
	reliable bool

	mu         sync.Mutex
	err        error
	reqs       []*sip.Request
	ress       []*sip.Response
	onRequest  func(req *sip.Request, dst netip.AddrPort)
	onResponse func(res *sip.Response)
}

func (t *stubTransport) SendRequest(_ context.Context, req *sip.Request, dst netip.AddrPort) error {
	t.mu.Lock()
	err := t.err
	if err == nil {
		t.reqs = append(t.reqs, req)
	}
	cb := t.onRequest
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if cb != nil {
		cb(req, dst)
	}
	return nil
}

func (t *stubTransport) SendResponse(_ context.Context, res *sip.Response) error {
	t.mu.Lock()
	err := t.err
	if err == nil {
		t.ress = append(t.ress, res)
	}
	cb := t.onResponse
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if cb != nil {
		cb(res)
	}
	return nil
}

func (t *stubTransport) Reliable() bool { return t.reliable }

func (t *stubTransport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *stubTransport) requests() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.reqs...)
}

func (t *stubTransport) responses() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Response(nil), t.ress...)
}

// eventRec collects transaction events from a sink.
type eventRec struct {
	mu  sync.Mutex
	evs []sip.TransactionEvent
}

func (r *eventRec) sink() sip.TransactionEventSink {
	return func(ev sip.TransactionEvent) {
		r.mu.Lock()
		r.evs = append(r.evs, ev)
		r.mu.Unlock()
	}
}

func (r *eventRec) events() []sip.TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sip.TransactionEvent(nil), r.evs...)
}

func (r *eventRec) kinds() []sip.TransactionEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]sip.TransactionEventKind, len(r.evs))
	for i, ev := range r.evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *eventRec) count(kind sip.TransactionEventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, ev := range r.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", within, msg)
}

// newRequest builds a valid out-of-dialog request for tests.
func newRequest(mtd sip.RequestMethod, branch string) *sip.Request {
	req := &sip.Request{
		Method: mtd,
		URI:    sip.URI{Scheme: "sip", User: "bob", Host: "192.0.2.2", Port: 5060},
		Source: clientAddr,
	}
	req.Headers.Set(sip.HeaderVia, "SIP/2.0/UDP 192.0.2.1:5060;branch="+branch)
	req.Headers.Set(sip.HeaderMaxForwards, "70")
	req.Headers.Set(sip.HeaderCallID, uuid.NewString())
	req.Headers.Set(sip.HeaderFrom, "<sip:alice@192.0.2.1>;tag="+sip.GenerateTag())
	req.Headers.Set(sip.HeaderTo, "<sip:bob@192.0.2.2>")
	req.Headers.SetCSeq(1, mtd)
	req.Headers.Set(sip.HeaderContact, "<sip:alice@192.0.2.1:5060>")
	return req
}

func newInvite(branch string) *sip.Request {
	return newRequest(sip.RequestMethodInvite, branch)
}

// respond derives a response, optionally tagging the To header.
func respond(t *testing.T, req *sip.Request, sts sip.ResponseStatus, toTag string) *sip.Response {
	t.Helper()
	res, err := req.NewResponse(sts)
	if err != nil {
		t.Fatalf("req.NewResponse(%v) error = %v", sts, err)
	}
	if toTag != "" {
		to, _ := res.Headers.To()
		res.Headers.Set(sip.HeaderTo, to+";tag="+toTag)
	}
	res.Source = serverAddr
	return res
}
