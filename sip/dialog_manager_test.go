package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcall/sip"
)

// dlgRec collects dialog events from a manager's stream.
type dlgRec struct {
	mu  sync.Mutex
	evs []sip.DialogEvent
}

func (r *dlgRec) events() []sip.DialogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sip.DialogEvent(nil), r.evs...)
}

func (r *dlgRec) count(kind sip.DialogEventKind) int {
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

func (r *dlgRec) first(kind sip.DialogEventKind) (sip.DialogEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return sip.DialogEvent{}, false
}

// endpoint bundles one side of a call: transport stub, transaction
// manager and dialog manager, with the dialog events drained into a
// recorder.
type endpoint struct {
	addr netip.AddrPort
	tp   *stubTransport
	txm  *sip.TransactionManager
	dm   *sip.DialogManager
	evs  *dlgRec
}

func newEndpoint(t *testing.T, user string, addr netip.AddrPort) *endpoint {
	t.Helper()
	ctx := context.Background()

	ep := &endpoint{addr: addr, tp: &stubTransport{}, evs: &dlgRec{}}

	txm, err := sip.NewTransactionManager(ep.tp, &sip.TransactionManagerOptions{Timings: shortTimings()})
	if err != nil {
		t.Fatalf("sip.NewTransactionManager(%s) error = %v", user, err)
	}
	ep.txm = txm

	dm, err := sip.NewDialogManager(ctx, txm, &sip.DialogManagerOptions{
		LocalURI:        sip.URI{Scheme: "sip", User: user, Host: addr.Addr().String(), Port: addr.Port()},
		SweepInterval:   -1,
		ShutdownTimeout: 500 * time.Millisecond,
		DialogTimeout:   200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("sip.NewDialogManager(%s) error = %v", user, err)
	}
	ep.dm = dm

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range dm.Events() {
			ep.evs.mu.Lock()
			ep.evs.evs = append(ep.evs.evs, ev)
			ep.evs.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		if err := dm.Close(ctx); err != nil {
			t.Errorf("dm.Close(%s) error = %v", user, err)
		}
		if err := txm.Close(ctx); err != nil {
			t.Errorf("txm.Close(%s) error = %v", user, err)
		}
		<-done
	})
	return ep
}

// wire routes one endpoint's outbound traffic into the other's inbound
// handlers, standing in for the network between them.
func wire(a, b *endpoint) {
	ctx := context.Background()
	a.tp.onRequest = func(req *sip.Request, _ netip.AddrPort) {
		go b.txm.HandleRequest(ctx, req.Clone(), a.addr) //nolint:errcheck
	}
	a.tp.onResponse = func(res *sip.Response) {
		cp := res.Clone()
		cp.Source = a.addr
		go b.txm.HandleResponse(ctx, cp) //nolint:errcheck
	}
	b.tp.onRequest = func(req *sip.Request, _ netip.AddrPort) {
		go a.txm.HandleRequest(ctx, req.Clone(), b.addr) //nolint:errcheck
	}
	b.tp.onResponse = func(res *sip.Response) {
		cp := res.Clone()
		cp.Source = b.addr
		go a.txm.HandleResponse(ctx, cp) //nolint:errcheck
	}
}

// establish runs one INVITE round trip from alice to bob and returns
// alice's established dialog.
func establish(t *testing.T, alice, bob *endpoint) *sip.Dialog {
	t.Helper()
	ctx := context.Background()

	target := sip.URI{Scheme: "sip", User: "bob", Host: bob.addr.Addr().String(), Port: bob.addr.Port()}
	if _, err := alice.dm.Invite(ctx, target, bob.addr, []byte("v=0")); err != nil {
		t.Fatalf("alice.dm.Invite() error = %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return alice.evs.count(sip.DialogEventEstablished) == 1 &&
			bob.evs.count(sip.DialogEventEstablished) == 1
	}, "both sides established")

	ev, _ := alice.evs.first(sip.DialogEventEstablished)
	d, err := alice.dm.DialogByID(ev.DialogID)
	if err != nil {
		t.Fatalf("alice.dm.DialogByID(%v) error = %v", ev.DialogID, err)
	}
	return d
}

func TestDialogManager_CallFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.1:5060"))
	bob := newEndpoint(t, "bob", netip.MustParseAddrPort("192.0.2.2:5060"))
	wire(alice, bob)

	d := establish(t, alice, bob)
	if got := d.State(); got != sip.DialogStateConfirmed {
		t.Fatalf("alice dialog state = %v, want %v", got, sip.DialogStateConfirmed)
	}
	if got := alice.dm.Count(); got != 1 {
		t.Errorf("alice.dm.Count() = %d, want 1", got)
	}
	if got := bob.dm.Count(); got != 1 {
		t.Errorf("bob.dm.Count() = %d, want 1", got)
	}

	// Both tag orientations address the same dialog.
	if _, err := alice.dm.DialogByKey(d.Key()); err != nil {
		t.Errorf("alice.dm.DialogByKey(key) error = %v", err)
	}
	if _, err := alice.dm.DialogByKey(d.Key().Reversed()); err != nil {
		t.Errorf("alice.dm.DialogByKey(reversed) error = %v", err)
	}

	// Bob saw alice's ACK to the 2xx.
	bobEv, _ := bob.evs.first(sip.DialogEventEstablished)
	bobDlg, err := bob.dm.DialogByID(bobEv.DialogID)
	if err != nil {
		t.Fatalf("bob.dm.DialogByID() error = %v", err)
	}
	eventually(t, time.Second, func() bool { return bobDlg.RemoteSeq() >= 1 }, "bob observed the ACK")

	// Hang up from alice's side. Bob terminates on the BYE, alice on
	// its 200.
	if err := alice.dm.TerminateDialog(ctx, d.ID()); err != nil {
		t.Fatalf("alice.dm.TerminateDialog() error = %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return alice.evs.count(sip.DialogEventTerminated) == 1 &&
			bob.evs.count(sip.DialogEventTerminated) == 1
	}, "both sides terminated")

	// A second hangup attempt finds nothing to do.
	if err := alice.dm.TerminateDialog(ctx, d.ID()); !errors.Is(err, sip.ErrDialogNotFound) {
		t.Errorf("second TerminateDialog() error = %v, want %v", err, sip.ErrDialogNotFound)
	}

	if got := alice.dm.CleanupTerminated(); got != 1 {
		t.Errorf("alice.dm.CleanupTerminated() = %d, want 1", got)
	}
	if got := alice.dm.Count(); got != 0 {
		t.Errorf("alice.dm.Count() after cleanup = %d, want 0", got)
	}
}

func TestDialogManager_ReInvite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.3:5060"))
	bob := newEndpoint(t, "bob", netip.MustParseAddrPort("192.0.2.4:5060"))
	wire(alice, bob)

	d := establish(t, alice, bob)

	// An in-dialog INVITE is answered without ringing and without a
	// second dialog.
	reinv, err := d.NewRequest(sip.RequestMethodInvite)
	if err != nil {
		t.Fatalf("d.NewRequest(INVITE) error = %v", err)
	}
	reinv.Body = []byte("v=1")
	if err := bob.txm.HandleRequest(ctx, reinv, alice.addr); err != nil {
		t.Fatalf("bob.txm.HandleRequest(re-INVITE) error = %v", err)
	}

	eventually(t, time.Second, func() bool {
		return bob.evs.count(sip.DialogEventReInvite) == 1
	}, "re-invite event")
	if got := bob.evs.count(sip.DialogEventEstablished); got != 1 {
		t.Errorf("bob established events = %d, want 1: re-INVITE must not open a dialog", got)
	}
	if got := bob.dm.Count(); got != 1 {
		t.Errorf("bob.dm.Count() = %d, want 1", got)
	}
}

func TestDialogManager_InviteRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.5:5060"))

	// The far side rejects every INVITE with 486.
	alice.tp.onRequest = func(req *sip.Request, _ netip.AddrPort) {
		if !req.Method.Equal(sip.RequestMethodInvite) {
			return
		}
		res, err := req.NewResponse(sip.ResponseStatusBusyHere)
		if err != nil {
			return
		}
		to, _ := res.Headers.To()
		res.Headers.Set(sip.HeaderTo, to+";tag=busy-tag")
		res.Source = netip.MustParseAddrPort("192.0.2.6:5060")
		go alice.txm.HandleResponse(ctx, res) //nolint:errcheck
	}

	target := sip.URI{Scheme: "sip", User: "bob", Host: "192.0.2.6", Port: 5060}
	dst := netip.MustParseAddrPort("192.0.2.6:5060")
	if _, err := alice.dm.Invite(ctx, target, dst, nil); err != nil {
		t.Fatalf("alice.dm.Invite() error = %v", err)
	}

	eventually(t, time.Second, func() bool {
		return alice.evs.count(sip.DialogEventFailed) == 1
	}, "failed event")

	ev, _ := alice.evs.first(sip.DialogEventFailed)
	if ev.Status != sip.ResponseStatusBusyHere {
		t.Errorf("failed event status = %v, want 486", ev.Status)
	}
	if got := alice.dm.Count(); got != 0 {
		t.Errorf("alice.dm.Count() = %d, want 0: rejected call leaves no dialog", got)
	}
}

func TestDialogManager_BoundedShutdown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.7:5060"))
	bob := newEndpoint(t, "bob", netip.MustParseAddrPort("192.0.2.8:5060"))
	wire(alice, bob)

	establish(t, alice, bob)

	// The peer goes silent: the shutdown BYE will never be answered
	// and the per-dialog timeout has to cut the wait.
	alice.tp.mu.Lock()
	alice.tp.onRequest = nil
	alice.tp.onResponse = nil
	alice.tp.mu.Unlock()

	start := time.Now()
	if err := alice.dm.Close(ctx); err != nil {
		t.Fatalf("alice.dm.Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("close took %v, want bounded well under 2s", elapsed)
	}

	if got := alice.dm.Count(); got != 0 {
		t.Errorf("alice.dm.Count() after close = %d, want 0", got)
	}
	eventually(t, time.Second, func() bool {
		return alice.evs.count(sip.DialogEventTerminated) == 1
	}, "terminated event on shutdown")
}

func TestDialogManager_Sessions(t *testing.T) {
	t.Parallel()

	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.9:5060"))
	bob := newEndpoint(t, "bob", netip.MustParseAddrPort("192.0.2.10:5060"))
	wire(alice, bob)

	d := establish(t, alice, bob)

	const sid = sip.SessionID("media-42")
	if err := alice.dm.AttachSession(d.ID(), sid); err != nil {
		t.Fatalf("alice.dm.AttachSession() error = %v", err)
	}
	if got, err := alice.dm.SessionByDialog(d.ID()); err != nil || got != sid {
		t.Errorf("alice.dm.SessionByDialog() = %v, %v, want %v, nil", got, err, sid)
	}
	if got, err := alice.dm.DialogBySession(sid); err != nil || got.ID() != d.ID() {
		t.Errorf("alice.dm.DialogBySession() dialog = %v, err = %v, want %v", got, err, d.ID())
	}

	alice.dm.DetachSession(d.ID())
	if _, err := alice.dm.SessionByDialog(d.ID()); !errors.Is(err, sip.ErrSessionNotFound) {
		t.Errorf("SessionByDialog after detach error = %v, want %v", err, sip.ErrSessionNotFound)
	}

	if err := alice.dm.AttachSession(sip.DialogID("missing"), sid); !errors.Is(err, sip.ErrDialogNotFound) {
		t.Errorf("AttachSession(missing) error = %v, want %v", err, sip.ErrDialogNotFound)
	}
}

func TestDialogManager_InitialByeRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.11:5060"))

	// A BYE matching no dialog gets 481.
	bye := newRequest(sip.RequestMethodBye, sip.GenerateBranch())
	if err := alice.txm.HandleRequest(ctx, bye, serverAddr); err != nil {
		t.Fatalf("alice.txm.HandleRequest(BYE) error = %v", err)
	}

	eventually(t, time.Second, func() bool {
		for _, res := range alice.tp.responses() {
			if res.Status == sip.ResponseStatusTransactionNotExist {
				return true
			}
		}
		return false
	}, "481 for dialogless BYE")
}

func TestDialogManager_InviteRetransmitAfterAnswer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.20:5060"))
	bob := newEndpoint(t, "bob", netip.MustParseAddrPort("192.0.2.21:5060"))
	wire(alice, bob)

	establish(t, alice, bob)

	var invite *sip.Request
	for _, req := range alice.tp.requests() {
		if req.Method.Equal(sip.RequestMethodInvite) {
			invite = req
			break
		}
	}
	if invite == nil {
		t.Fatal("no INVITE recorded on alice's transport")
	}

	// The network delivers the initial INVITE again after the call is
	// already answered. Bob must replay the 2xx, not open a second leg.
	for range 3 {
		if err := bob.txm.HandleRequest(ctx, invite.Clone(), alice.addr); err != nil {
			t.Fatalf("bob.txm.HandleRequest(retransmit) error = %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	if got := bob.evs.count(sip.DialogEventEstablished); got != 1 {
		t.Errorf("bob established events after retransmit = %d, want 1", got)
	}
	if got := bob.dm.Count(); got != 1 {
		t.Errorf("bob.dm.Count() after retransmit = %d, want 1", got)
	}
}

// ringingPeer answers every INVITE on tp with a tagged 180 and records
// the original INVITE, standing in for a far end that never picks up.
func ringingPeer(ctx context.Context, ep *endpoint, peer netip.AddrPort, toTag string) func() *sip.Request {
	var mu sync.Mutex
	var invite *sip.Request

	ep.tp.onRequest = func(req *sip.Request, _ netip.AddrPort) {
		if !req.Method.Equal(sip.RequestMethodInvite) {
			return
		}
		mu.Lock()
		invite = req.Clone()
		mu.Unlock()

		res, err := req.NewResponse(sip.ResponseStatusRinging)
		if err != nil {
			return
		}
		to, _ := res.Headers.To()
		res.Headers.Set(sip.HeaderTo, to+";tag="+toTag)
		res.Source = peer
		go ep.txm.HandleResponse(ctx, res) //nolint:errcheck
	}

	return func() *sip.Request {
		mu.Lock()
		defer mu.Unlock()
		return invite
	}
}

// earlyCall sends an INVITE into a ringing peer and returns the early
// dialog once the tagged 180 opened it.
func earlyCall(t *testing.T, ep *endpoint, peer netip.AddrPort, toTag string) (*sip.Dialog, *sip.Request) {
	t.Helper()
	ctx := context.Background()

	sentInvite := ringingPeer(ctx, ep, peer, toTag)

	target := sip.URI{Scheme: "sip", User: "bob", Host: peer.Addr().String(), Port: peer.Port()}
	if _, err := ep.dm.Invite(ctx, target, peer, nil); err != nil {
		t.Fatalf("ep.dm.Invite() error = %v", err)
	}
	eventually(t, time.Second, func() bool { return ep.dm.Count() == 1 }, "early dialog opened")

	invite := sentInvite()
	callID, _ := invite.Headers.CallID()
	fromTag, _ := invite.Headers.FromTag()
	d, err := ep.dm.DialogByKey(sip.DialogKey{CallID: callID, LocalTag: fromTag, RemoteTag: toTag})
	if err != nil {
		t.Fatalf("ep.dm.DialogByKey() error = %v", err)
	}
	if got := d.State(); got != sip.DialogStateEarly {
		t.Fatalf("dialog state = %v, want %v", got, sip.DialogStateEarly)
	}
	return d, invite
}

func TestDialogManager_CancelEarlyDialog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.22:5060"))
	peer := netip.MustParseAddrPort("192.0.2.23:5060")

	d, invite := earlyCall(t, alice, peer, "ring-tag")

	if err := alice.dm.TerminateDialog(ctx, d.ID()); err != nil {
		t.Fatalf("alice.dm.TerminateDialog() error = %v", err)
	}
	if !d.IsTerminated() {
		t.Errorf("d.IsTerminated() = false, want true")
	}

	// A CANCEL with the INVITE's branch goes out so the peer stops
	// ringing.
	invBranch, _ := invite.Headers.ViaBranch()
	findCancel := func() *sip.Request {
		for _, req := range alice.tp.requests() {
			if b, _ := req.Headers.ViaBranch(); req.Method.Equal(sip.RequestMethodCancel) && b == invBranch {
				return req
			}
		}
		return nil
	}
	eventually(t, time.Second, func() bool { return findCancel() != nil }, "cancel sent")

	cnl := findCancel()
	if seq, mtd, _ := cnl.Headers.CSeq(); seq != 1 || !mtd.Equal(sip.RequestMethodCancel) {
		t.Errorf("cancel CSeq = %d %v, want 1 CANCEL", seq, mtd)
	}

	eventually(t, time.Second, func() bool {
		return alice.evs.count(sip.DialogEventTerminated) == 1
	}, "terminated event delivered")
	ev, ok := alice.evs.first(sip.DialogEventTerminated)
	if !ok || ev.Reason != "cancelled" {
		t.Errorf("terminated event = %+v, want reason %q", ev, "cancelled")
	}

	// The 487 completing the cancelled INVITE is absorbed silently.
	res, err := invite.NewResponse(sip.ResponseStatusRequestTerminated)
	if err != nil {
		t.Fatalf("invite.NewResponse(487) error = %v", err)
	}
	to, _ := res.Headers.To()
	res.Headers.Set(sip.HeaderTo, to+";tag=ring-tag")
	res.Source = peer
	if err := alice.txm.HandleResponse(ctx, res); err != nil {
		t.Fatalf("alice.txm.HandleResponse(487) error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := alice.evs.count(sip.DialogEventFailed); got != 0 {
		t.Errorf("failed events after cancel = %d, want 0", got)
	}
	if got := alice.evs.count(sip.DialogEventTerminated); got != 1 {
		t.Errorf("terminated events = %d, want 1", got)
	}
}

func TestDialogManager_AnswerAfterCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newEndpoint(t, "alice", netip.MustParseAddrPort("192.0.2.24:5060"))
	peer := netip.MustParseAddrPort("192.0.2.25:5060")

	d, invite := earlyCall(t, alice, peer, "ring-tag")

	if err := alice.dm.TerminateDialog(ctx, d.ID()); err != nil {
		t.Fatalf("alice.dm.TerminateDialog() error = %v", err)
	}

	// The peer's 200 crosses the CANCEL on the wire: the answered leg
	// must be acknowledged and closed with BYE, not established.
	res, err := invite.NewResponse(sip.ResponseStatusOK)
	if err != nil {
		t.Fatalf("invite.NewResponse(200) error = %v", err)
	}
	to, _ := res.Headers.To()
	res.Headers.Set(sip.HeaderTo, to+";tag=ring-tag")
	res.Headers.Set(sip.HeaderContact, "<sip:bob@192.0.2.25:5060>")
	res.Source = peer
	if err := alice.txm.HandleResponse(ctx, res); err != nil {
		t.Fatalf("alice.txm.HandleResponse(200) error = %v", err)
	}

	callID, _ := invite.Headers.CallID()
	find := func(mtd sip.RequestMethod) *sip.Request {
		for _, req := range alice.tp.requests() {
			id, _ := req.Headers.CallID()
			if req.Method.Equal(mtd) && id == callID {
				return req
			}
		}
		return nil
	}
	eventually(t, time.Second, func() bool {
		return find(sip.RequestMethodAck) != nil && find(sip.RequestMethodBye) != nil
	}, "ack and bye for the late answer")

	if got := alice.evs.count(sip.DialogEventEstablished); got != 0 {
		t.Errorf("established events after cancel = %d, want 0", got)
	}
	if got := alice.evs.count(sip.DialogEventTerminated); got != 1 {
		t.Errorf("terminated events = %d, want 1", got)
	}
	if got := alice.dm.Count(); got != 1 {
		t.Errorf("alice.dm.Count() = %d, want 1: the closed leg is never registered", got)
	}
}
