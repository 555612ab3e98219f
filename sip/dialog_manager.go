package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/internal/log"
	"github.com/ghettovoice/sipcall/internal/syncutil"
	"github.com/ghettovoice/sipcall/internal/taskutil"
)

// SessionID is an opaque handle into the external session layer.
type SessionID string

// DialogManagerOptions contains options for a [DialogManager].
type DialogManagerOptions struct {
	// LocalURI identifies this side in From/To headers of requests the
	// manager originates and in auto-answered calls. Required.
	LocalURI URI
	// Contact is the URI advertised in Contact headers.
	// Defaults to LocalURI.
	Contact URI
	// EventQueueSize is the dialog event channel capacity.
	// Defaults to 256.
	EventQueueSize int
	// SweepInterval is the period of the terminated-dialog cleanup
	// sweep. Defaults to 30s. A negative value disables the
	// background sweep; [DialogManager.CleanupTerminated] still works.
	SweepInterval time.Duration
	// ShutdownTimeout bounds the whole graceful-close phase.
	// Defaults to 5s.
	ShutdownTimeout time.Duration
	// DialogTimeout bounds the BYE exchange of a single dialog during
	// close. Defaults to 2s.
	DialogTimeout time.Duration
	// Recovery configures transport-error recovery probes.
	// Nil disables them.
	Recovery *RecoveryPolicy
	// Metrics receives dialog counters. If nil, an unregistered set is
	// created.
	Metrics *DialogMetrics
	// Dialog is applied to every dialog the manager builds.
	Dialog *DialogOptions
	// Log is the logger that will be used with the manager.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *DialogManagerOptions) localURI() URI {
	if o == nil {
		return URI{}
	}
	return o.LocalURI
}

func (o *DialogManagerOptions) contact() URI {
	if o == nil || o.Contact.IsZero() {
		return o.localURI()
	}
	return o.Contact
}

func (o *DialogManagerOptions) eventQueueSize() int {
	if o == nil || o.EventQueueSize <= 0 {
		return 256
	}
	return o.EventQueueSize
}

func (o *DialogManagerOptions) sweepInterval() time.Duration {
	if o == nil || o.SweepInterval == 0 {
		return 30 * time.Second
	}
	return o.SweepInterval
}

func (o *DialogManagerOptions) shutdownTimeout() time.Duration {
	if o == nil || o.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return o.ShutdownTimeout
}

func (o *DialogManagerOptions) dialogTimeout() time.Duration {
	if o == nil || o.DialogTimeout <= 0 {
		return 2 * time.Second
	}
	return o.DialogTimeout
}

func (o *DialogManagerOptions) recovery() *RecoveryPolicy {
	if o == nil {
		return nil
	}
	return o.Recovery
}

func (o *DialogManagerOptions) metrics() *DialogMetrics {
	if o == nil || o.Metrics == nil {
		return NewDialogMetrics(nil)
	}
	return o.Metrics
}

func (o *DialogManagerOptions) dialog() *DialogOptions {
	if o == nil {
		return nil
	}
	return o.Dialog
}

func (o *DialogManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// pendingInvite tracks an outbound INVITE between transmission and
// its final response. The dialog field is non-nil once a tagged
// provisional response opened an early dialog.
type pendingInvite struct {
	req    *Request
	dialog *Dialog
}

// DialogManager turns the transaction event stream into dialog
// lifecycle transitions. It owns the three correlation tables of the
// dialog layer: dialog tuple to dialog, transaction key to dialog and
// dialog to session handle. All dialog-mutating work happens on one
// event-consuming task, so per-dialog field access is never
// contended.
type DialogManager struct {
	txm      *TransactionManager
	local    URI
	contact  URI
	dlgOpts  *DialogOptions
	recovery *RecoveryPolicy
	metrics  *DialogMetrics
	log      *slog.Logger

	sdTimeout  time.Duration
	dlgTimeout time.Duration
	sweepEvery time.Duration

	dialogs   *syncutil.ShardMap[string, *Dialog]   // DialogID -> dialog
	byTuple   *syncutil.ShardMap[string, DialogID]  // DialogKey -> DialogID
	byTx      *syncutil.ShardMap[string, DialogID]  // TransactionKey -> DialogID
	sessions  *syncutil.ShardMap[string, SessionID] // DialogID -> SessionID
	bySession *syncutil.ShardMap[string, DialogID]  // SessionID -> DialogID
	pending   *syncutil.ShardMap[string, *pendingInvite]
	probes    *syncutil.ShardMap[string, int] // DialogID -> recovery attempts

	tasks  *taskutil.Manager
	events chan DialogEvent

	// termMu serializes state checks against termination so counters
	// move exactly once per dialog.
	termMu sync.Mutex

	mu      sync.RWMutex
	closing bool
	closed  bool
}

// NewDialogManager creates a dialog manager consuming events from txm.
// The event loop and the cleanup sweep run as background tasks
// derived from ctx.
func NewDialogManager(ctx context.Context, txm *TransactionManager, opts *DialogManagerOptions) (*DialogManager, error) {
	if txm == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transaction manager required"))
	}
	if opts.localURI().IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("local URI required"))
	}

	dm := &DialogManager{
		txm:        txm,
		local:      opts.localURI(),
		contact:    opts.contact(),
		dlgOpts:    opts.dialog(),
		recovery:   opts.recovery(),
		metrics:    opts.metrics(),
		log:        opts.log(),
		sdTimeout:  opts.shutdownTimeout(),
		dlgTimeout: opts.dialogTimeout(),
		sweepEvery: opts.sweepInterval(),
		dialogs:    syncutil.NewShardMap[string, *Dialog](),
		byTuple:    syncutil.NewShardMap[string, DialogID](),
		byTx:       syncutil.NewShardMap[string, DialogID](),
		sessions:   syncutil.NewShardMap[string, SessionID](),
		bySession:  syncutil.NewShardMap[string, DialogID](),
		pending:    syncutil.NewShardMap[string, *pendingInvite](),
		probes:     syncutil.NewShardMap[string, int](),
		tasks:      taskutil.NewManager(ctx),
		events:     make(chan DialogEvent, opts.eventQueueSize()),
	}

	dm.tasks.Go("dialog-events", taskutil.PriorityHigh, dm.run)
	if dm.sweepEvery > 0 {
		dm.tasks.Go("dialog-sweep", taskutil.PriorityLow, dm.sweepLoop)
	}
	return dm, nil
}

// Events returns the dialog event stream.
func (dm *DialogManager) Events() <-chan DialogEvent { return dm.events }

// Count returns the number of dialogs in the store, including
// terminated dialogs not yet reclaimed by a sweep.
func (dm *DialogManager) Count() int { return dm.dialogs.Size() }

// DialogByID returns the dialog with the given identifier.
func (dm *DialogManager) DialogByID(id DialogID) (*Dialog, error) {
	d, ok := dm.dialogs.Get(string(id))
	if !ok {
		return nil, errtrace.Wrap(NewNotFoundError(ErrDialogNotFound, "id %q", id))
	}
	return d, nil
}

// DialogByKey returns the dialog matching the protocol tuple, trying
// both tag orientations.
func (dm *DialogManager) DialogByKey(key DialogKey) (*Dialog, error) {
	id, ok := dm.byTuple.Get(key.String())
	if !ok {
		id, ok = dm.byTuple.Get(key.Reversed().String())
	}
	if !ok {
		return nil, errtrace.Wrap(NewNotFoundError(ErrDialogNotFound, "key %q", key))
	}
	return errtrace.Wrap2(dm.DialogByID(id))
}

// AttachSession binds a dialog to an external session handle.
func (dm *DialogManager) AttachSession(id DialogID, sid SessionID) error {
	if !dm.dialogs.Has(string(id)) {
		return errtrace.Wrap(NewNotFoundError(ErrDialogNotFound, "id %q", id))
	}
	dm.sessions.Set(string(id), sid)
	dm.bySession.Set(string(sid), id)
	return nil
}

// DetachSession removes a dialog's session binding, if any.
func (dm *DialogManager) DetachSession(id DialogID) {
	if sid, ok := dm.sessions.Get(string(id)); ok {
		dm.sessions.Del(string(id))
		dm.bySession.Del(string(sid))
	}
}

// SessionByDialog returns the session handle bound to the dialog.
func (dm *DialogManager) SessionByDialog(id DialogID) (SessionID, error) {
	sid, ok := dm.sessions.Get(string(id))
	if !ok {
		return "", errtrace.Wrap(NewNotFoundError(ErrSessionNotFound, "dialog %q", id))
	}
	return sid, nil
}

// DialogBySession returns the dialog bound to the session handle.
func (dm *DialogManager) DialogBySession(sid SessionID) (*Dialog, error) {
	id, ok := dm.bySession.Get(string(sid))
	if !ok {
		return nil, errtrace.Wrap(NewNotFoundError(ErrSessionNotFound, "session %q", sid))
	}
	return errtrace.Wrap2(dm.DialogByID(id))
}

// Invite originates a call to target. The INVITE is sent through a
// new client transaction; dialog construction happens on the event
// loop when responses arrive. The returned key identifies the INVITE
// transaction on the event stream. When dst is not a valid address
// the target URI is resolved through the transaction manager's
// resolver.
func (dm *DialogManager) Invite(ctx context.Context, target URI, dst netip.AddrPort, body []byte) (TransactionKey, error) {
	if err := dm.guardOpen(); err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}
	if !target.IsValid() {
		return zeroTxKey, errtrace.Wrap(NewInvalidArgumentError("invalid target URI"))
	}

	req := dm.newRequest(RequestMethodInvite, target, 1)
	req.Body = body

	key, err := dm.txm.CreateClientTransaction(ctx, req, dst)
	if err != nil {
		return zeroTxKey, errtrace.Wrap(err)
	}
	dm.pending.Set(key.String(), &pendingInvite{req: req})

	if err := dm.txm.SendRequest(ctx, key); err != nil {
		dm.pending.Del(key.String())
		return zeroTxKey, errtrace.Wrap(err)
	}

	dm.log.LogAttrs(ctx, slog.LevelDebug, "invite sent", slog.Any("key", key), slog.Any("target", target))
	return key, nil
}

// newRequest builds an out-of-dialog request from the local identity.
func (dm *DialogManager) newRequest(mtd RequestMethod, target URI, seq uint32) *Request {
	req := &Request{
		Method: mtd,
		URI:    target.Clone(),
	}
	req.Headers.Set(HeaderVia, "SIP/2.0/UDP "+dm.local.Host+";branch="+GenerateBranch())
	req.Headers.Set(HeaderMaxForwards, "70")
	req.Headers.Set(HeaderCallID, uuid.NewString())
	req.Headers.Set(HeaderFrom, nameAddr(dm.local, GenerateTag()))
	req.Headers.Set(HeaderTo, "<"+target.String()+">")
	req.Headers.SetCSeq(seq, mtd)
	req.Headers.Set(HeaderContact, "<"+dm.contact.String()+">")
	return req
}

// TerminateDialog ends the dialog with the given identifier. A
// confirmed dialog enters Terminating and a BYE is sent; the dialog
// reaches Terminated when the BYE exchange finishes or times out. An
// early dialog is terminated immediately. A second call for the same
// dialog returns a not-found error.
func (dm *DialogManager) TerminateDialog(ctx context.Context, id DialogID) error {
	if err := dm.guardOpen(); err != nil {
		return errtrace.Wrap(err)
	}
	d, ok := dm.dialogs.Get(string(id))
	if !ok {
		return errtrace.Wrap(NewNotFoundError(ErrDialogNotFound, "id %q", id))
	}

	dm.termMu.Lock()
	switch d.State() {
	case DialogStateTerminating, DialogStateTerminated:
		dm.termMu.Unlock()
		return errtrace.Wrap(NewNotFoundError(ErrDialogNotFound, "id %q already terminating", id))
	case DialogStateEarly:
		dm.termMu.Unlock()
		dm.cancelPending(ctx, d)
		dm.finishTermination(ctx, d, "cancelled")
		return nil
	}
	d.StartTerminating()
	dm.termMu.Unlock()

	if err := dm.sendInDialog(ctx, d, RequestMethodBye); err != nil {
		// The peer is unreachable; close our side regardless.
		dm.log.LogAttrs(ctx, slog.LevelWarn, "bye send failed", slog.Any("dialog", d), slog.Any("error", err))
		dm.finishTermination(ctx, d, "bye failed")
	}
	return nil
}

// cancelPending sends CANCEL for the pending INVITE that opened the
// early dialog, so the peer stops ringing. The pending entry stays in
// place: the peer may answer with a 2xx before the CANCEL lands, and
// confirmInvite resolves that race.
func (dm *DialogManager) cancelPending(ctx context.Context, d *Dialog) {
	for _, p := range dm.pending.Items() {
		if p.dialog != d {
			continue
		}
		cnl := cancelFor(p.req)
		key, err := dm.txm.CreateClientTransaction(ctx, cnl, d.PeerAddr())
		if err != nil {
			dm.log.LogAttrs(ctx, slog.LevelWarn, "cancel failed", slog.Any("dialog", d), slog.Any("error", err))
			return
		}
		if err := dm.txm.SendRequest(ctx, key); err != nil {
			dm.log.LogAttrs(ctx, slog.LevelWarn, "cancel send failed", slog.Any("dialog", d), slog.Any("error", err))
			return
		}
		dm.log.LogAttrs(ctx, slog.LevelDebug, "invite cancelled", slog.Any("dialog", d), slog.Any("key", key))
		return
	}
}

// cancelFor builds the CANCEL for a sent INVITE per RFC 3261
// section 9.1: same request URI, Via branch, Call-ID, From and To,
// with the CSeq number of the INVITE and the method set to CANCEL.
func cancelFor(inv *Request) *Request {
	cnl := &Request{
		Method: RequestMethodCancel,
		URI:    inv.URI.Clone(),
	}
	for _, name := range []string{HeaderVia, HeaderMaxForwards, HeaderCallID, HeaderFrom, HeaderTo} {
		for _, val := range inv.Headers.GetAll(name) {
			cnl.Headers.Add(name, val)
		}
	}
	seq, _, _ := inv.Headers.CSeq()
	cnl.Headers.SetCSeq(seq, RequestMethodCancel)
	return cnl
}

// sendInDialog builds and transmits an in-dialog request through a
// new client transaction correlated back to the dialog.
func (dm *DialogManager) sendInDialog(ctx context.Context, d *Dialog, mtd RequestMethod) error {
	req, err := d.NewRequest(mtd)
	if err != nil {
		return errtrace.Wrap(err)
	}
	key, err := dm.txm.CreateClientTransaction(ctx, req, d.PeerAddr())
	if err != nil {
		return errtrace.Wrap(err)
	}
	dm.byTx.Set(key.String(), d.ID())
	if err := dm.txm.SendRequest(ctx, key); err != nil {
		dm.byTx.Del(key.String())
		return errtrace.Wrap(err)
	}
	return nil
}

// CleanupTerminated removes terminated dialogs from the store and all
// correlation tables. It returns the number of dialogs reclaimed.
func (dm *DialogManager) CleanupTerminated() int {
	var removed int
	for id, d := range dm.dialogs.Items() {
		if !d.IsTerminated() {
			continue
		}
		dm.dialogs.Del(id)
		dm.byTuple.Del(d.Key().String())
		dm.probes.Del(id)
		dm.DetachSession(DialogID(id))
		removed++
	}
	dm.metrics.SweepRuns.Inc()
	dm.metrics.SweepRemoved.Add(float64(removed))
	if removed > 0 {
		dm.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog sweep", slog.Int("removed", removed))
	}
	return removed
}

func (dm *DialogManager) sweepLoop(ctx context.Context) {
	tick := time.NewTicker(dm.sweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			dm.CleanupTerminated()
		}
	}
}

// run is the single event-consuming loop. Per-dialog mutation happens
// only here and in explicit termination calls.
func (dm *DialogManager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dm.txm.Events():
			if !ok {
				return
			}
			dm.handleTransactionEvent(ctx, ev)
		}
	}
}

func (dm *DialogManager) handleTransactionEvent(ctx context.Context, ev TransactionEvent) {
	switch ev.Kind {
	case TransactionEventRequestReceived:
		dm.onRequest(ctx, ev)
	case TransactionEventProvisionalResponse:
		dm.onProvisional(ctx, ev)
	case TransactionEventSuccessResponse:
		dm.onSuccess(ctx, ev)
	case TransactionEventFailureResponse:
		dm.onFailure(ctx, ev)
	case TransactionEventTimeout:
		dm.onTimeout(ctx, ev)
	case TransactionEventTransportError:
		dm.onTransportError(ctx, ev)
	case TransactionEventAckReceived:
		dm.onAck(ctx, ev)
	case TransactionEventTerminated:
		dm.byTx.Del(ev.Key.String())
		if _, ok := dm.pending.Get(ev.Key.String()); ok {
			// Terminated without a final outcome, e.g. the transaction
			// manager closed underneath us.
			dm.pending.Del(ev.Key.String())
		}
	}
}

// tupleOf computes the dialog tuple of an inbound request from the
// answering side's point of view: the To tag is ours, the From tag is
// the peer's.
func tupleOf(req *Request) DialogKey {
	callID, _ := req.Headers.CallID()
	toTag, _ := req.Headers.ToTag()
	fromTag, _ := req.Headers.FromTag()
	return DialogKey{CallID: callID, LocalTag: toTag, RemoteTag: fromTag}
}

func (dm *DialogManager) onRequest(ctx context.Context, ev TransactionEvent) {
	req := ev.Request
	if req == nil {
		return
	}

	if d, err := dm.DialogByKey(tupleOf(req)); err == nil {
		dm.onInDialogRequest(ctx, ev, d)
		return
	}
	dm.onInitialRequest(ctx, ev)
}

func (dm *DialogManager) onInDialogRequest(ctx context.Context, ev TransactionEvent, d *Dialog) {
	req := ev.Request
	if seq, _, ok := req.Headers.CSeq(); ok {
		d.UpdateRemoteSeq(seq)
	}

	switch {
	case req.Method.Equal(RequestMethodInvite):
		// A re-INVITE never rings: answer immediately, no new call
		// semantics.
		dm.respond(ctx, ev.Key, req, ResponseStatusOK, true)
		dm.emit(DialogEvent{
			Kind:     DialogEventReInvite,
			DialogID: d.ID(),
			Key:      d.Key(),
			Status:   ResponseStatusOK,
			Body:     req.Body,
		})
	case req.Method.Equal(RequestMethodBye):
		dm.respond(ctx, ev.Key, req, ResponseStatusOK, false)
		dm.finishTermination(ctx, d, "peer bye")
	case req.Method.Equal(RequestMethodUpdate):
		dm.respond(ctx, ev.Key, req, ResponseStatusOK, true)
		dm.emit(DialogEvent{
			Kind:     DialogEventRefreshed,
			DialogID: d.ID(),
			Key:      d.Key(),
			Status:   ResponseStatusOK,
			Body:     req.Body,
		})
	default:
		// OPTIONS, INFO, MESSAGE and the rest succeed without dialog
		// state changes.
		dm.respond(ctx, ev.Key, req, ResponseStatusOK, false)
	}
}

func (dm *DialogManager) onInitialRequest(ctx context.Context, ev TransactionEvent) {
	req := ev.Request
	switch {
	case req.Method.Equal(RequestMethodInvite):
		dm.answerInvite(ctx, ev)
	case req.Method.Equal(RequestMethodOptions):
		dm.respond(ctx, ev.Key, req, ResponseStatusTrying, false)
		dm.respond(ctx, ev.Key, req, ResponseStatusOK, false)
	case req.Method.Equal(RequestMethodBye), req.Method.Equal(RequestMethodUpdate):
		dm.respond(ctx, ev.Key, req, ResponseStatusTransactionNotExist, false)
	default:
		dm.respond(ctx, ev.Key, req, ResponseStatusOK, false)
	}
}

// answerInvite runs the automatic accept path of a novel INVITE:
// 100 Trying, 180 Ringing, 200 OK, then a Confirmed dialog built from
// the request/response pair and registered in the correlation tables.
func (dm *DialogManager) answerInvite(ctx context.Context, ev TransactionEvent) {
	req := ev.Request
	toTag := GenerateTag()

	dm.respondTagged(ctx, ev.Key, req, ResponseStatusTrying, "", false)
	dm.respondTagged(ctx, ev.Key, req, ResponseStatusRinging, toTag, false)
	res := dm.respondTagged(ctx, ev.Key, req, ResponseStatusOK, toTag, true)
	if res == nil {
		return
	}

	d, err := NewConfirmedDialog(req, res, false, dm.dlgOpts)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "dialog construction failed", slog.Any("request", req), slog.Any("error", err))
		dm.emit(DialogEvent{Kind: DialogEventFailed, Err: err})
		return
	}
	dm.register(d)
	dm.emit(DialogEvent{
		Kind:     DialogEventEstablished,
		DialogID: d.ID(),
		Key:      d.Key(),
		Status:   ResponseStatusOK,
		Body:     req.Body,
	})
	dm.log.LogAttrs(ctx, slog.LevelInfo, "call answered", slog.Any("dialog", d))
}

// respond sends a response through the server transaction, copying
// the request's To header as is.
func (dm *DialogManager) respond(ctx context.Context, key TransactionKey, req *Request, sts ResponseStatus, withContact bool) *Response {
	return dm.respondTagged(ctx, key, req, sts, "", withContact)
}

// respondTagged sends a response, appending toTag to the To header
// when the request carried none.
func (dm *DialogManager) respondTagged(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	sts ResponseStatus,
	toTag string,
	withContact bool,
) *Response {
	res, err := req.NewResponse(sts)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "response build failed", slog.Any("request", req), slog.Any("error", err))
		return nil
	}
	if toTag != "" {
		if _, ok := res.Headers.ToTag(); !ok {
			to, _ := res.Headers.To()
			res.Headers.Set(HeaderTo, to+";tag="+toTag)
		}
	}
	if withContact {
		res.Headers.Set(HeaderContact, "<"+dm.contact.String()+">")
	}
	if err := dm.txm.SendResponse(ctx, key, res); err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "response send failed", slog.Any("key", key), slog.Any("error", err))
		return nil
	}
	return res
}

func (dm *DialogManager) onProvisional(ctx context.Context, ev TransactionEvent) {
	p, ok := dm.pending.Get(ev.Key.String())
	if !ok || p.dialog != nil || ev.Response == nil {
		return
	}
	if _, tagged := ev.Response.Headers.ToTag(); !tagged {
		return
	}

	d, err := NewEarlyDialog(p.req, ev.Response, true, dm.dlgOpts)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelDebug, "early dialog skipped", slog.Any("key", ev.Key), slog.Any("error", err))
		return
	}
	p.dialog = d
	dm.register(d)
	dm.byTx.Set(ev.Key.String(), d.ID())
	dm.log.LogAttrs(ctx, slog.LevelDebug, "early dialog opened", slog.Any("dialog", d))
}

func (dm *DialogManager) onSuccess(ctx context.Context, ev TransactionEvent) {
	if p, ok := dm.pending.Get(ev.Key.String()); ok {
		dm.confirmInvite(ctx, ev, p)
		return
	}

	id, ok := dm.byTx.Get(ev.Key.String())
	if !ok {
		return
	}
	d, dok := dm.dialogs.Get(string(id))
	if !dok || ev.Response == nil {
		return
	}

	_, mtd, _ := ev.Response.Headers.CSeq()
	switch {
	case mtd.Equal(RequestMethodBye):
		dm.finishTermination(ctx, d, "normal")
	case mtd.Equal(RequestMethodOptions):
		// A peer answering the keep-alive probe is recovered.
		dm.metrics.RecoverySuccesses.Inc()
		dm.probes.Del(string(id))
		dm.log.LogAttrs(ctx, slog.LevelDebug, "recovery probe answered", slog.Any("dialog", d))
	}
}

// confirmInvite finishes the outbound call setup on a 2xx: the early
// dialog is promoted or a confirmed one is built, the ACK is sent and
// the established event is published.
func (dm *DialogManager) confirmInvite(ctx context.Context, ev TransactionEvent, p *pendingInvite) {
	defer dm.pending.Del(ev.Key.String())

	res := ev.Response
	if res == nil {
		return
	}

	d := p.dialog
	if d != nil && d.IsTerminated() {
		// Cancelled locally, but the 2xx crossed the CANCEL. The peer
		// considers the call answered and must be closed, not left
		// waiting for an ACK that never comes.
		dm.closeAnswered(ctx, p, res)
		return
	}
	if d != nil {
		oldKey := d.Key()
		if d.ConfirmFrom(res) {
			dm.metrics.DialogsEstablished.Inc()
			if d.Key() != oldKey {
				dm.byTuple.Del(oldKey.String())
				dm.byTuple.Set(d.Key().String(), d.ID())
			}
		}
	} else {
		var err error
		if d, err = NewConfirmedDialog(p.req, res, true, dm.dlgOpts); err != nil {
			dm.log.LogAttrs(ctx, slog.LevelWarn, "dialog construction failed", slog.Any("key", ev.Key), slog.Any("error", err))
			dm.emit(DialogEvent{Kind: DialogEventFailed, Err: err})
			return
		}
		dm.register(d)
	}

	dm.sendAck(ctx, d, res)
	dm.emit(DialogEvent{
		Kind:     DialogEventEstablished,
		DialogID: d.ID(),
		Key:      d.Key(),
		Status:   res.Status,
		Body:     res.Body,
	})
	dm.log.LogAttrs(ctx, slog.LevelInfo, "call established", slog.Any("dialog", d))
}

// closeAnswered ends a call leg the peer answered after local
// termination. A throwaway confirmed dialog built from the original
// INVITE carries the ACK and an immediate BYE; nothing is registered
// and no event is emitted, the local side already observed Terminated.
func (dm *DialogManager) closeAnswered(ctx context.Context, p *pendingInvite, res *Response) {
	d, err := NewConfirmedDialog(p.req, res, true, dm.dlgOpts)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "late answer close failed", slog.Any("response", res), slog.Any("error", err))
		return
	}
	dm.sendAck(ctx, d, res)

	bye, err := d.NewRequest(RequestMethodBye)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "late answer bye build failed", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	dst := res.Source
	if !dst.IsValid() {
		dst = d.PeerAddr()
	}
	key, err := dm.txm.CreateClientTransaction(ctx, bye, dst)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "late answer bye failed", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	if err := dm.txm.SendRequest(ctx, key); err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "late answer bye send failed", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	dm.log.LogAttrs(ctx, slog.LevelInfo, "late answer closed", slog.Any("dialog", d))
}

// sendAck acknowledges a 2xx. The ACK to a 2xx travels outside any
// transaction, straight through the transport.
func (dm *DialogManager) sendAck(ctx context.Context, d *Dialog, res *Response) {
	ack, err := d.NewRequest(RequestMethodAck)
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "ack build failed", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	dst := res.Source
	if !dst.IsValid() {
		dst = d.PeerAddr()
	}
	if !dst.IsValid() {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "ack skipped, no destination", slog.Any("dialog", d))
		return
	}
	if err := dm.txm.Transport().SendRequest(ctx, ack, dst); err != nil {
		dm.log.LogAttrs(ctx, slog.LevelWarn, "ack send failed", slog.Any("dialog", d), slog.Any("error", err))
	}
}

func (dm *DialogManager) onFailure(ctx context.Context, ev TransactionEvent) {
	if p, ok := dm.pending.Get(ev.Key.String()); ok {
		dm.pending.Del(ev.Key.String())
		if p.dialog != nil && p.dialog.IsTerminated() {
			// The expected 487 after our own CANCEL. The terminated
			// event was already published.
			return
		}
		if p.dialog != nil {
			dm.finishTermination(ctx, p.dialog, "rejected")
		}
		var sts ResponseStatus
		var reason string
		if ev.Response != nil {
			sts = ev.Response.Status
			reason = ev.Response.Reason
		}
		dm.emit(DialogEvent{Kind: DialogEventFailed, Status: sts, Reason: reason})
		return
	}

	if id, ok := dm.byTx.Get(ev.Key.String()); ok {
		if d, dok := dm.dialogs.Get(string(id)); dok && ev.Response != nil {
			if _, mtd, _ := ev.Response.Headers.CSeq(); mtd.Equal(RequestMethodBye) {
				// The peer rejected the BYE; the dialog is done for us
				// either way.
				dm.finishTermination(ctx, d, "bye rejected")
			}
		}
	}
}

func (dm *DialogManager) onTimeout(ctx context.Context, ev TransactionEvent) {
	if p, ok := dm.pending.Get(ev.Key.String()); ok {
		dm.pending.Del(ev.Key.String())
		if p.dialog != nil && p.dialog.IsTerminated() {
			// A cancelled call whose 487 never arrived. Nothing left
			// to report.
			return
		}
		if p.dialog != nil {
			dm.finishTermination(ctx, p.dialog, "timed out")
		}
		dm.emit(DialogEvent{Kind: DialogEventFailed, Reason: "timed out", Err: ev.Err})
		return
	}

	if id, ok := dm.byTx.Get(ev.Key.String()); ok {
		if d, dok := dm.dialogs.Get(string(id)); dok && d.State() == DialogStateTerminating {
			dm.finishTermination(ctx, d, "bye timed out")
		}
	}
}

func (dm *DialogManager) onTransportError(ctx context.Context, ev TransactionEvent) {
	id, ok := dm.byTx.Get(ev.Key.String())
	if !ok {
		return
	}
	d, dok := dm.dialogs.Get(string(id))
	if !dok {
		return
	}

	dm.log.LogAttrs(ctx, slog.LevelWarn, "in-dialog transport error", slog.Any("dialog", d), slog.Any("error", ev.Err))

	if !dm.recovery.enabled() || d.State() != DialogStateConfirmed {
		return
	}
	attempts, _ := dm.probes.Get(string(id))
	if attempts >= dm.recovery.maxAttempts() {
		return
	}
	dm.probes.Set(string(id), attempts+1)
	dm.metrics.RecoveryAttempts.Inc()

	probe := func(ctx context.Context) {
		if err := dm.sendInDialog(ctx, d, RequestMethodOptions); err != nil {
			dm.log.LogAttrs(ctx, slog.LevelDebug, "recovery probe failed", slog.Any("dialog", d), slog.Any("error", err))
		}
	}
	if dm.recovery.synchronous() {
		probe(ctx)
		return
	}
	dm.tasks.Go("dialog-probe", taskutil.PriorityNormal, probe)
}

func (dm *DialogManager) onAck(ctx context.Context, ev TransactionEvent) {
	req := ev.Request
	if req == nil {
		return
	}
	d, err := dm.DialogByKey(tupleOf(req))
	if err != nil {
		dm.log.LogAttrs(ctx, slog.LevelDebug, "ack for unknown dialog", slog.Any("request", req))
		return
	}
	if seq, _, ok := req.Headers.CSeq(); ok {
		d.UpdateRemoteSeq(seq)
	}
	dm.log.LogAttrs(ctx, slog.LevelDebug, "ack received", slog.Any("dialog", d))
}

func (dm *DialogManager) register(d *Dialog) {
	dm.dialogs.Set(string(d.ID()), d)
	dm.byTuple.Set(d.Key().String(), d.ID())
	if d.State() == DialogStateConfirmed {
		dm.metrics.DialogsEstablished.Inc()
	}
	dm.metrics.DialogsLive.Inc()
}

// finishTermination moves the dialog to Terminated exactly once,
// updating counters and publishing the terminated event.
func (dm *DialogManager) finishTermination(ctx context.Context, d *Dialog, reason string) {
	dm.termMu.Lock()
	moved := d.Terminate()
	dm.termMu.Unlock()
	if !moved {
		return
	}

	dm.metrics.DialogsLive.Dec()
	dm.metrics.DialogsTerminated.Inc()
	dm.emit(DialogEvent{
		Kind:     DialogEventTerminated,
		DialogID: d.ID(),
		Key:      d.Key(),
		Reason:   reason,
	})
	dm.log.LogAttrs(ctx, slog.LevelInfo, "call terminated", slog.Any("dialog", d), slog.String("reason", reason))
}

// Close gracefully terminates every live dialog, each attempt bounded
// by the per-dialog timeout, with the whole phase bounded by the
// shutdown timeout. Dialogs still alive afterwards are force-cleared:
// a bounded shutdown wins over perfect protocol closure.
func (dm *DialogManager) Close(ctx context.Context) error {
	dm.mu.Lock()
	if dm.closing {
		dm.mu.Unlock()
		return nil
	}
	dm.closing = true
	dm.mu.Unlock()

	var errs []error

	var wg sync.WaitGroup
	for _, d := range dm.dialogs.Items() {
		if d.IsTerminated() {
			continue
		}
		wg.Add(1)
		go func(d *Dialog) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, dm.dlgTimeout)
			defer cancel()
			dm.closeDialog(dctx, d)
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(dm.sdTimeout):
		errs = append(errs, errorutil.NewWrapperError(taskutil.ErrShutdownTimeout, "graceful dialog close"))
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	// Force-clear whatever survived the graceful phase.
	for _, d := range dm.dialogs.Items() {
		if !d.IsTerminated() {
			dm.finishTermination(ctx, d, "shutdown")
		}
	}
	dm.dialogs.Clear()
	dm.byTuple.Clear()
	dm.byTx.Clear()
	dm.pending.Clear()
	dm.sessions.Clear()
	dm.bySession.Clear()
	dm.probes.Clear()
	dm.metrics.DialogsLive.Set(0)

	if err := dm.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// Termination events emitted during the graceful phase are still
	// delivered; only now does the stream end.
	dm.mu.Lock()
	dm.closed = true
	dm.mu.Unlock()
	close(dm.events)

	return errtrace.Wrap(errorutil.JoinPrefix("close dialog manager", errs...))
}

// closeDialog attempts one graceful BYE exchange and waits for the
// dialog to terminate or the context to expire.
func (dm *DialogManager) closeDialog(ctx context.Context, d *Dialog) {
	dm.termMu.Lock()
	switch d.State() {
	case DialogStateTerminated:
		dm.termMu.Unlock()
		return
	case DialogStateEarly:
		dm.termMu.Unlock()
		dm.finishTermination(ctx, d, "shutdown")
		return
	case DialogStateConfirmed:
		d.StartTerminating()
	}
	dm.termMu.Unlock()

	if err := dm.sendInDialog(ctx, d, RequestMethodBye); err != nil {
		dm.finishTermination(ctx, d, "shutdown")
		return
	}

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if d.IsTerminated() {
				return
			}
		}
	}
}

func (dm *DialogManager) guardOpen() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.closing {
		return errtrace.Wrap(ErrDialogManagerClosed)
	}
	return nil
}

func (dm *DialogManager) emit(ev DialogEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.closed {
		return
	}
	select {
	case dm.events <- ev:
	default:
		dm.log.LogAttrs(context.Background(), slog.LevelWarn, "dialog event dropped, queue full", slog.Any("event", ev))
	}
}
