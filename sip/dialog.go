package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcall/internal/log"
)

// DialogID is a process-unique dialog identifier. It has no relation
// to SIP protocol fields: dialogs are addressable by DialogID before
// their tags exist and by [DialogKey] after.
type DialogID string

// NewDialogID returns a fresh dialog identifier.
func NewDialogID() DialogID { return DialogID(uuid.NewString()) }

// DialogState represents a SIP dialog state.
type DialogState string

const (
	DialogStateEarly       DialogState = "early"
	DialogStateConfirmed   DialogState = "confirmed"
	DialogStateTerminating DialogState = "terminating"
	DialogStateTerminated  DialogState = "terminated"
)

// LogValue implements [slog.LogValuer].
func (s DialogState) LogValue() slog.Value { return slog.StringValue(string(s)) }

// DialogKey is the protocol-visible dialog tuple of RFC 3261
// section 12: Call-ID plus local and remote tags.
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// IsComplete reports whether both tags are known.
func (k DialogKey) IsComplete() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

// Reversed returns the key as seen from the peer's side.
func (k DialogKey) Reversed() DialogKey {
	return DialogKey{CallID: k.CallID, LocalTag: k.RemoteTag, RemoteTag: k.LocalTag}
}

func (k DialogKey) String() string {
	return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (k DialogKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("local_tag", k.LocalTag),
		slog.String("remote_tag", k.RemoteTag),
	)
}

// DialogOptions contains options for a dialog.
type DialogOptions struct {
	// DisableTagSynthesis turns off the interoperability leniency
	// that fabricates a tag when a peer omits one. With synthesis
	// disabled, a missing mandatory tag fails dialog construction.
	DisableTagSynthesis bool
	// Log is the logger that will be used with the dialog.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *DialogOptions) synthesizeTags() bool {
	return o == nil || !o.DisableTagSynthesis
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// Dialog is one call leg per RFC 3261 section 12. Field mutation is
// serialized internally; the manager's per-key event path is the only
// writer in practice.
type Dialog struct {
	id  DialogID
	fsm *stateless.StateMachine
	log *slog.Logger

	mu           sync.Mutex
	callID       string
	localURI     URI
	remoteURI    URI
	localTag     string
	remoteTag    string
	localSeq     uint32
	remoteSeq    uint32
	remoteTarget URI
	routeSet     []URI
	peerAddr     netip.AddrPort
	initiator    bool
}

const (
	dlgEvtConfirm     = "confirm"
	dlgEvtTerminating = "terminating"
	dlgEvtTerminated  = "terminated"
)

func newDialog(state DialogState, opts *DialogOptions) *Dialog {
	d := &Dialog{
		id:  NewDialogID(),
		log: opts.log(),
	}
	d.fsm = stateless.NewStateMachineWithMode(state, stateless.FiringQueued)

	d.fsm.Configure(DialogStateEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminating, DialogStateTerminating).
		Permit(dlgEvtTerminated, DialogStateTerminated)

	d.fsm.Configure(DialogStateConfirmed).
		Ignore(dlgEvtConfirm).
		Permit(dlgEvtTerminating, DialogStateTerminating).
		Permit(dlgEvtTerminated, DialogStateTerminated)

	d.fsm.Configure(DialogStateTerminating).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtTerminating).
		Permit(dlgEvtTerminated, DialogStateTerminated)

	d.fsm.Configure(DialogStateTerminated).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtTerminating).
		Ignore(dlgEvtTerminated)

	return d
}

// NewConfirmedDialog builds a Confirmed dialog from a 2xx response to
// an INVITE. The initiator flag marks the side that sent the INVITE.
// Tags, the remote target and the route set are extracted from the
// request/response pair; a missing peer tag is synthesized unless
// [DialogOptions.DisableTagSynthesis] is set.
func NewConfirmedDialog(req *Request, res *Response, initiator bool, opts *DialogOptions) (*Dialog, error) {
	if err := eligibleForDialog(req, res); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !res.Status.IsSuccessful() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("status %q cannot confirm a dialog", res.Status))
	}

	d := newDialog(DialogStateConfirmed, opts)
	if err := d.fillFromPair(req, res, initiator, opts.synthesizeTags()); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return d, nil
}

// NewEarlyDialog builds an Early dialog from a provisional response
// carrying a To tag.
func NewEarlyDialog(req *Request, res *Response, initiator bool, opts *DialogOptions) (*Dialog, error) {
	if err := eligibleForDialog(req, res); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !res.Status.IsProvisional() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("status %q cannot open an early dialog", res.Status))
	}
	if _, ok := res.Headers.ToTag(); !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("provisional response without To tag"))
	}

	d := newDialog(DialogStateEarly, opts)
	if err := d.fillFromPair(req, res, initiator, opts.synthesizeTags()); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return d, nil
}

func eligibleForDialog(req *Request, res *Response) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method.Equal(RequestMethodInvite) {
		return errtrace.Wrap(NewInvalidArgumentError("method %q cannot create a dialog", req.Method))
	}
	return nil
}

func (d *Dialog) fillFromPair(req *Request, res *Response, initiator, synthTags bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.initiator = initiator
	d.callID, _ = res.Headers.CallID()

	fromTag, fromOK := res.Headers.FromTag()
	toTag, toOK := res.Headers.ToTag()
	if !fromOK {
		if !synthTags {
			return errtrace.Wrap(NewInvalidArgumentError("response without From tag"))
		}
		fromTag = synthesizeTag()
	}
	if !toOK {
		if !synthTags {
			return errtrace.Wrap(NewInvalidArgumentError("response without To tag"))
		}
		toTag = synthesizeTag()
	}

	fromURI, _ := extractHeaderURI(res.Headers.From())
	toURI, _ := extractHeaderURI(res.Headers.To())

	seq, _, _ := req.Headers.CSeq()
	if initiator {
		d.localTag, d.remoteTag = fromTag, toTag
		d.localURI, d.remoteURI = fromURI, toURI
		d.localSeq, d.remoteSeq = seq, 0
	} else {
		d.localTag, d.remoteTag = toTag, fromTag
		d.localURI, d.remoteURI = toURI, fromURI
		d.localSeq, d.remoteSeq = 0, seq
	}

	// The remote target is the peer's Contact: the response's for the
	// caller, the request's for the callee.
	contactSrc := &res.Headers
	if !initiator {
		contactSrc = &req.Headers
	}
	if contact, ok := contactSrc.Contact(); ok {
		if u, ok := ExtractURI(contact); ok {
			d.remoteTarget = u
		}
	}
	if d.remoteTarget.IsZero() {
		// Best effort fallback keeps the dialog routable even when a
		// non-conformant peer omits Contact.
		d.remoteTarget = d.remoteURI
	}

	d.routeSet = routeSetFromRecordRoutes(res.Headers.RecordRoutes(), initiator)

	// The peer's network address, when known, is the preferred
	// destination for in-dialog requests.
	if initiator {
		d.peerAddr = res.Source
	} else {
		d.peerAddr = req.Source
	}
	return nil
}

// routeSetFromRecordRoutes derives the route set: the caller reverses
// the Record-Route chain, the callee keeps its order.
func routeSetFromRecordRoutes(rr []string, initiator bool) []URI {
	if len(rr) == 0 {
		return nil
	}
	set := make([]URI, 0, len(rr))
	for _, raw := range rr {
		if u, ok := ExtractURI(raw); ok {
			set = append(set, u)
		}
	}
	if initiator {
		slices.Reverse(set)
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func extractHeaderURI(raw string, ok bool) (URI, bool) {
	if !ok {
		return URI{}, false
	}
	return ExtractURI(raw)
}

// ID returns the process-unique dialog identifier.
func (d *Dialog) ID() DialogID { return d.id }

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	return d.fsm.MustState().(DialogState) //nolint:forcetypeassert
}

// Key returns the protocol-visible dialog tuple.
func (d *Dialog) Key() DialogKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

// Initiator reports whether this side sent the original INVITE.
func (d *Dialog) Initiator() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initiator
}

// CallID returns the dialog's Call-ID.
func (d *Dialog) CallID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callID
}

// LocalSeq returns the dialog's local sequence number.
func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// RemoteSeq returns the last sequence number observed from the peer.
func (d *Dialog) RemoteSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSeq
}

// UpdateRemoteSeq records the peer's sequence number from an
// in-dialog request. It never moves backwards.
func (d *Dialog) UpdateRemoteSeq(seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.remoteSeq {
		d.remoteSeq = seq
	}
}

// RemoteTarget returns the URI in-dialog requests are sent to.
func (d *Dialog) RemoteTarget() URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget.Clone()
}

// PeerAddr returns the network address the peer was last seen at.
// It may be the zero value when the transport did not report one.
func (d *Dialog) PeerAddr() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerAddr
}

// RouteSet returns the dialog's ordered route set.
func (d *Dialog) RouteSet() []URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.routeSet)
}

// ConfirmFrom promotes an Early dialog to Confirmed on the matching
// 2xx, re-reading Contact and the To tag in case they changed between
// the provisional and the final response. It reports whether the
// dialog was promoted.
func (d *Dialog) ConfirmFrom(res *Response) bool {
	if d.State() != DialogStateEarly || res == nil || !res.Status.IsSuccessful() {
		return false
	}

	d.mu.Lock()
	if toTag, ok := res.Headers.ToTag(); ok && d.initiator {
		d.remoteTag = toTag
	}
	if contact, ok := res.Headers.Contact(); ok && d.initiator {
		if u, ok := ExtractURI(contact); ok {
			d.remoteTarget = u
		}
	}
	d.mu.Unlock()

	if err := d.fsm.Fire(dlgEvtConfirm); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", dlgEvtConfirm, d.State(), err))
	}

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog confirmed", slog.Any("dialog", d))
	return true
}

// NewRequest builds the next in-dialog request for the method. The
// local sequence number increments by one for every method except
// ACK, which reuses the INVITE's number.
func (d *Dialog) NewRequest(mtd RequestMethod) (*Request, error) {
	if !mtd.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid method"))
	}
	if d.State() == DialogStateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.localSeq
	if !mtd.Equal(RequestMethodAck) {
		d.localSeq++
		seq = d.localSeq
	}

	req := &Request{
		Method: mtd,
		URI:    d.remoteTarget.Clone(),
	}
	req.Headers.Set(HeaderVia, "SIP/2.0/UDP "+d.localURI.Host+";branch="+GenerateBranch())
	req.Headers.Set(HeaderMaxForwards, "70")
	req.Headers.Set(HeaderCallID, d.callID)
	req.Headers.Set(HeaderFrom, nameAddr(d.localURI, d.localTag))
	req.Headers.Set(HeaderTo, nameAddr(d.remoteURI, d.remoteTag))
	req.Headers.SetCSeq(seq, mtd)
	req.Headers.Set(HeaderContact, "<"+d.localURI.String()+">")
	for _, route := range d.routeSet {
		req.Headers.Add(HeaderRoute, "<"+route.String()+">")
	}
	return req, nil
}

func nameAddr(u URI, tag string) string {
	s := "<" + u.String() + ">"
	if tag != "" {
		s += ";tag=" + tag
	}
	return s
}

// StartTerminating marks the dialog as waiting for its BYE exchange
// to finish.
func (d *Dialog) StartTerminating() {
	if err := d.fsm.Fire(dlgEvtTerminating); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", dlgEvtTerminating, d.State(), err))
	}
}

// Terminate moves the dialog to its terminal state. It reports
// whether this call performed the transition, so callers keeping
// counters see exactly one true per dialog. Safe to call more than
// once.
func (d *Dialog) Terminate() bool {
	if d.State() == DialogStateTerminated {
		return false
	}
	if err := d.fsm.Fire(dlgEvtTerminated); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", dlgEvtTerminated, d.State(), err))
	}
	return true
}

// IsTerminated reports whether the dialog reached its terminal state.
func (d *Dialog) IsTerminated() bool { return d.State() == DialogStateTerminated }

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", string(d.id)),
		slog.Any("key", d.Key()),
		slog.Any("state", d.State()),
	)
}
