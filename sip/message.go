package sip

import (
	"log/slog"
	"net/netip"
	"slices"

	"braces.dev/errtrace"
)

// Message is either a [*Request] or a [*Response].
type Message interface {
	slog.LogValuer

	MessageHeaders() *Headers
	Validate() error
}

// Request is a pre-parsed SIP request.
type Request struct {
	Method  RequestMethod
	URI     URI
	Headers Headers
	Body    []byte

	// Source is transport metadata: where the request arrived from.
	// Zero on locally built requests.
	Source netip.AddrPort
}

// MessageHeaders implements [Message].
func (r *Request) MessageHeaders() *Headers { return &r.Headers }

// Validate checks that the request carries everything the transaction
// layer keys on.
func (r *Request) Validate() error {
	switch {
	case r == nil:
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	case !r.Method.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("request without method"))
	default:
	}
	if _, ok := r.Headers.CallID(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("request without Call-ID"))
	}
	if _, _, ok := r.Headers.CSeq(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("request without CSeq"))
	}
	if _, ok := r.Headers.ViaBranch(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("request without Via branch"))
	}
	return nil
}

// IsValid reports whether the request passes [Request.Validate].
func (r *Request) IsValid() bool { return r.Validate() == nil }

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.URI = r.URI.Clone()
	out.Headers = r.Headers.Clone()
	out.Body = slices.Clone(r.Body)
	return &out
}

// NewResponse derives a response to the request: Via, From, To,
// Call-ID and CSeq are copied down per RFC 3261 section 8.2.6, and the
// response destination is set to the request source.
func (r *Request) NewResponse(sts ResponseStatus) (*Response, error) {
	if err := r.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !sts.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status: %d", int(sts)))
	}

	res := &Response{
		Status:      sts,
		Destination: r.Source,
	}
	for _, name := range []string{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq} {
		for _, val := range r.Headers.GetAll(name) {
			res.Headers.Add(name, val)
		}
	}
	return res, nil
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	callID, _ := r.Headers.CallID()
	branch, _ := r.Headers.ViaBranch()
	return slog.GroupValue(
		slog.Any("method", r.Method),
		slog.Any("uri", r.URI),
		slog.String("call_id", callID),
		slog.String("branch", branch),
	)
}

// Response is a pre-parsed SIP response.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Headers Headers
	Body    []byte

	// Source is transport metadata: where the response arrived from.
	Source netip.AddrPort
	// Destination is transport metadata: where to send the response.
	Destination netip.AddrPort
}

// MessageHeaders implements [Message].
func (r *Response) MessageHeaders() *Headers { return &r.Headers }

// Validate checks that the response carries everything the
// transaction layer keys on.
func (r *Response) Validate() error {
	switch {
	case r == nil:
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	case !r.Status.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("invalid status: %d", int(r.Status)))
	default:
	}
	if _, ok := r.Headers.CallID(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("response without Call-ID"))
	}
	if _, _, ok := r.Headers.CSeq(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("response without CSeq"))
	}
	if _, ok := r.Headers.ViaBranch(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("response without Via branch"))
	}
	return nil
}

// IsValid reports whether the response passes [Response.Validate].
func (r *Response) IsValid() bool { return r.Validate() == nil }

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	out.Body = slices.Clone(r.Body)
	return &out
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	callID, _ := r.Headers.CallID()
	branch, _ := r.Headers.ViaBranch()
	return slog.GroupValue(
		slog.Any("status", r.Status),
		slog.String("call_id", callID),
		slog.String("branch", branch),
	)
}
