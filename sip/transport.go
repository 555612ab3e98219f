package sip

import (
	"context"
	"net/netip"

	"braces.dev/errtrace"
)

// Transport delivers encoded messages to remote peers. Implementations
// exist per protocol (UDP, TCP, TLS); the core only relies on this
// capability set and on at-least-once delivery for unreliable kinds.
type Transport interface {
	// Send transmits one encoded message to dst.
	Send(ctx context.Context, data []byte, dst netip.AddrPort) error
	// Reliable reports whether the transport guarantees delivery.
	// Retransmission timers are disabled on reliable transports.
	Reliable() bool
	// Proto returns the transport protocol name, e.g. "udp".
	Proto() string
}

// Datagram is one inbound unit received by a transport.
type Datagram struct {
	Data   []byte
	Source netip.AddrPort
}

// MessageCodec converts between parsed messages and wire bytes.
// Message syntax lives outside this package; codecs plug it in.
type MessageCodec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// MessageTransport sends parsed messages. The transaction layer
// depends on this interface only; tests substitute loopback stubs.
type MessageTransport interface {
	SendRequest(ctx context.Context, req *Request, dst netip.AddrPort) error
	// SendResponse transmits the response to its Destination.
	SendResponse(ctx context.Context, res *Response) error
	Reliable() bool
}

// NewMessageTransport binds a codec to a byte-level transport,
// producing the message-level sender used by transactions.
func NewMessageTransport(tp Transport, codec MessageCodec) MessageTransport {
	return &codecTransport{tp: tp, codec: codec}
}

type codecTransport struct {
	tp    Transport
	codec MessageCodec
}

func (t *codecTransport) SendRequest(ctx context.Context, req *Request, dst netip.AddrPort) error {
	if !dst.IsValid() {
		return errtrace.Wrap(ErrNoTarget)
	}
	data, err := t.codec.Encode(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(t.tp.Send(ctx, data, dst))
}

func (t *codecTransport) SendResponse(ctx context.Context, res *Response) error {
	if !res.Destination.IsValid() {
		return errtrace.Wrap(ErrNoTarget)
	}
	data, err := t.codec.Encode(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(t.tp.Send(ctx, data, res.Destination))
}

func (t *codecTransport) Reliable() bool { return t.tp.Reliable() }
