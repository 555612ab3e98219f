package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/log"
)

// UDPTransportOptions contains options for a UDP transport.
type UDPTransportOptions struct {
	// ReadBufferSize bounds one inbound datagram.
	// If zero, 65535 is used.
	ReadBufferSize int
	// QueueSize is the inbound datagram channel capacity.
	// If zero, 128 is used.
	QueueSize int
	// Log is the logger that will be used with the transport.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (o *UDPTransportOptions) readBufSize() int {
	if o == nil || o.ReadBufferSize <= 0 {
		return 65535
	}
	return o.ReadBufferSize
}

func (o *UDPTransportOptions) queueSize() int {
	if o == nil || o.QueueSize <= 0 {
		return 128
	}
	return o.QueueSize
}

func (o *UDPTransportOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// UDPTransport is a datagram [Transport] over a single UDP socket.
// Inbound datagrams are delivered on the [UDPTransport.Datagrams]
// channel until the transport is closed.
type UDPTransport struct {
	conn *net.UDPConn
	recv chan Datagram
	log  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ListenUDP opens a UDP socket on laddr and starts the receive loop.
func ListenUDP(laddr string, opts *UDPTransportOptions) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tp := &UDPTransport{
		conn: conn,
		recv: make(chan Datagram, opts.queueSize()),
		log:  opts.log(),
		done: make(chan struct{}),
	}
	go tp.serve(opts.readBufSize())
	return tp, nil
}

func (tp *UDPTransport) serve(bufSize int) {
	defer close(tp.recv)

	for {
		buf := make([]byte, bufSize)
		n, addr, err := tp.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-tp.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					tp.log.LogAttrs(context.Background(), slog.LevelWarn,
						"udp read failed",
						slog.Any("conn", tp.conn),
						slog.Any("error", err),
					)
				}
			}
			return
		}

		dg := Datagram{Data: buf[:n], Source: addr}
		select {
		case tp.recv <- dg:
		case <-tp.done:
			return
		default:
			// Queue is full, drop. Retransmission recovers lost
			// datagrams on this transport kind.
			tp.log.LogAttrs(context.Background(), slog.LevelWarn,
				"inbound queue full, datagram dropped",
				slog.Any("source", addr),
			)
		}
	}
}

// Datagrams returns the inbound datagram channel.
// The channel is closed when the transport closes.
func (tp *UDPTransport) Datagrams() <-chan Datagram { return tp.recv }

// Send implements [Transport].
func (tp *UDPTransport) Send(ctx context.Context, data []byte, dst netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}
	select {
	case <-tp.done:
		return errtrace.Wrap(ErrTransportClosed)
	default:
	}

	if _, err := tp.conn.WriteToUDPAddrPort(data, dst); err != nil {
		return errtrace.Wrap(NewTransportError(err))
	}
	return nil
}

// Reliable implements [Transport]. UDP is not reliable.
func (tp *UDPTransport) Reliable() bool { return false }

// Proto implements [Transport].
func (tp *UDPTransport) Proto() string { return "udp" }

// LocalAddr returns the bound socket address.
func (tp *UDPTransport) LocalAddr() netip.AddrPort {
	return tp.conn.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
}

// Close shuts the socket down and stops the receive loop.
func (tp *UDPTransport) Close() error {
	var err error
	tp.closeOnce.Do(func() {
		close(tp.done)
		err = tp.conn.Close()
	})
	return errtrace.Wrap(err)
}
