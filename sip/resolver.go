package sip

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/dns"
	"github.com/ghettovoice/sipcall/internal/log"
	"github.com/ghettovoice/sipcall/internal/util"
)

// DefaultSIPPort is the well-known SIP port used when the target URI
// carries none.
const DefaultSIPPort = 5060

// DestinationResolver selects the network destination for a request
// target per RFC 3263: a numeric host goes out directly, otherwise
// NAPTR narrows the service, SRV picks host and port, and an address
// lookup finishes the chain.
type DestinationResolver struct {
	// Resolver performs the DNS queries.
	// If nil, [dns.DefaultResolver] is used.
	Resolver *dns.Resolver
	// Proto is the transport protocol to resolve for.
	// If empty, "udp" is used.
	Proto string
	// Log is the logger that will be used with the resolver.
	// If nil, [log.Def] is used.
	Log *slog.Logger
}

func (r *DestinationResolver) resolver() *dns.Resolver {
	if r == nil || r.Resolver == nil {
		return dns.DefaultResolver()
	}
	return r.Resolver
}

func (r *DestinationResolver) proto() string {
	if r == nil || r.Proto == "" {
		return "udp"
	}
	return util.LCase(r.Proto)
}

func (r *DestinationResolver) log() *slog.Logger {
	if r == nil || r.Log == nil {
		return log.Def
	}
	return r.Log
}

// Resolve returns the destination address for the target URI.
func (r *DestinationResolver) Resolve(ctx context.Context, target URI) (netip.AddrPort, error) {
	if !target.IsValid() {
		return netip.AddrPort{}, errtrace.Wrap(NewInvalidArgumentError("invalid target uri"))
	}

	port := target.Port
	if port == 0 {
		port = DefaultSIPPort
	}

	if addr, err := netip.ParseAddr(target.Host); err == nil {
		return netip.AddrPortFrom(addr, port), nil
	}

	if host, srvPort, ok := r.resolveSRV(ctx, target.Host); ok {
		if addr, err := r.resolveAddr(ctx, host); err == nil {
			return netip.AddrPortFrom(addr, srvPort), nil
		}
	}

	addr, err := r.resolveAddr(ctx, target.Host)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// resolveSRV walks NAPTR to an SRV name, or falls back to the
// conventional _sip._<proto> prefix, and returns the best SRV target.
func (r *DestinationResolver) resolveSRV(ctx context.Context, host string) (string, uint16, bool) {
	srvName := "_sip._" + r.proto() + "." + host

	if recs, err := r.resolver().LookupNAPTR(ctx, host); err == nil {
		service := naptrService(r.proto())
		for _, rec := range recs {
			if rec.Flags == "s" && util.EqFold(rec.Service, service) {
				srvName = rec.Replacement
				break
			}
		}
	} else {
		r.log().LogAttrs(ctx, slog.LevelDebug,
			"naptr lookup failed",
			slog.String("host", host),
			slog.Any("error", err),
		)
	}

	srvs, err := r.resolver().LookupSRV(ctx, "", "", srvName)
	if err != nil || len(srvs) == 0 {
		return "", 0, false
	}
	return srvs[0].Target, srvs[0].Port, true
}

func (r *DestinationResolver) resolveAddr(ctx context.Context, host string) (netip.Addr, error) {
	ips, err := r.resolver().LookupIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, errtrace.Wrap(err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, errtrace.Wrap(ErrNoTarget)
	}
	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.Addr{}, errtrace.Wrap(ErrNoTarget)
	}
	return addr.Unmap(), nil
}

func naptrService(proto string) string {
	switch proto {
	case "tcp":
		return "SIP+D2T"
	case "tls":
		return "SIPS+D2T"
	case "sctp":
		return "SIP+D2S"
	default:
		return "SIP+D2U"
	}
}
