// Package dns extends net.Resolver with record types needed for
// RFC 3263 server location, most notably NAPTR.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

const defQueryTimeout = 5 * time.Second

// Resolver performs DNS lookups. The zero value uses the system
// resolver configuration.
type Resolver struct {
	net.Resolver

	// NameServer overrides the server used for raw queries,
	// as "host" or "host:port". Empty means resolv.conf.
	NameServer string
	// Timeout bounds each raw query. Zero means 5 seconds.
	Timeout time.Duration
}

// LookupIP resolves host to IP addresses, normalizing IPv4-mapped
// addresses to their 4-byte form.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

type SRV = net.SRV

// LookupSRV resolves the SRV records for service/proto on host.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR is a Naming Authority Pointer record (RFC 3403).
// SIP server location (RFC 3263) uses it to pick a transport:
// service "SIP+D2U" names UDP, "SIP+D2T" TCP, "SIPS+D2T" TLS.
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags is "s" for an SRV replacement, "a" for a host, "u" for
	// a terminal URI rewrite.
	Flags   string
	Service string
	Regexp  string
	// Replacement is the domain to query next, typically an SRV name
	// when Flags is "s".
	Replacement string
}

// LookupNAPTR queries NAPTR records for host and returns them sorted
// by ascending Order, then ascending Preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	req.RecursionDesired = true

	resp, err := r.exchange(ctx, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		rr, ok := ans.(*dns.NAPTR)
		if !ok {
			continue
		}
		recs = append(recs, &NAPTR{
			Order:       rr.Order,
			Preference:  rr.Preference,
			Flags:       rr.Flags,
			Service:     rr.Service,
			Regexp:      rr.Regexp,
			Replacement: rr.Replacement,
		})
	}

	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	return recs, nil
}

func (r *Resolver) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	server, err := r.server()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defQueryTimeout
	}

	client := &dns.Client{Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, req, server)
	return resp, errtrace.Wrap(err)
}

func (r *Resolver) server() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the shared zero-configured resolver.
func DefaultResolver() *Resolver { return defResolver }

func LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return errtrace.Wrap2(defResolver.LookupIP(ctx, "ip", host))
}

func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(defResolver.LookupSRV(ctx, service, proto, host))
}

func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(defResolver.LookupNAPTR(ctx, host))
}
