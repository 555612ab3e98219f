package dns_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	miekg "github.com/miekg/dns"

	"github.com/ghettovoice/sipcall/dns"
)

// serveDNS runs a miekg/dns server on a loopback UDP socket and
// returns its address.
func serveDNS(t *testing.T, handler miekg.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v", err)
	}
	srv := &miekg.Server{PacketConn: pc, Handler: handler}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ActivateAndServe() //nolint:errcheck
	}()
	t.Cleanup(func() {
		srv.Shutdown() //nolint:errcheck
		<-done
	})
	return pc.LocalAddr().String()
}

func naptrRR(t *testing.T, name string, order, pref uint16, flags, service, replacement string) miekg.RR {
	t.Helper()
	rr := &miekg.NAPTR{
		Hdr:         miekg.RR_Header{Name: name, Rrtype: miekg.TypeNAPTR, Class: miekg.ClassINET, Ttl: 60},
		Order:       order,
		Preference:  pref,
		Flags:       flags,
		Service:     service,
		Replacement: replacement,
	}
	return rr
}

func TestResolver_LookupNAPTR(t *testing.T) {
	t.Parallel()

	addr := serveDNS(t, func(w miekg.ResponseWriter, req *miekg.Msg) {
		resp := new(miekg.Msg)
		resp.SetReply(req)
		name := req.Question[0].Name
		// Served out of order on purpose.
		resp.Answer = append(resp.Answer,
			naptrRR(t, name, 20, 10, "s", "SIP+D2T", "_sip._tcp.example.com."),
			naptrRR(t, name, 10, 20, "s", "SIP+D2U", "_sip._udp.example.com."),
			naptrRR(t, name, 10, 10, "s", "SIPS+D2T", "_sips._tcp.example.com."),
		)
		w.WriteMsg(resp) //nolint:errcheck
	})

	r := &dns.Resolver{NameServer: addr, Timeout: time.Second}
	recs, err := r.LookupNAPTR(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("r.LookupNAPTR() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}

	wantServices := []string{"SIPS+D2T", "SIP+D2U", "SIP+D2T"}
	for i, want := range wantServices {
		if recs[i].Service != want {
			t.Errorf("recs[%d].Service = %q, want %q: records must sort by order then preference", i, recs[i].Service, want)
		}
	}
	if recs[0].Replacement != "_sips._tcp.example.com." {
		t.Errorf("recs[0].Replacement = %q, want %q", recs[0].Replacement, "_sips._tcp.example.com.")
	}
}

func TestResolver_LookupNAPTR_NotFound(t *testing.T) {
	t.Parallel()

	addr := serveDNS(t, func(w miekg.ResponseWriter, req *miekg.Msg) {
		resp := new(miekg.Msg)
		resp.SetRcode(req, miekg.RcodeNameError)
		w.WriteMsg(resp) //nolint:errcheck
	})

	r := &dns.Resolver{NameServer: addr, Timeout: time.Second}
	_, err := r.LookupNAPTR(context.Background(), "missing.example.com")
	if err == nil {
		t.Fatalf("r.LookupNAPTR() error = nil, want not-found")
	}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Errorf("error = %v, want *net.DNSError with IsNotFound", err)
	}
}
