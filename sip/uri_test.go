package sip_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcall/sip"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want sip.URI
	}{
		{"bare host", "example.com", sip.URI{Host: "example.com"}},
		{"sip scheme", "sip:example.com", sip.URI{Scheme: "sip", Host: "example.com"}},
		{"sips scheme", "sips:example.com", sip.URI{Scheme: "sips", Host: "example.com"}},
		{
			"user and port",
			"sip:bob@example.com:5080",
			sip.URI{Scheme: "sip", User: "bob", Host: "example.com", Port: 5080},
		},
		{
			"params",
			"sip:bob@example.com;transport=udp;lr",
			sip.URI{
				Scheme: "sip", User: "bob", Host: "example.com",
				Params: map[string]string{"transport": "udp", "lr": ""},
			},
		},
		{
			"ipv6 host with port",
			"sip:[2001:db8::1]:5060",
			sip.URI{Scheme: "sip", Host: "2001:db8::1", Port: 5060},
		},
		{
			"tel scheme",
			"tel:+15551234567",
			sip.URI{Scheme: "tel", Host: "+15551234567"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ParseURI(c.in)
			if err != nil {
				t.Fatalf("sip.ParseURI(%q) error = %v", c.in, err)
			}
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("sip.ParseURI(%q) mismatch (-got +want):\n%v", c.in, diff)
			}
		})
	}
}

func TestURI_String(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		uri  sip.URI
		want string
	}{
		{"zero", sip.URI{}, ""},
		{"host", sip.URI{Scheme: "sip", Host: "example.com"}, "sip:example.com"},
		{
			"full",
			sip.URI{Scheme: "sips", User: "bob", Host: "example.com", Port: 5061},
			"sips:bob@example.com:5061",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.uri.String(); got != c.want {
				t.Errorf("uri.String() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestURI_RoundTrip(t *testing.T) {
	t.Parallel()

	in := "sip:alice@10.0.0.1:5070"
	u, err := sip.ParseURI(in)
	if err != nil {
		t.Fatalf("sip.ParseURI(%q) error = %v", in, err)
	}
	if got := u.String(); got != in {
		t.Errorf("u.String() = %q, want %q", got, in)
	}

	clone := u.Clone()
	if !u.Equal(clone) {
		t.Errorf("u.Equal(u.Clone()) = false, want true")
	}
}
