package util_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/sipcall/internal/util"
)

func TestRandString(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 100 {
		s := util.RandString(16)
		if len(s) != 16 {
			t.Fatalf("len(RandString(16)) = %d, want 16", len(s))
		}
		if _, dup := seen[s]; dup {
			t.Fatalf("RandString produced duplicate %q", s)
		}
		seen[s] = struct{}{}
	}

	lc := util.RandStringLC(32)
	if lc != strings.ToLower(lc) {
		t.Errorf("RandStringLC(32) = %q, want lowercase only", lc)
	}
}

func TestStringHelpers(t *testing.T) {
	t.Parallel()

	type method string

	if got := util.UCase(method("invite")); got != "INVITE" {
		t.Errorf("UCase = %q, want %q", got, "INVITE")
	}
	if got := util.LCase(method("INVITE")); got != "invite" {
		t.Errorf("LCase = %q, want %q", got, "invite")
	}
	if got := util.TrimSP("  x  "); got != "x" {
		t.Errorf("TrimSP = %q, want %q", got, "x")
	}
	if !util.EqFold(method("Invite"), "INVITE") {
		t.Errorf("EqFold(Invite, INVITE) = false, want true")
	}
	if util.EqFold("a", "b") {
		t.Errorf("EqFold(a, b) = true, want false")
	}
}
