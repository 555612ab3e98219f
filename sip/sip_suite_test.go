package sip_test

import (
	"os"
	"testing"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcall/internal/log"
)

func TestMain(m *testing.M) {
	// The suite runs on the noop logger; SIPCALL_TEST_LOG=1 restores
	// the default handler for debugging.
	if os.Getenv("SIPCALL_TEST_LOG") == "" {
		log.Def = log.Noop
	}
	goleak.VerifyTestMain(m)
}
