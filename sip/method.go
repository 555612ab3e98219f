package sip

import (
	"log/slog"

	"github.com/ghettovoice/sipcall/internal/util"
)

// RequestMethod represents a SIP request method.
type RequestMethod string

const (
	RequestMethodInvite   RequestMethod = "INVITE"
	RequestMethodAck      RequestMethod = "ACK"
	RequestMethodBye      RequestMethod = "BYE"
	RequestMethodCancel   RequestMethod = "CANCEL"
	RequestMethodOptions  RequestMethod = "OPTIONS"
	RequestMethodRegister RequestMethod = "REGISTER"
	RequestMethodUpdate   RequestMethod = "UPDATE"
	RequestMethodInfo     RequestMethod = "INFO"
	RequestMethodPrack    RequestMethod = "PRACK"
	RequestMethodRefer    RequestMethod = "REFER"
	RequestMethodNotify   RequestMethod = "NOTIFY"
	RequestMethodMessage  RequestMethod = "MESSAGE"
)

// Equal reports whether two methods are equal, case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return util.EqFold(string(m), string(other))
}

// IsValid reports whether the method is non-empty.
func (m RequestMethod) IsValid() bool { return m != "" }

func (m RequestMethod) String() string { return util.UCase(string(m)) }

// LogValue implements [slog.LogValuer].
func (m RequestMethod) LogValue() slog.Value { return slog.StringValue(m.String()) }
