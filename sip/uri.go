package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/util"
)

// URI is a pre-parsed SIP, SIPS or TEL URI. Only the parts the
// transaction and dialog layers need are modeled; URI parameters the
// core does not interpret travel in Params untouched.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   uint16
	Params map[string]string
}

// IsValid reports whether the URI has at least a scheme and a host.
func (u URI) IsValid() bool { return u.Scheme != "" && u.Host != "" }

// IsZero reports whether the URI is empty.
func (u URI) IsZero() bool {
	return u.Scheme == "" && u.User == "" && u.Host == "" && u.Port == 0 && len(u.Params) == 0
}

// Equal reports whether two URIs address the same resource.
func (u URI) Equal(other URI) bool {
	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		util.EqFold(u.Host, other.Host) &&
		u.Port == other.Port
}

// Clone returns a deep copy of the URI.
func (u URI) Clone() URI {
	out := u
	if u.Params != nil {
		out.Params = make(map[string]string, len(u.Params))
		for k, v := range u.Params {
			out.Params[k] = v
		}
	}
	return out
}

func (u URI) String() string {
	if u.IsZero() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(u.Port)))
	}
	for k, v := range u.Params {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (u URI) LogValue() slog.Value { return slog.StringValue(u.String()) }

// ParseURI parses a textual SIP/SIPS/TEL URI. It is deliberately
// lenient: unknown trailing parts are kept as parameters, and a bare
// "host" or "host:port" string parses with an empty scheme so callers
// can fall back to best-effort host extraction.
func ParseURI(s string) (URI, error) {
	s = util.TrimSP(s)
	if s == "" {
		return URI{}, errtrace.Wrap(NewInvalidArgumentError("empty uri"))
	}

	var u URI
	rest := s
	if i := strings.Index(rest, ":"); i > 0 {
		switch scheme := util.LCase(rest[:i]); scheme {
		case "sip", "sips", "tel":
			u.Scheme = scheme
			rest = rest[i+1:]
		}
	}

	// Detach URI parameters before splitting host and port.
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		for part := range strings.SplitSeq(rest[i+1:], ";") {
			if part == "" {
				continue
			}
			if u.Params == nil {
				u.Params = make(map[string]string)
			}
			if k, v, ok := strings.Cut(part, "="); ok {
				u.Params[util.LCase(k)] = v
			} else {
				u.Params[util.LCase(part)] = ""
			}
		}
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, '@'); i >= 0 {
		u.User = rest[:i]
		rest = rest[i+1:]
	}

	// A colon after the last ']' separates the port, which keeps
	// bracketed IPv6 hosts intact.
	host := rest
	if i := strings.LastIndexByte(rest, ':'); i > strings.LastIndexByte(rest, ']') {
		if port, err := strconv.ParseUint(rest[i+1:], 10, 16); err == nil {
			host = rest[:i]
			u.Port = uint16(port)
		}
	}
	u.Host = strings.Trim(host, "[]")

	if u.Host == "" {
		return URI{}, errtrace.Wrap(NewInvalidArgumentError("uri without host: %q", s))
	}
	return u, nil
}
