package sip

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipcall/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix that marks a transaction
// identifier as globally unique.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new RFC 3261 branch parameter value.
func GenerateBranch() string {
	return MagicCookie + "." + util.RandStringLC(16)
}

// GenerateTag returns a new From/To tag value.
func GenerateTag() string {
	return util.RandStringLC(10)
}

// synthesizeTag returns a marker tag used in place of a missing tag
// when lenient extraction is enabled.
func synthesizeTag() string {
	return "autogen-" + uuid.NewString()
}

// ExtractTag pulls the tag parameter out of a raw From/To header
// value. It tolerates arbitrary surrounding content, scanning for the
// first ";tag=" and ending the value at the next separator, so
// non-conformant peers with unusual parameter ordering still match.
func ExtractTag(header string) (string, bool) {
	const marker = ";tag="

	i := strings.Index(header, marker)
	if i < 0 {
		return "", false
	}

	val := header[i+len(marker):]
	end := len(val)
	for j := range len(val) {
		switch c := val[j]; {
		case c == ';' || c == ',' || c == '>':
			end = j
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			end = j
		default:
			continue
		}
		break
	}

	tag := util.TrimSP(val[:end])
	if tag == "" {
		return "", false
	}
	return tag, true
}

// ExtractURI pulls a URI out of a raw From/To/Contact/Record-Route
// header value. Angle-bracket delimited URIs win; otherwise the first
// bare sip:, sips: or tel: URI is taken, ending at whitespace or a
// parameter separator. Extraction is best effort and never rejects a
// header for malformed decorations around the URI.
func ExtractURI(header string) (URI, bool) {
	header = util.TrimSP(header)
	if header == "" {
		return URI{}, false
	}

	if open := strings.IndexByte(header, '<'); open >= 0 {
		if close := strings.IndexByte(header[open:], '>'); close > 0 {
			if u, err := ParseURI(header[open+1 : open+close]); err == nil {
				return u, true
			}
		}
	}

	for _, scheme := range []string{"sips:", "sip:", "tel:"} {
		i := strings.Index(util.LCase(header), scheme)
		if i < 0 {
			continue
		}
		val := header[i:]
		if end := strings.IndexAny(val, " \t\r\n,"); end > 0 {
			val = val[:end]
		}
		if u, err := ParseURI(val); err == nil {
			return u, true
		}
	}

	return URI{}, false
}
