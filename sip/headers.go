package sip

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipcall/internal/util"
)

// Canonical header names used by the typed accessors.
const (
	HeaderCallID      = "Call-ID"
	HeaderFrom        = "From"
	HeaderTo          = "To"
	HeaderCSeq        = "CSeq"
	HeaderVia         = "Via"
	HeaderContact     = "Contact"
	HeaderRecordRoute = "Record-Route"
	HeaderRoute       = "Route"
	HeaderMaxForwards = "Max-Forwards"
	HeaderContentType = "Content-Type"
)

// Headers is an ordered multimap of pre-parsed SIP header values.
// Names are matched case-insensitively; values are kept verbatim.
type Headers struct {
	entries []headerEntry
}

type headerEntry struct {
	name string
	val  string
}

// Get returns the first value of the named header.
func (h *Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	for _, e := range h.entries {
		if util.EqFold(e.name, name) {
			return e.val, true
		}
	}
	return "", false
}

// GetAll returns all values of the named header in order.
func (h *Headers) GetAll(name string) []string {
	if h == nil {
		return nil
	}
	var out []string
	for _, e := range h.entries {
		if util.EqFold(e.name, name) {
			out = append(out, e.val)
		}
	}
	return out
}

// Set replaces all values of the named header with a single value.
func (h *Headers) Set(name, val string) {
	h.Del(name)
	h.Add(name, val)
}

// Add appends a value to the named header.
func (h *Headers) Add(name, val string) {
	h.entries = append(h.entries, headerEntry{name: name, val: val})
}

// Del removes all values of the named header.
func (h *Headers) Del(name string) {
	if h == nil {
		return
	}
	h.entries = slices.DeleteFunc(h.entries, func(e headerEntry) bool {
		return util.EqFold(e.name, name)
	})
}

// Has reports whether the named header is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	if h == nil || len(h.entries) == 0 {
		return Headers{}
	}
	return Headers{entries: slices.Clone(h.entries)}
}

// CallID returns the Call-ID header value.
func (h *Headers) CallID() (string, bool) {
	v, ok := h.Get(HeaderCallID)
	return util.TrimSP(v), ok
}

// From returns the raw From header value.
func (h *Headers) From() (string, bool) { return h.Get(HeaderFrom) }

// To returns the raw To header value.
func (h *Headers) To() (string, bool) { return h.Get(HeaderTo) }

// Contact returns the raw Contact header value.
func (h *Headers) Contact() (string, bool) { return h.Get(HeaderContact) }

// FromTag returns the tag parameter of the From header.
func (h *Headers) FromTag() (string, bool) {
	v, ok := h.From()
	if !ok {
		return "", false
	}
	return ExtractTag(v)
}

// ToTag returns the tag parameter of the To header.
func (h *Headers) ToTag() (string, bool) {
	v, ok := h.To()
	if !ok {
		return "", false
	}
	return ExtractTag(v)
}

// CSeq returns the sequence number and method of the CSeq header.
func (h *Headers) CSeq() (uint32, RequestMethod, bool) {
	v, ok := h.Get(HeaderCSeq)
	if !ok {
		return 0, "", false
	}
	numStr, mtdStr, found := strings.Cut(util.TrimSP(v), " ")
	if !found {
		return 0, "", false
	}
	num, err := strconv.ParseUint(util.TrimSP(numStr), 10, 32)
	if err != nil {
		return 0, "", false
	}
	mtd := RequestMethod(util.UCase(util.TrimSP(mtdStr)))
	if !mtd.IsValid() {
		return 0, "", false
	}
	return uint32(num), mtd, true
}

// SetCSeq sets the CSeq header from a sequence number and method.
func (h *Headers) SetCSeq(seq uint32, mtd RequestMethod) {
	h.Set(HeaderCSeq, strconv.FormatUint(uint64(seq), 10)+" "+mtd.String())
}

// ViaBranch returns the branch parameter of the topmost Via header.
func (h *Headers) ViaBranch() (string, bool) {
	via, ok := h.Get(HeaderVia)
	if !ok {
		return "", false
	}

	const marker = ";branch="
	i := strings.Index(util.LCase(via), marker)
	if i < 0 {
		return "", false
	}
	val := via[i+len(marker):]
	if end := strings.IndexAny(val, "; ,\t\r\n"); end >= 0 {
		val = val[:end]
	}
	if val == "" {
		return "", false
	}
	return val, true
}

// RecordRoutes returns all Record-Route values, topmost first.
func (h *Headers) RecordRoutes() []string { return h.GetAll(HeaderRecordRoute) }

// Routes returns all Route values, topmost first.
func (h *Headers) Routes() []string { return h.GetAll(HeaderRoute) }

// LogValue implements [slog.LogValuer].
func (h *Headers) LogValue() slog.Value {
	if h == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, len(h.entries))
	for _, e := range h.entries {
		attrs = append(attrs, slog.String(e.name, e.val))
	}
	return slog.GroupValue(attrs...)
}
