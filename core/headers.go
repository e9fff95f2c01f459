package core

import (
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

type headerEntry struct {
	name  string
	value string
}

// Headers is an ordered multimap with case-insensitive names. Names keep the spelling of their
// first write.
type Headers struct {
	entries []headerEntry
}

func NewHeaders() *Headers {
	return &Headers{}
}

// HeadersFromHTTP copies h. Names are visited in lexical order so the result is deterministic.
func HeadersFromHTTP(h http.Header) *Headers {
	out := NewHeaders()
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			out.entries = append(out.entries, headerEntry{name: name, value: v})
		}
	}
	return out
}

func validateHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return &ValidationError{Field: "header name " + quote(name), Reason: "contains invalid characters"}
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return &ValidationError{Field: "header " + quote(name), Reason: "value contains invalid characters"}
	}
	return nil
}

func quote(s string) string {
	return "'" + s + "'"
}

// Get returns the first value of name.
func (h *Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return e.value
		}
	}
	return ""
}

func (h *Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return true
		}
	}
	return false
}

func (h *Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	var out []string
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			out = append(out, e.value)
		}
	}
	return out
}

// Set replaces every value of name with value. The header keeps the position of its first
// occurrence. An invalid name or value leaves the headers unchanged.
func (h *Headers) Set(name, value string) error {
	if err := validateHeader(name, value); err != nil {
		return err
	}
	replaced := false
	kept := h.entries[:0]
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			if replaced {
				continue
			}
			e.value = value
			replaced = true
		}
		kept = append(kept, e)
	}
	h.entries = kept
	if !replaced {
		h.entries = append(h.entries, headerEntry{name: name, value: value})
	}
	return nil
}

// Add appends value to name. An invalid name or value leaves the headers unchanged.
func (h *Headers) Add(name, value string) error {
	if err := validateHeader(name, value); err != nil {
		return err
	}
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			name = e.name
			break
		}
	}
	h.entries = append(h.entries, headerEntry{name: name, value: value})
	return nil
}

func (h *Headers) Del(name string) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.name, name) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Range visits every name/value pair in order until fn returns false.
func (h *Headers) Range(fn func(name, value string) bool) {
	if h == nil {
		return
	}
	for _, e := range h.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// Len returns the number of name/value pairs.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	if h == nil {
		return out
	}
	out.entries = make([]headerEntry, len(h.entries))
	copy(out.entries, h.entries)
	return out
}

// ToHTTP converts to an http.Header. Names are canonicalized.
func (h *Headers) ToHTTP() http.Header {
	out := make(http.Header, h.Len())
	h.Range(func(name, value string) bool {
		out.Add(name, value)
		return true
	})
	return out
}
