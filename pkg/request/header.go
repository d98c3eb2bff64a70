package request

import (
	"net/http"
	"sort"
	"strings"
)

// HeaderField is one name/value pair of a Header.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header is an ordered multimap of header fields. Duplicate names are kept in order
// and lookups ignore case.
type Header []HeaderField

// FromHTTP converts h into a Header. net/http does not keep wire order, so fields
// are ordered by name and each name keeps the order of its values.
func FromHTTP(h http.Header) Header {
	names := make([]string, 0, len(h))
	total := 0
	for name, values := range h {
		names = append(names, name)
		total += len(values)
	}
	sort.Strings(names)

	out := make(Header, 0, total)
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, HeaderField{Name: name, Value: value})
		}
	}
	return out
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// HTTP returns a fresh http.Header holding every field of h.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}
