package filter

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/probe-lab/flowarchive/pkg/record"
)

// A RecordFilter reports whether a flow should be archived
type RecordFilter func(record.Value) bool

// A NullFilter allows every flow to pass
func NullFilter(record.Value) bool {
	return true
}

// ExcludeEndpoint drops flows whose request was sent to the host and port of
// u, which stops the archiver's own posts from being archived when they pass
// through the proxy. Host names are compared ignoring case. A URL without a
// port uses the default port of its scheme.
func ExcludeEndpoint(u *url.URL) RecordFilter {
	if u == nil || u.Hostname() == "" {
		return NullFilter
	}
	host := strings.ToLower(u.Hostname())
	port, ok := endpointPort(u)
	if !ok {
		return NullFilter
	}
	return func(v record.Value) bool {
		hv, ok := record.Lookup(v, record.Path{"request", "host"})
		if !ok {
			return true
		}
		h, ok := hv.Text()
		if !ok || strings.ToLower(strings.Trim(h, "[]")) != host {
			return true
		}
		pv, ok := record.Lookup(v, record.Path{"request", "port"})
		if !ok {
			return true
		}
		p, ok := pv.AsInt()
		return !ok || p != port
	}
}

func endpointPort(u *url.URL) (int64, bool) {
	if p := u.Port(); p != "" {
		n, err := strconv.ParseInt(p, 10, 64)
		return n, err == nil
	}
	switch u.Scheme {
	case "http":
		return 80, true
	case "https":
		return 443, true
	}
	return 0, false
}

// All allows a flow to pass only when every filter allows it
func All(filters ...RecordFilter) RecordFilter {
	return func(v record.Value) bool {
		for _, f := range filters {
			if !f(v) {
				return false
			}
		}
		return true
	}
}
