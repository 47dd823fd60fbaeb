// Package transform holds the fixed table of field transforms applied to every
// flow snapshot before it is archived.
package transform

import (
	"github.com/probe-lab/flowarchive/pkg/record"
)

// A Transform applies Func to the value at each of Paths.
type Transform struct {
	Name  string
	Paths []record.Path
	Func  Func
}

// Apply runs t against every path of v.
func (t Transform) Apply(v record.Value) {
	for _, p := range t.Paths {
		record.Apply(v, p, t.Func)
	}
}

var (
	headerPaths = []record.Path{
		{"request", "headers"},
		{"response", "headers"},
	}

	tlsExtensionPaths = []record.Path{
		{"client_conn", "tls_extensions"},
		{"server_conn", "tls_extensions"},
	}

	timestampPaths = []record.Path{
		{"timestamp_created"},

		{"error", "timestamp"},

		{"request", "timestamp_start"},
		{"request", "timestamp_end"},

		{"response", "timestamp_start"},
		{"response", "timestamp_end"},

		{"client_conn", "timestamp_start"},
		{"client_conn", "timestamp_end"},
		{"client_conn", "timestamp_tls_setup"},

		{"server_conn", "timestamp_start"},
		{"server_conn", "timestamp_end"},
		{"server_conn", "timestamp_tls_setup"},
		{"server_conn", "timestamp_tcp_setup"},
	}

	addressPaths = []record.Path{
		{"server_conn", "source_address"},
		{"server_conn", "ip_address"},
		{"server_conn", "address"},
		{"server_conn", "peername"},
		{"server_conn", "sockname"},
		{"client_conn", "address"},
		{"client_conn", "peername"},
		{"client_conn", "sockname"},
	}

	websocketMessagePaths = []record.Path{
		{"messages"},
		{"websocket", "messages"},
	}
)

// Options configures the registry.
type Options struct {
	// Binary classifies websocket message content. Defaults to a
	// PrintableDetector using DefaultBinaryThreshold.
	Binary BinaryDetector
}

// Registry is the ordered list of transforms. It is immutable once built.
type Registry struct {
	transforms []Transform
}

// NewRegistry builds the registry. Order matters: headers are turned into a
// map first so that later lookups can address them by name.
func NewRegistry(opts Options) *Registry {
	det := opts.Binary
	if det == nil {
		det = PrintableDetector{Threshold: DefaultBinaryThreshold}
	}
	return &Registry{
		transforms: []Transform{
			{Name: "headers", Paths: headerPaths, Func: HeadersToMap},
			{Name: "tls_extensions", Paths: tlsExtensionPaths, Func: TLSExtensions},
			{Name: "timestamp", Paths: timestampPaths, Func: Timestamp},
			{Name: "address", Paths: addressPaths, Func: Address},
			{Name: "websocket_messages", Paths: websocketMessagePaths, Func: WebsocketMessages(det)},
		},
	}
}

// Transforms returns a copy of the transforms in application order.
func (r *Registry) Transforms() []Transform {
	out := make([]Transform, len(r.transforms))
	copy(out, r.transforms)
	return out
}

// Apply runs every transform against v in order, modifying v in place.
func (r *Registry) Apply(v record.Value) {
	for _, t := range r.transforms {
		t.Apply(v)
	}
}
