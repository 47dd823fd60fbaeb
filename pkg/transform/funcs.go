package transform

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	"github.com/probe-lab/flowarchive/pkg/record"
)

// A Func normalizes one field value. It must return its input unchanged when
// the value does not have the expected shape.
type Func func(record.Value) record.Value

// HeadersToMap converts a sequence of [name, value] pairs into a map. When a
// name repeats, the last value wins.
func HeadersToMap(v record.Value) record.Value {
	pairs, ok := v.AsList()
	if !ok {
		return v
	}
	m := record.NewMap()
	for _, p := range pairs {
		kv, ok := p.AsList()
		if !ok || len(kv) < 2 {
			continue
		}
		if _, ok := kv[0].Text(); !ok {
			continue
		}
		m.Set(kv[0], kv[1])
	}
	return record.FromMap(m)
}

// TLSExtensions converts a sequence of (id, value) pairs into a list of
// single-key maps {"<id>": "<value>"}.
func TLSExtensions(v record.Value) record.Value {
	exts, ok := v.AsList()
	if !ok {
		return v
	}
	out := make([]record.Value, 0, len(exts))
	for _, e := range exts {
		kv, ok := e.AsList()
		if !ok || len(kv) < 2 {
			out = append(out, e)
			continue
		}
		m := record.NewMap()
		m.SetString(textOf(kv[0]), record.String(textOf(kv[1])))
		out = append(out, record.FromMap(m))
	}
	return record.List(out...)
}

// Timestamp converts seconds since the epoch into integer milliseconds,
// rounding down. Values that do not fit in an int64 are left unchanged.
func Timestamp(v record.Value) record.Value {
	t, ok := v.AsNumber()
	if !ok {
		return v
	}
	ms := math.Floor(t * 1000)
	if math.IsNaN(ms) || ms < math.MinInt64 || ms >= math.MaxInt64 {
		return v
	}
	return record.Int(int64(ms))
}

const ipv4MappedPrefix = "::ffff:"

// Address converts a (host, port) pair into {"host": ..., "port": ...}. The
// IPv4-mapped IPv6 prefix is removed from the host.
func Address(v record.Value) record.Value {
	pair, ok := v.AsList()
	if !ok || len(pair) < 2 {
		return v
	}
	host, ok := pair[0].Text()
	if !ok {
		return v
	}
	m := record.NewMap()
	m.SetString("host", record.String(strings.TrimPrefix(host, ipv4MappedPrefix)))
	m.SetString("port", pair[1])
	return record.FromMap(m)
}

// WebsocketMessages returns a Func converting (type, from_client, content,
// timestamp) tuples into maps. Byte content that det classifies as binary is
// base64 encoded; other content is left for later text coercion.
func WebsocketMessages(det BinaryDetector) Func {
	return func(v record.Value) record.Value {
		msgs, ok := v.AsList()
		if !ok {
			return v
		}
		out := make([]record.Value, 0, len(msgs))
		for _, msg := range msgs {
			fields, ok := msg.AsList()
			if !ok || len(fields) < 4 {
				out = append(out, msg)
				continue
			}
			content := fields[2]
			if raw, ok := content.AsBytes(); ok && det != nil && det.IsBinary(raw) {
				content = record.String(base64.StdEncoding.EncodeToString(raw))
			}
			m := record.NewMap()
			m.SetString("type", fields[0])
			m.SetString("from_client", fields[1])
			m.SetString("content", content)
			m.SetString("timestamp", Timestamp(fields[3]))
			out = append(out, record.FromMap(m))
		}
		return record.List(out...)
	}
}

func textOf(v record.Value) string {
	if s, ok := v.Text(); ok {
		return s
	}
	if i, ok := v.AsInt(); ok {
		return strconv.FormatInt(i, 10)
	}
	if f, ok := v.AsNumber(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v.String()
}
