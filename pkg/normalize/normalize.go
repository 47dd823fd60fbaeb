// Package normalize turns a captured flow snapshot into a document that can be
// serialized to JSON and indexed.
package normalize

import (
	"encoding/base64"
	"strings"

	"github.com/probe-lab/flowarchive/pkg/record"
	"github.com/probe-lab/flowarchive/pkg/transform"
)

// BinaryRemoved replaces binary bodies when binary retention is disabled.
const BinaryRemoved = "Binary content removed"

const (
	headerContentType     = "content-type"
	headerContentEncoding = "content-encoding"
)

// messages are the parts of a flow that carry headers and a body.
var messages = []string{"request", "response"}

type Options struct {
	// Registry is applied to every record. Defaults to a registry built with
	// zero transform.Options.
	Registry *transform.Registry

	// EncodeBinary keeps binary bodies as base64 text instead of removing them.
	EncodeBinary bool

	// OnDecodeError is called when a body cannot be decoded with its declared
	// content-encoding. The body is kept in its encoded form.
	OnDecodeError func(message string, encoding string, err error)
}

type Normalizer struct {
	registry      *transform.Registry
	encodeBinary  bool
	onDecodeError func(string, string, error)
}

func New(opts Options) *Normalizer {
	reg := opts.Registry
	if reg == nil {
		reg = transform.NewRegistry(transform.Options{})
	}
	return &Normalizer{
		registry:      reg,
		encodeBinary:  opts.EncodeBinary,
		onDecodeError: opts.OnDecodeError,
	}
}

// contentMeta is what the raw header sequence of one message says about its body.
type contentMeta struct {
	contentType     string
	contentEncoding string
}

// Normalize converts v into a document holding only text, numbers, booleans,
// maps and lists. v is modified in place; the returned value may share storage
// with it.
func (n *Normalizer) Normalize(v record.Value) record.Value {
	// The header scan must see the raw sequence, before the registry turns it
	// into a map.
	meta := make(map[string]contentMeta, len(messages))
	for _, msg := range messages {
		meta[msg] = scanHeaders(v, msg)
	}

	n.registry.Apply(v)

	for _, msg := range messages {
		n.processBody(v, msg, meta[msg])
	}

	return record.Coerce(v)
}

func (n *Normalizer) processBody(v record.Value, msg string, cm contentMeta) {
	path := record.Path{msg, "content"}

	if cm.contentEncoding != "" {
		record.Apply(v, path, func(body record.Value) record.Value {
			raw, ok := body.AsBytes()
			if !ok {
				return body
			}
			decoded, err := DecodeContent(cm.contentEncoding, raw)
			if err != nil {
				if n.onDecodeError != nil {
					n.onDecodeError(msg, cm.contentEncoding, err)
				}
				return body
			}
			return record.Bytes(decoded)
		})
	}

	if !IsBinaryContentType(cm.contentType) {
		return
	}
	record.Apply(v, path, func(body record.Value) record.Value {
		if !n.encodeBinary {
			return record.String(BinaryRemoved)
		}
		if raw, ok := body.AsBytes(); ok {
			return record.String(base64.StdEncoding.EncodeToString(raw))
		}
		if s, ok := body.AsString(); ok {
			return record.String(base64.StdEncoding.EncodeToString([]byte(s)))
		}
		return body
	})
}

// scanHeaders finds the content type and encoding in the raw header sequence
// of msg. Names are compared case-insensitively and the last occurrence wins.
func scanHeaders(v record.Value, msg string) contentMeta {
	var cm contentMeta
	headers, ok := record.Lookup(v, record.Path{msg, "headers"})
	if !ok {
		return cm
	}
	pairs, ok := headers.AsList()
	if !ok {
		return cm
	}
	for _, p := range pairs {
		kv, ok := p.AsList()
		if !ok || len(kv) < 2 {
			continue
		}
		name, ok := kv[0].Text()
		if !ok {
			continue
		}
		value, ok := kv[1].Text()
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(name, headerContentType):
			cm.contentType = value
		case strings.EqualFold(name, headerContentEncoding):
			cm.contentEncoding = value
		}
	}
	return cm
}
