package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BytesKey is the single key of the JSON object used to carry a byte sequence
// on the wire: {"b64": "<standard base64>"}. A genuine map with only this key
// and a string value is indistinguishable and decodes as Bytes.
const BytesKey = "b64"

var ErrTrailingData = errors.New("trailing data after value")

// Decode parses one JSON document into a Value, preserving object key order.
// Objects of the form {"b64": "..."} decode to Bytes.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Null, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Null, ErrTrailingData
	}
	return v, nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dv, err := Decode(data)
	if err != nil {
		return err
	}
	*v = dv
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null, err
	}
	switch t := tok.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return decodeNumber(t)
	case json.Delim:
		switch t {
		case '[':
			list := []Value{}
			for dec.More() {
				elem, err := decodeValue(dec)
				if err != nil {
					return Null, err
				}
				list = append(list, elem)
			}
			if _, err := dec.Token(); err != nil {
				return Null, err
			}
			return List(list...), nil
		case '{':
			m := NewMap()
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return Null, err
				}
				key, ok := ktok.(string)
				if !ok {
					return Null, fmt.Errorf("unexpected object key %v", ktok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Null, err
				}
				m.SetString(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Null, err
			}
			return unwrapBytes(m)
		}
	}
	return Null, fmt.Errorf("unexpected token %v", tok)
}

func decodeNumber(n json.Number) (Value, error) {
	if !strings.ContainsAny(n.String(), ".eE") {
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Null, fmt.Errorf("parse number %q: %w", n.String(), err)
	}
	return Float(f), nil
}

func unwrapBytes(m *Map) (Value, error) {
	if m.Len() != 1 {
		return FromMap(m), nil
	}
	enc, ok := m.Get(BytesKey)
	if !ok {
		return FromMap(m), nil
	}
	s, ok := enc.AsString()
	if !ok {
		return FromMap(m), nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Null, fmt.Errorf("decode bytes: %w", err)
	}
	return Bytes(raw), nil
}

// MarshalJSON encodes v with map keys in insertion order. Bytes are written in
// the {"b64": ...} wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		data, err := json.Marshal(v.f)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindString:
		writeString(buf, v.s)
	case KindBytes:
		buf.WriteString(`{"` + BytesKey + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(v.raw))
		buf.WriteString(`"}`)
	case KindList:
		buf.WriteByte('[')
		for i := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := v.list[i].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		var err error
		first := true
		v.m.Range(func(k, val Value) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeString(buf, keyText(k))
			buf.WriteByte(':')
			err = val.encode(buf)
			return err == nil
		})
		if err != nil {
			return err
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown kind %s", v.kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	// json.Marshal of a string cannot fail
	data, _ := json.Marshal(s)
	buf.Write(data)
}
