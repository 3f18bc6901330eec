// Package canonical implements the canonical JSON encoding identity
// documents and signed-refs manifests are hashed and signed over (spec
// §9 "Canonical JSON"). Object keys are sorted lexicographically, numbers
// are emitted exactly as received (JSON itself already forbids leading
// zeros and bare trailing decimal points), strings escape only '"' and
// '\' and are normalized to Unicode NFC. This is the *only* serializer
// identity-document and signed-refs code may use to produce bytes that
// get hashed or signed — re-running a document through encoding/json
// directly would reorder nothing (Go already sorts map keys) but would
// not NFC-normalize strings, so even that "looks equivalent" path is
// banned in identity/refdb code in favor of this package.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Decode parses data into the canonical value representation: nil, bool,
// json.Number, string, []any or map[string]any. Numbers are kept as
// json.Number so re-encoding never perturbs their text.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return v, nil
}

// Marshal encodes v (as produced by Decode, or built up from the same
// primitive shapes) into canonical form.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalStruct canonicalizes an arbitrary Go value by round-tripping it
// through encoding/json first (to get plain JSON primitives) and then
// through the canonical encoder. Use this for Go structs (e.g. Doc); use
// Marshal directly for values already in canonical-primitive shape.
func MarshalStruct(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal struct: %w", err)
	}
	val, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Marshal(val)
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(val))
	case float64:
		// Only reachable if callers hand-build a value tree with raw
		// float64 instead of going through Decode's json.Number path.
		n := json.Number(fmt.Sprintf("%g", val))
		buf.WriteString(string(n))
	case string:
		encodeString(buf, val)
	case []any:
		return encodeArray(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes s NFC-normalized, quoted, escaping only '"' and
// '\' — no \u escapes for control characters or non-ASCII, matching the
// minimal-escaping rule in spec §9.
func encodeString(buf *bytes.Buffer, s string) {
	normalized := norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
