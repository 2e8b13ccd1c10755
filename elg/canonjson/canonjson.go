// Package canonjson implements the canonical JSON encoding used for all
// engine hashing: object keys sorted lexicographically, no insignificant
// whitespace, and a single textual form for every number.
//
// Every hash the engine persists (state hashes, input/output hashes,
// activity request hashes) is SHA-256 over this encoding, so the encoding
// is a byte-level contract: two processes that canonicalize the same value
// must produce identical bytes, or replay verification breaks.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes v as canonical JSON.
//
// The value is first round-tripped through encoding/json (with number
// preservation), which normalizes struct tags, embedded types, and
// json.Marshaler implementations. The resulting tree is then serialized
// with sorted keys and canonical numbers.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize rewrites a JSON document into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	// Reject trailing garbage.
	if dec.More() {
		return nil, fmt.Errorf("canonjson: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the lowercase hex SHA-256 of data as-is.
// Callers are responsible for passing canonical bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonjson: string: %w", err)
		}
		buf.Write(data)
	case json.Number:
		s, err := canonicalNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kdata, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonjson: key: %w", err)
			}
			buf.Write(kdata)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unsupported type %T", v)
	}
	return nil
}

// canonicalNumber renders a JSON number in its canonical textual form:
// integers without fraction or exponent, everything else as the shortest
// float64 representation that round-trips.
func canonicalNumber(n json.Number) (string, error) {
	s := n.String()

	// Fast path: already a plain integer literal.
	if !strings.ContainsAny(s, ".eE") {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			// Normalize "-0" to "0".
			if s == "-0" {
				return "0", nil
			}
			return s, nil
		}
	}

	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("canonjson: number %q: %w", s, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("canonjson: number %q out of range", s)
	}
	// Integral floats print as integers (1.0 -> "1").
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
