package object

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Kind is the closed set of field types a distributed object may declare.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBytes
	KindBool
	// KindOpaque carries any JSON-serializable value without validation.
	// The mandatory owner field is opaque so that a null owner (zone-owned)
	// survives the wire untouched.
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindBool:
		return "bool"
	case KindOpaque:
		return "opaque"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Default returns the zero value a freshly constructed object reports for an
// unset field of this kind.
func (k Kind) Default() any {
	switch k {
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindString:
		return ""
	case KindBytes:
		return []byte{}
	case KindBool:
		return false
	}
	return nil
}

// normalize coerces v into the canonical representation for k. JSON decoding
// hands back float64 for every number and base64 strings for byte slices, so
// wire values and locally written values must converge on one shape before
// they are stored or compared.
func (k Kind) normalize(v any) (any, error) {
	if v == nil && k == KindOpaque {
		return nil, nil
	}
	switch k {
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("int field: non-integral value %v", n)
			}
			return int64(n), nil
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			// encoding/json represents []byte as base64 text.
			decoded, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, fmt.Errorf("bytes field: %w", err)
			}
			return decoded, nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindOpaque:
		return v, nil
	}
	return nil, fmt.Errorf("%s field: incompatible value %T", k, v)
}
