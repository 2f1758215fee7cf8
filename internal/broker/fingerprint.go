package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint computes the coalescing key for a call: the hex-encoded
// SHA-256 of toolName || NUL || canonical JSON of args. Two logically equal
// argument maps always yield identical fingerprints.
//
// Returns "" (coalescing disabled for the call) if args contain a value that
// cannot be canonicalised.
func Fingerprint(toolName string, args map[string]any) string {
	canon, err := canonicalJSON(args)
	if err != nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(canon))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders v as JSON with all object keys sorted recursively.
// Map iteration order never leaks into the output.
func canonicalJSON(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		// Scalars (and any custom types) take encoding/json's rendering.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("fingerprint: marshal %T: %w", val, err)
		}
		sb.Write(b)
	}
	return nil
}
