// Package keys derives deterministic cache keys from request payloads.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	gojson "github.com/goccy/go-json"
)

// Key builds "<prefix>:<hash>" where hash is the 64-bit xxhash of the
// canonical JSON form of payload. Two payloads that differ only in field
// order produce the same key.
func Key(prefix string, payload any) (string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return fmt.Sprintf("%s:%016x", sanitizePrefix(prefix), xxhash.Sum64(canon)), nil
}

// Canonical serializes payload to JSON with object keys sorted and no
// insignificant whitespace. Round-tripping through an untyped value drops
// struct field order so only content matters.
func Canonical(payload any) ([]byte, error) {
	raw, err := gojson.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if err := gojson.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	// goccy emits map keys in sorted order
	return gojson.Marshal(v)
}

func sanitizePrefix(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case isAlphaNum(r) || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
