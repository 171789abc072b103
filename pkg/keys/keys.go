// Package keys derives deterministic cache keys from function identity and arguments.
//
// Identical logical requests must always map to the same key: named arguments
// are ordered lexicographically, timestamps are normalized to UTC RFC3339, and
// keys that would grow unwieldy are replaced by a digest of their canonical
// form.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxLiteralLength is the longest key kept in its readable canonical form.
// Anything longer is collapsed to "<fn>:<sha256 digest>".
const MaxLiteralLength = 200

// Builder accumulates arguments for a single derived key.
type Builder struct {
	fn    string
	args  []string
	named map[string]string
}

// ForFunction starts a key for the given function identity.
func ForFunction(fn string) *Builder {
	return &Builder{fn: fn, named: make(map[string]string)}
}

// Arg appends a positional argument.
func (b *Builder) Arg(v interface{}) *Builder {
	b.args = append(b.args, FormatValue(v))
	return b
}

// Named records a named argument. Ordering of Named calls does not affect the key.
func (b *Builder) Named(name string, v interface{}) *Builder {
	b.named[name] = FormatValue(v)
	return b
}

// String renders the canonical key.
func (b *Builder) String() string {
	parts := make([]string, 0, len(b.args)+len(b.named))
	parts = append(parts, b.args...)

	names := make([]string, 0, len(b.named))
	for name := range b.named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+b.named[name])
	}

	key := b.fn + "(" + strings.Join(parts, ",") + ")"
	if len(key) > MaxLiteralLength {
		return b.fn + ":" + Digest(key)
	}
	return key
}

// Derive is a convenience wrapper around Builder for the common case.
func Derive(fn string, positional []interface{}, named map[string]interface{}) string {
	b := ForFunction(fn)
	for _, v := range positional {
		b.Arg(v)
	}
	for name, v := range named {
		b.Named(name, v)
	}
	return b.String()
}

// Digest returns the hex SHA-256 of the canonical key text.
func Digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// FormatValue renders a single argument deterministically.
// time.Time values are normalized to UTC RFC3339 so that equal instants in
// different zones produce the same key.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return "nil"
		}
		return val.UTC().Format(time.RFC3339)
	case time.Duration:
		return val.String()
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
