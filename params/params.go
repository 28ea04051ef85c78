// Package params implements the key=value parameter surface that
// every allocator, filter and plugin in this module is constructed
// from (spec.md §6), the Go equivalent of nbdkit's plugin parameter
// list and the teacher's functional-Options pattern (dbm/options.go)
// collapsed to a single typed map since every component here takes
// its configuration as one flat key=value set rather than a Go struct
// literal.
package params

import (
	"fmt"
	"strconv"

	"github.com/cznic/blockit/bkerr"
)

// Map is a parsed key=value parameter set.
type Map map[string]string

// Parse splits a "type[,key=value[,key=value...]]" string (spec.md
// §6) into the type name and its parameter Map.
func Parse(spec string) (typ string, m Map, err error) {
	parts := splitComma(spec)
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, bkerr.New("params.Parse", bkerr.InvalidArgument)
	}
	typ = parts[0]
	m = Map{}
	for _, kv := range parts[1:] {
		i := indexByte(kv, '=')
		if i < 0 {
			return "", nil, bkerr.Newf("params.Parse", bkerr.InvalidArgument, fmt.Errorf("malformed key=value: %q", kv))
		}
		m[kv[:i]] = kv[i+1:]
	}
	return typ, m, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// String returns m[key], or def if key is absent.
func (m Map) String(key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// Bool parses m[key] as a bool ("true"/"false"/"1"/"0"/"yes"/"no"/
// "on"/"off"),
// returning def if key is absent.
func (m Map) Bool(key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	switch v {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, bkerr.Newf("params.Bool", bkerr.InvalidArgument, fmt.Errorf("key %q: invalid bool %q", key, v))
	}
}

// Uint64 parses m[key] as a decimal or 0x-prefixed uint64, returning
// def if key is absent.
func (m Map) Uint64(key string, def uint64) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, bkerr.Newf("params.Uint64", bkerr.InvalidArgument, fmt.Errorf("key %q: %w", key, err))
	}
	return n, nil
}

// Int parses m[key] as a decimal int, returning def if key is absent.
func (m Map) Int(key string, def int) (int, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, bkerr.Newf("params.Int", bkerr.InvalidArgument, fmt.Errorf("key %q: %w", key, err))
	}
	return n, nil
}

// Reject returns an error if m contains any key not in allowed,
// matching the factory contract "unknown keys are rejected".
func (m Map) Reject(allowed ...string) error {
	set := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		set[k] = true
	}
	for k := range m {
		if !set[k] {
			return bkerr.Newf("params.Reject", bkerr.InvalidArgument, fmt.Errorf("unknown key: %q", k))
		}
	}
	return nil
}
