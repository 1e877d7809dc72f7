// Package gvariant reads and writes the GVariant serialization format used by
// OSTree summaries, commits and the flatpak OCI labels, and prints values in
// the GVariant text format accepted by the ostree command line.
package gvariant

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid gvariant signature")
	ErrTruncated        = errors.New("truncated gvariant data")
	ErrInvalidValue     = errors.New("invalid gvariant value")
)

// Variant is a value of type "v": a value together with its own signature.
type Variant struct {
	Type  string
	Value any
}

// DictEntry is a value of a "{kv}" type.
type DictEntry struct {
	Key   any
	Value any
}

// Maybe is a value of a "m*" type.
type Maybe struct {
	Valid bool
	Value any
}

type typeInfo struct {
	sig    string
	code   byte
	elem   *typeInfo
	fields []*typeInfo
	align  int
	// fixed is the serialized size for fixed size types and 0 otherwise.
	fixed int
}

var basicTypes = map[byte]struct{ align, size int }{
	'b': {1, 1},
	'y': {1, 1},
	'n': {2, 2},
	'q': {2, 2},
	'i': {4, 4},
	'u': {4, 4},
	'h': {4, 4},
	'x': {8, 8},
	't': {8, 8},
	'd': {8, 8},
	's': {1, 0},
	'o': {1, 0},
	'g': {1, 0},
	'v': {8, 0},
}

// parseSignature parses a single complete type.
func parseSignature(sig string) (*typeInfo, error) {
	t, rest, err := parseType(sig)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w %q: trailing %q", ErrInvalidSignature, sig, rest)
	}
	return t, nil
}

func parseType(sig string) (*typeInfo, string, error) {
	if sig == "" {
		return nil, "", fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	c := sig[0]
	if b, ok := basicTypes[c]; ok {
		return &typeInfo{sig: sig[:1], code: c, align: b.align, fixed: b.size}, sig[1:], nil
	}

	switch c {
	case 'a', 'm':
		elem, rest, err := parseType(sig[1:])
		if err != nil {
			return nil, "", err
		}
		t := &typeInfo{code: c, elem: elem, align: elem.align}
		t.sig = sig[:len(sig)-len(rest)]
		return t, rest, nil
	case '(', '{':
		closing := byte(')')
		if c == '{' {
			closing = '}'
		}
		t := &typeInfo{code: c}
		rest := sig[1:]
		for {
			if rest == "" {
				return nil, "", fmt.Errorf("%w %q: unterminated container", ErrInvalidSignature, sig)
			}
			if rest[0] == closing {
				rest = rest[1:]
				break
			}
			var (
				f   *typeInfo
				err error
			)
			f, rest, err = parseType(rest)
			if err != nil {
				return nil, "", err
			}
			t.fields = append(t.fields, f)
		}
		if c == '{' {
			if len(t.fields) != 2 {
				return nil, "", fmt.Errorf("%w %q: dict entry needs two types", ErrInvalidSignature, sig)
			}
			if k := t.fields[0].code; k == 'a' || k == 'm' || k == '(' || k == '{' || k == 'v' {
				return nil, "", fmt.Errorf("%w %q: dict entry key must be basic", ErrInvalidSignature, sig)
			}
		}
		t.sig = sig[:len(sig)-len(rest)]
		t.layoutContainer()
		return t, rest, nil
	}
	return nil, "", fmt.Errorf("%w %q: unknown type code %q", ErrInvalidSignature, sig, c)
}

// layoutContainer computes alignment and fixed size of a tuple or dict entry.
func (t *typeInfo) layoutContainer() {
	t.align = 1
	offset := 0
	fixed := true
	for _, f := range t.fields {
		if f.align > t.align {
			t.align = f.align
		}
		if f.fixed == 0 {
			fixed = false
			continue
		}
		offset = alignUp(offset, f.align) + f.fixed
	}
	if !fixed {
		return
	}
	t.fixed = alignUp(offset, t.align)
	if t.fixed == 0 {
		t.fixed = 1
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// offsetSize returns the width of framing offsets in a container of size n.
func offsetSize(n int) int {
	switch {
	case n <= 0xff:
		return 1
	case n <= 0xffff:
		return 2
	case uint64(n) <= 0xffffffff:
		return 4
	default:
		return 8
	}
}
