package gvariant

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Marshal serializes v as type sig. It accepts the values Unmarshal produces;
// in addition "a{s*}" accepts map[string]any, encoded in key order.
func Marshal(sig string, v any) ([]byte, error) {
	t, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	return encode(t, v)
}

func encode(t *typeInfo, v any) ([]byte, error) {
	le := binary.LittleEndian
	mismatch := func() error {
		return fmt.Errorf("%w: cannot encode %T as %q", ErrInvalidValue, v, t.sig)
	}

	switch t.code {
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case 'y':
		b, ok := v.(byte)
		if !ok {
			return nil, mismatch()
		}
		return []byte{b}, nil
	case 'n':
		n, ok := v.(int16)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint16(nil, uint16(n)), nil
	case 'q':
		n, ok := v.(uint16)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint16(nil, n), nil
	case 'i', 'h':
		n, ok := v.(int32)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint32(nil, uint32(n)), nil
	case 'u':
		n, ok := v.(uint32)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint32(nil, n), nil
	case 'x':
		n, ok := v.(int64)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint64(nil, uint64(n)), nil
	case 't':
		n, ok := v.(uint64)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint64(nil, n), nil
	case 'd':
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint64(nil, math.Float64bits(f)), nil
	case 's', 'o', 'g':
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return append([]byte(s), 0), nil
	case 'v':
		variant, ok := v.(Variant)
		if !ok {
			return nil, mismatch()
		}
		child, err := parseSignature(variant.Type)
		if err != nil {
			return nil, err
		}
		buf, err := encode(child, variant.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, 0)
		return append(buf, variant.Type...), nil
	case 'm':
		m, ok := v.(Maybe)
		if !ok {
			return nil, mismatch()
		}
		if !m.Valid {
			return []byte{}, nil
		}
		buf, err := encode(t.elem, m.Value)
		if err != nil {
			return nil, err
		}
		if t.elem.fixed == 0 {
			buf = append(buf, 0)
		}
		return buf, nil
	case 'a':
		return encodeArray(t, v)
	case '(', '{':
		var fields []any
		if t.code == '{' {
			entry, ok := v.(DictEntry)
			if !ok {
				return nil, mismatch()
			}
			fields = []any{entry.Key, entry.Value}
		} else {
			var ok bool
			if fields, ok = v.([]any); !ok {
				return nil, mismatch()
			}
		}
		return encodeContainer(t, fields)
	}
	return nil, fmt.Errorf("%w %q", ErrInvalidSignature, t.sig)
}

func encodeArray(t *typeInfo, v any) ([]byte, error) {
	if b, ok := v.([]byte); ok && t.elem.code == 'y' {
		return append([]byte{}, b...), nil
	}

	var elems []any
	switch val := v.(type) {
	case []any:
		elems = val
	case map[string]any:
		if t.elem.code != '{' || t.elem.fields[0].code != 's' {
			return nil, fmt.Errorf("%w: cannot encode map as %q", ErrInvalidValue, t.sig)
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			elems = append(elems, DictEntry{Key: k, Value: val[k]})
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T as %q", ErrInvalidValue, v, t.sig)
	}

	var buf []byte
	var ends []int
	for _, e := range elems {
		buf = pad(buf, t.elem.align)
		data, err := encode(t.elem, e)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		ends = append(ends, len(buf))
	}
	if t.elem.fixed > 0 || len(elems) == 0 {
		if buf == nil {
			buf = []byte{}
		}
		return buf, nil
	}
	return appendOffsets(buf, ends), nil
}

func encodeContainer(t *typeInfo, values []any) ([]byte, error) {
	if len(values) != len(t.fields) {
		return nil, fmt.Errorf("%w: %q needs %d members, have %d", ErrInvalidValue, t.sig, len(t.fields), len(values))
	}
	buf := []byte{}
	var ends []int
	for i, f := range t.fields {
		buf = pad(buf, f.align)
		data, err := encode(f, values[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		if f.fixed == 0 && i != len(t.fields)-1 {
			ends = append(ends, len(buf))
		}
	}
	if t.fixed > 0 {
		buf = pad(buf, t.align)
		if len(buf) == 0 {
			buf = []byte{0}
		}
		return buf, nil
	}
	// Member offsets are stored last to first.
	for i, j := 0, len(ends)-1; i < j; i, j = i+1, j-1 {
		ends[i], ends[j] = ends[j], ends[i]
	}
	return appendOffsets(buf, ends), nil
}

func appendOffsets(buf []byte, ends []int) []byte {
	osz := 1
	for offsetSize(len(buf)+len(ends)*osz) != osz {
		osz *= 2
	}
	for _, end := range ends {
		switch osz {
		case 1:
			buf = append(buf, byte(end))
		case 2:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(end))
		case 4:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(end))
		default:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(end))
		}
	}
	return buf
}

func pad(buf []byte, align int) []byte {
	for len(buf)%align != 0 {
		buf = append(buf, 0)
	}
	return buf
}
