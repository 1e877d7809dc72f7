package gvariant

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Unmarshal decodes data serialized as the single complete type sig.
//
// Integers decode to the Go integer of the same width and signedness, "d" to
// float64, "s", "o" and "g" to string, "ay" to []byte, every other array and
// every tuple to []any, dict entries to DictEntry, maybe types to Maybe and
// "v" to Variant. Data is read as little endian.
func Unmarshal(sig string, data []byte) (any, error) {
	t, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	return decode(t, data)
}

func decode(t *typeInfo, data []byte) (any, error) {
	if t.fixed > 0 && len(data) != t.fixed {
		return nil, fmt.Errorf("%w: %q needs %d bytes, have %d", ErrTruncated, t.sig, t.fixed, len(data))
	}

	le := binary.LittleEndian
	switch t.code {
	case 'b':
		return data[0] != 0, nil
	case 'y':
		return data[0], nil
	case 'n':
		return int16(le.Uint16(data)), nil
	case 'q':
		return le.Uint16(data), nil
	case 'i', 'h':
		return int32(le.Uint32(data)), nil
	case 'u':
		return le.Uint32(data), nil
	case 'x':
		return int64(le.Uint64(data)), nil
	case 't':
		return le.Uint64(data), nil
	case 'd':
		return math.Float64frombits(le.Uint64(data)), nil
	case 's', 'o', 'g':
		if len(data) == 0 || data[len(data)-1] != 0 {
			return nil, fmt.Errorf("%w: string is not nul terminated", ErrInvalidValue)
		}
		return string(data[:len(data)-1]), nil
	case 'v':
		return decodeVariant(data)
	case 'm':
		return decodeMaybe(t, data)
	case 'a':
		return decodeArray(t, data)
	case '(', '{':
		return decodeContainer(t, data)
	}
	return nil, fmt.Errorf("%w %q", ErrInvalidSignature, t.sig)
}

func decodeVariant(data []byte) (any, error) {
	sep := bytes.LastIndexByte(data, 0)
	if sep < 0 {
		return nil, fmt.Errorf("%w: variant without type", ErrInvalidValue)
	}
	sig := string(data[sep+1:])
	child, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	v, err := decode(child, data[:sep])
	if err != nil {
		return nil, err
	}
	return Variant{Type: sig, Value: v}, nil
}

func decodeMaybe(t *typeInfo, data []byte) (any, error) {
	if len(data) == 0 {
		return Maybe{}, nil
	}
	if t.elem.fixed == 0 {
		data = data[:len(data)-1]
	}
	v, err := decode(t.elem, data)
	if err != nil {
		return nil, err
	}
	return Maybe{Valid: true, Value: v}, nil
}

func decodeArray(t *typeInfo, data []byte) (any, error) {
	if t.elem.code == 'y' {
		return append([]byte{}, data...), nil
	}
	values := []any{}
	if len(data) == 0 {
		return values, nil
	}

	if size := t.elem.fixed; size > 0 {
		if len(data)%size != 0 {
			return nil, fmt.Errorf("%w: %q length %d is not a multiple of %d", ErrInvalidValue, t.sig, len(data), size)
		}
		for i := 0; i < len(data); i += size {
			v, err := decode(t.elem, data[i:i+size])
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	}

	osz := offsetSize(len(data))
	if len(data) < osz {
		return nil, fmt.Errorf("%w: %q framing", ErrTruncated, t.sig)
	}
	tableStart := readOffset(data[len(data)-osz:], osz)
	if tableStart > len(data) || (len(data)-tableStart)%osz != 0 {
		return nil, fmt.Errorf("%w: %q framing offset %d", ErrInvalidValue, t.sig, tableStart)
	}
	n := (len(data) - tableStart) / osz

	start := 0
	for i := 0; i < n; i++ {
		end := readOffset(data[tableStart+i*osz:], osz)
		start = alignUp(start, t.elem.align)
		if start > end || end > tableStart {
			return nil, fmt.Errorf("%w: %q element %d out of bounds", ErrInvalidValue, t.sig, i)
		}
		v, err := decode(t.elem, data[start:end])
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		start = end
	}
	return values, nil
}

func decodeContainer(t *typeInfo, data []byte) (any, error) {
	if len(t.fields) == 0 {
		return []any{}, nil
	}
	osz := offsetSize(len(data))
	frameEnd := len(data)
	pos := 0
	values := make([]any, 0, len(t.fields))
	for i, f := range t.fields {
		pos = alignUp(pos, f.align)
		var end int
		switch {
		case f.fixed > 0:
			end = pos + f.fixed
		case i == len(t.fields)-1:
			end = frameEnd
		default:
			frameEnd -= osz
			if frameEnd < 0 {
				return nil, fmt.Errorf("%w: %q framing", ErrTruncated, t.sig)
			}
			end = readOffset(data[frameEnd:], osz)
		}
		if pos > end || end > frameEnd {
			return nil, fmt.Errorf("%w: %q member %d out of bounds", ErrTruncated, t.sig, i)
		}
		v, err := decode(f, data[pos:end])
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		pos = end
	}

	if t.code == '{' {
		return DictEntry{Key: values[0], Value: values[1]}, nil
	}
	return values, nil
}

func readOffset(b []byte, size int) int {
	switch size {
	case 1:
		return int(b[0])
	case 2:
		return int(binary.LittleEndian.Uint16(b))
	case 4:
		return int(binary.LittleEndian.Uint32(b))
	default:
		return int(binary.LittleEndian.Uint64(b))
	}
}

// Dict converts a decoded array of string keyed dict entries, such as an
// "a{sv}", to a map. Variant values are unwrapped to their contained value.
func Dict(v any) (map[string]any, error) {
	entries, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an array", ErrInvalidValue, v)
	}
	m := make(map[string]any, len(entries))
	for _, e := range entries {
		entry, ok := e.(DictEntry)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a dict entry", ErrInvalidValue, e)
		}
		key, ok := entry.Key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: dict key %T is not a string", ErrInvalidValue, entry.Key)
		}
		if variant, ok := entry.Value.(Variant); ok {
			m[key] = variant.Value
		} else {
			m[key] = entry.Value
		}
	}
	return m, nil
}
