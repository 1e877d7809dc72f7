package gvariant

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Print renders v of type sig in the GVariant text format, annotated with its
// type so that it parses back to the same type without further hints.
func Print(sig string, v any) (string, error) {
	t, err := parseSignature(sig)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("@" + sig + " ")
	if err := printValue(&b, t, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func printValue(b *strings.Builder, t *typeInfo, v any) error {
	mismatch := fmt.Errorf("%w: cannot print %T as %q", ErrInvalidValue, v, t.sig)

	switch t.code {
	case 'b':
		val, ok := v.(bool)
		if !ok {
			return mismatch
		}
		b.WriteString(strconv.FormatBool(val))
	case 'y':
		val, ok := v.(byte)
		if !ok {
			return mismatch
		}
		fmt.Fprintf(b, "0x%02x", val)
	case 'n', 'q', 'i', 'h', 'u', 'x', 't':
		switch val := v.(type) {
		case int16, uint16, int32, uint32, int64, uint64:
			fmt.Fprintf(b, "%d", val)
		default:
			return mismatch
		}
	case 'd':
		val, ok := v.(float64)
		if !ok {
			return mismatch
		}
		s := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		b.WriteString(s)
	case 's', 'o', 'g':
		val, ok := v.(string)
		if !ok {
			return mismatch
		}
		b.WriteString(quote(val))
	case 'v':
		val, ok := v.(Variant)
		if !ok {
			return mismatch
		}
		child, err := parseSignature(val.Type)
		if err != nil {
			return err
		}
		b.WriteString("<@" + val.Type + " ")
		if err := printValue(b, child, val.Value); err != nil {
			return err
		}
		b.WriteString(">")
	case 'm':
		val, ok := v.(Maybe)
		if !ok {
			return mismatch
		}
		if !val.Valid {
			b.WriteString("nothing")
			return nil
		}
		b.WriteString("just ")
		return printValue(b, t.elem, val.Value)
	case 'a':
		return printArray(b, t, v)
	case '(':
		fields, ok := v.([]any)
		if !ok || len(fields) != len(t.fields) {
			return mismatch
		}
		b.WriteString("(")
		for i, f := range t.fields {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := printValue(b, f, fields[i]); err != nil {
				return err
			}
		}
		if len(fields) == 1 {
			b.WriteString(",")
		}
		b.WriteString(")")
	case '{':
		entry, ok := v.(DictEntry)
		if !ok {
			return mismatch
		}
		b.WriteString("{")
		if err := printEntry(b, t, entry, ", "); err != nil {
			return err
		}
		b.WriteString("}")
	default:
		return fmt.Errorf("%w %q", ErrInvalidSignature, t.sig)
	}
	return nil
}

func printArray(b *strings.Builder, t *typeInfo, v any) error {
	var elems []any
	switch val := v.(type) {
	case []byte:
		if t.elem.code != 'y' {
			return fmt.Errorf("%w: cannot print []byte as %q", ErrInvalidValue, t.sig)
		}
		for _, c := range val {
			elems = append(elems, c)
		}
	case []any:
		elems = val
	default:
		return fmt.Errorf("%w: cannot print %T as %q", ErrInvalidValue, v, t.sig)
	}

	if t.elem.code == '{' {
		b.WriteString("{")
		for i, e := range elems {
			entry, ok := e.(DictEntry)
			if !ok {
				return fmt.Errorf("%w: %T is not a dict entry", ErrInvalidValue, e)
			}
			if i > 0 {
				b.WriteString(", ")
			}
			if err := printEntry(b, t.elem, entry, ": "); err != nil {
				return err
			}
		}
		b.WriteString("}")
		return nil
	}

	b.WriteString("[")
	for i, e := range elems {
		if i > 0 {
			b.WriteString(", ")
		}
		if err := printValue(b, t.elem, e); err != nil {
			return err
		}
	}
	b.WriteString("]")
	return nil
}

func printEntry(b *strings.Builder, t *typeInfo, entry DictEntry, sep string) error {
	if err := printValue(b, t.fields[0], entry.Key); err != nil {
		return err
	}
	b.WriteString(sep)
	return printValue(b, t.fields[1], entry.Value)
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\f':
			b.WriteString(`\f`)
		case '\b':
			b.WriteString(`\b`)
		case '\v':
			b.WriteString(`\v`)
		case '\a':
			b.WriteString(`\a`)
		default:
			switch {
			case unicode.IsPrint(r):
				b.WriteRune(r)
			case r > 0xffff:
				fmt.Fprintf(&b, `\U%08x`, r)
			default:
				fmt.Fprintf(&b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// ParseString parses a string in GVariant text format, as printed by
// "ostree show --print-metadata-key", with an optional "@s " annotation.
func ParseString(text string) (string, error) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "@s "))
	if len(text) < 2 || (text[0] != '\'' && text[0] != '"') || text[len(text)-1] != text[0] {
		return "", fmt.Errorf("%w: %q is not a quoted string", ErrInvalidValue, text)
	}
	quoteChar := text[0]
	body := text[1 : len(text)-1]

	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == quoteChar {
			return "", fmt.Errorf("%w: unescaped quote in %q", ErrInvalidValue, text)
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(body) {
			return "", fmt.Errorf("%w: trailing backslash in %q", ErrInvalidValue, text)
		}
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'f':
			b.WriteByte('\f')
		case 'b':
			b.WriteByte('\b')
		case 'v':
			b.WriteByte('\v')
		case 'a':
			b.WriteByte('\a')
		case 'u', 'U':
			n := 4
			if body[i] == 'U' {
				n = 8
			}
			if i+n+1 > len(body) {
				return "", fmt.Errorf("%w: short \\%c escape in %q", ErrInvalidValue, body[i], text)
			}
			r, err := strconv.ParseUint(body[i+1:i+n+1], 16, 32)
			if err != nil {
				return "", fmt.Errorf("%w: bad \\%c escape in %q", ErrInvalidValue, body[i], text)
			}
			b.WriteRune(rune(r))
			i += n
		default:
			b.WriteByte(body[i])
		}
	}
	return b.String(), nil
}
