package framing

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/NetCVGuy/ScanFetch/errors"
)

// ParseDelimiter converts a configured delimiter into bytes.
//
//   - "" selects auto mode (CR, LF or CRLF).
//   - "0x0D0A", "0x0d 0a", "0x0D-0A" are hex byte strings.
//   - anything else is literal text with \r \n \t \0 and \\ escapes.
//
// When a 0x value is not valid hex the literal interpretation is returned
// together with an error wrapping ErrMalformedDelimiter; callers log it and
// carry on with the returned delimiter.
func ParseDelimiter(text string) (Delimiter, error) {
	if text == "" {
		return nil, nil
	}

	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		digits := strings.NewReplacer(" ", "", "-", "", ":", "").Replace(text[2:])
		b, err := hex.DecodeString(digits)
		if err == nil && len(b) > 0 {
			return Delimiter(b), nil
		}
		if err == nil {
			err = fmt.Errorf("no hex digits in %q", text)
		}
		return unescape(text), errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedDelimiter, err),
			"framing", "ParseDelimiter", "decode hex delimiter")
	}

	return unescape(text), nil
}

func unescape(text string) Delimiter {
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '\\' || i+1 == len(text) {
			out = append(out, c)
			continue
		}
		i++
		switch text[i] {
		case 'r':
			out = append(out, '\r')
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0)
		case '\\':
			out = append(out, '\\')
		default:
			// Unknown escape stays as written
			out = append(out, '\\', text[i])
		}
	}
	return Delimiter(out)
}

func escape(d []byte) string {
	var sb strings.Builder
	for _, c := range d {
		switch c {
		case '\r':
			sb.WriteString(`\r`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case 0:
			sb.WriteString(`\0`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&sb, `\x%02x`, c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	return sb.String()
}
