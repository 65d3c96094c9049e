package terminal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/guseggert/tclconsole/console"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Literal returns a pattern matching s verbatim.
func Literal(s string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(s))
}

// Quote renders s as a single Tcl word that evaluates to s without substitution, like a list element. Values whose
// braces balance are braced; anything else is backslash-escaped.
func Quote(s string) string {
	if s == "" {
		return "{}"
	}
	if braceable(s) {
		return "{" + s + "}"
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '{', '}', '[', ']', '$', '"', ';', ' ':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// braceable reports whether s survives being wrapped in braces unchanged: braces nest, no trailing backslash, and a
// single line.
func braceable(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 == len(s) {
				return false
			}
			i++
			if s[i] == '\n' {
				return false
			}
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		case '\n', '\r':
			return false
		}
	}
	return depth == 0
}

// StripAnswer removes the command echo (the first line) and the capture boundary (the last line) from the text
// captured before a prompt. Line endings are normalized to "\n" and leading empty lines are ignored.
func StripAnswer(captured string) string {
	s := strings.ReplaceAll(captured, "\r\n", "\n")
	s = strings.TrimLeft(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) <= 2 {
		return ""
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// firstNonBlank returns the first line of s holding anything but whitespace, trimmed.
func firstNonBlank(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, &console.ConfigurationError{Field: "encoding", Reason: fmt.Sprintf("%q is not a known encoding", name)}
	}
	return enc, nil
}

func decode(enc encoding.Encoding, b []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decoding console output: %w", err)
	}
	return string(out), nil
}
