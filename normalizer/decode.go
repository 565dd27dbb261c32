package normalizer

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minBase64Run = 8
	minHexRun    = 8
)

type decoder struct {
	name string
	fn   func(n *Normalizer, s string) (string, bool)
}

// Order matters: percent-decoding first exposes base64 and hex runs that were
// themselves percent-encoded.
var decoders = []decoder{
	{name: "url", fn: func(_ *Normalizer, s string) (string, bool) { return percentDecode(s) }},
	{name: "base64", fn: func(_ *Normalizer, s string) (string, bool) {
		return decodeRuns(s, base64Span, func(s string, i, j int) (string, bool) { return decodeBase64Run(s[i:j]) })
	}},
	{name: "hex", fn: func(n *Normalizer, s string) (string, bool) {
		return decodeRuns(s, alnumSpan, func(s string, i, j int) (string, bool) {
			// digits right after '%' belong to a percent escape
			if i > 0 && s[i-1] == '%' {
				return "", false
			}
			return decodeHexRun(s[i:j], n.cfg.MaxHexLength)
		})
	}},
}

// percentDecode decodes every valid %XX escape and leaves malformed ones in
// place, so one bad escape cannot shield the rest of the payload.
func percentDecode(s string) (string, bool) {
	i := strings.IndexByte(s, '%')
	if i < 0 {
		return s, false
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:i])
	changed := false
	for ; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			changed = true
			continue
		}
		b.WriteByte(c)
	}
	if !changed {
		return s, false
	}
	return b.String(), true
}

// decodeRuns replaces every run found by span that fn decodes. span returns
// the end of the run starting at i, or i when none starts there.
func decodeRuns(s string, span func(s string, i int) int, fn func(s string, i, j int) (string, bool)) (string, bool) {
	var b strings.Builder
	changed := false
	last := 0

	for i := 0; i < len(s); {
		j := span(s, i)
		if j == i {
			i++
			continue
		}
		if out, ok := fn(s, i, j); ok {
			if !changed {
				b.Grow(len(s))
				changed = true
			}
			b.WriteString(s[last:i])
			b.WriteString(out)
			last = j
		}
		i = j
	}

	if !changed {
		return s, false
	}
	b.WriteString(s[last:])
	return b.String(), true
}

// decodeBase64Run accepts standard-alphabet runs whose length is a multiple of
// four and that contain an uppercase letter. Normalized output is lowercase,
// so this keeps normalization idempotent and skips plain words.
func decodeBase64Run(run string) (string, bool) {
	if len(run) < minBase64Run || len(run)%4 != 0 || !hasUpper(run) {
		return "", false
	}
	out, err := base64.StdEncoding.DecodeString(run)
	if err != nil || !isPrintable(out) {
		return "", false
	}
	return string(out), true
}

// decodeHexRun accepts even-length runs of hex digits that mix letters and
// digits, up to max characters.
func decodeHexRun(run string, max int) (string, bool) {
	if len(run) < minHexRun || len(run) > max || len(run)%2 != 0 {
		return "", false
	}
	letters, digits := false, false
	for i := 0; i < len(run); i++ {
		c := run[i]
		switch {
		case c >= '0' && c <= '9':
			digits = true
		case isHex(c):
			letters = true
		default:
			return "", false
		}
	}
	if !letters || !digits {
		return "", false
	}
	out, err := hex.DecodeString(run)
	if err != nil || !isPrintable(out) {
		return "", false
	}
	return string(out), true
}

func isPrintable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r == utf8.RuneError {
			return false
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// base64Span matches alphabet characters followed by at most two '=' so a
// query such as "q=..." splits before the encoded value.
func base64Span(s string, i int) int {
	j := i
	for j < len(s) && (isAlnum(s[j]) || s[j] == '+' || s[j] == '/') {
		j++
	}
	if j == i {
		return i
	}
	for pad := 0; pad < 2 && j < len(s) && s[j] == '='; pad++ {
		j++
	}
	return j
}

func alnumSpan(s string, i int) int {
	j := i
	for j < len(s) && isAlnum(s[j]) {
		j++
	}
	return j
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func hasUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			return true
		}
	}
	return false
}
