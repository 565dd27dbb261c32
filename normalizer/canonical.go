package normalizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// canonicalize is idempotent and never lengthens its input. A leading
// ResidualMarker is preserved; NUL anywhere else becomes a space.
func canonicalize(s string) string {
	if strings.HasPrefix(s, ResidualMarker) {
		return ResidualMarker + canonicalBody(s[len(ResidualMarker):])
	}
	return canonicalBody(s)
}

func canonicalBody(s string) string {
	s = strings.ToValidUTF8(s, "?")
	s = strings.Map(halfwidth, s)
	s = stripCommentDelimiters(s)
	return collapseSpace(s)
}

// halfwidth folds fullwidth ASCII variants and maps control characters to
// spaces.
func halfwidth(r rune) rune {
	switch {
	case r >= 0xFF01 && r <= 0xFF5E:
		return r - 0xFEE0
	case r == 0x3000:
		return ' '
	case unicode.IsControl(r):
		return ' '
	}
	return r
}

// stripCommentDelimiters removes "/*", "*/" and "--" so that "UN/**/ION"
// reads as "UNION". Text between delimiters is kept. Removal is done with a
// stack, so delimiters formed by a removal are removed too.
func stripCommentDelimiters(s string) string {
	if !strings.Contains(s, "/*") && !strings.Contains(s, "*/") && !strings.Contains(s, "--") {
		return s
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if n := len(out); n >= 2 && isDelimiter(out[n-2], out[n-1]) {
			out = out[:n-2]
		}
	}
	return string(out)
}

func isDelimiter(a, b byte) bool {
	return (a == '/' && b == '*') || (a == '*' && b == '/') || (a == '-' && b == '-')
}

func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// lower lowercases rune by rune, keeping any rune whose lowercase form would
// take more bytes.
func lower(s string) string {
	return strings.Map(func(r rune) rune {
		l := unicode.ToLower(r)
		if utf8.RuneLen(l) > utf8.RuneLen(r) {
			return r
		}
		return l
	}, s)
}
