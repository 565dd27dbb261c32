package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxRedactedLength caps any user-controlled text placed in a log event.
const MaxRedactedLength = 160

var redactors = []struct {
	re   *regexp.Regexp
	mask string
}{
	// Bearer/Basic credentials and key=value style secrets first, so the
	// generic token rule below does not leave half of them visible.
	{regexp.MustCompile(`(?i)\b(bearer|basic)\s+[a-z0-9._~+/=-]{8,}`), "$1 [TOKEN]"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|secret|password|passwd|pwd|token)["']?\s*[:=]\s*["']?[^\s"'&,;]{3,}`), "$1=[SECRET]"},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\b`), "[JWT]"},
	{regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`), "[PHONE]"},
	{regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`), "[HEX]"},
	{regexp.MustCompile(`\b[A-Za-z0-9+/_-]{40,}={0,2}`), "[TOKEN]"},
}

// Redact masks identifiers (emails, phone numbers, credentials, long tokens)
// and truncates the result to MaxRedactedLength runes.
func Redact(s string) string {
	return RedactN(s, MaxRedactedLength)
}

// RedactN is Redact with an explicit length cap.
func RedactN(s string, max int) string {
	if s == "" {
		return s
	}
	// Bound regex work on adversarial input before masking.
	s = truncateRunes(s, max*4)
	for _, r := range redactors {
		s = r.re.ReplaceAllString(s, r.mask)
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	return truncateRunes(s, max)
}

// fingerprintKey is drawn once per process, so fingerprints correlate within
// one run's logs but cannot be recomputed from a list of addresses.
var fingerprintKey = func() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic("utils: fingerprint key: " + err.Error())
	}
	return k
}()

// Fingerprint returns a short handle for an identity so logs can correlate a
// client without recording its address. It is a keyed HMAC-SHA256 and is
// stable only for the life of the process.
func Fingerprint(id ClientIdentity) string {
	return fingerprint(fingerprintKey, id)
}

func fingerprint(key []byte, id ClientIdentity) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil)[:6])
}

// Clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "…"
		}
		n++
	}
	return s
}
