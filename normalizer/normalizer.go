// Package normalizer reduces a request payload to one canonical string before
// signature matching, undoing the encodings attackers use to slip past
// pattern matchers.
//
// Processing:
//   - Each component (body, URL, allow-listed headers) is capped on its own,
//     then the combined text is capped again. Body and URL always fit under
//     the combined cap, so only the header tail can be cut
//   - NUL bytes in request material become spaces before anything else
//   - Up to MaxPasses decode passes run: percent-decoding, then base64 runs,
//     then hex runs; a pass that changes nothing ends the loop early
//   - Every pass is followed by canonicalization: fullwidth to halfwidth,
//     control characters to spaces, SQL comment delimiters removed, whitespace
//     collapsed
//   - The result is lowercased
//
// Normalize is deterministic and idempotent. When the pass budget runs out
// while another pass would still decode something, the output is prefixed
// with ResidualMarker instead of decoding further; decoding is never attempted
// on a marked string, and the classifier treats the marker as an evasion
// attempt. Decoded NULs are canonicalized to spaces like any other control
// character, so only the pass budget can produce the marker.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/o-tero/requestguard/pkg/utils"
)

// ResidualMarker prefixes outputs that still carried decodable layers after
// the pass budget was spent. Prepare strips NUL from raw request material, so
// a marked Prepared field always comes from the pass budget.
const ResidualMarker = "\x00"

// Config holds the length caps and pass budget.
type Config struct {
	MaxBody      int `yaml:"max_body"`
	MaxURL       int `yaml:"max_url"`
	MaxHeaders   int `yaml:"max_headers"`
	MaxCombined  int `yaml:"max_combined"`
	MaxPasses    int `yaml:"max_passes"`
	MaxHexLength int `yaml:"max_hex_length"`
	// Headers is the allow-list of header names folded into the payload.
	Headers []string `yaml:"headers"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBody:      32 << 10,
		MaxURL:       2 << 10,
		MaxHeaders:   32 << 10,
		MaxCombined:  64 << 10,
		MaxPasses:    3,
		MaxHexLength: 2 << 10,
		Headers: []string{
			"User-Agent",
			"Referer",
			"Cookie",
			"Content-Type",
			"Origin",
			"X-Requested-With",
		},
	}
}

// Validate checks the caps are usable.
func (c Config) Validate() error {
	switch {
	case c.MaxBody <= 0, c.MaxURL <= 0, c.MaxHeaders <= 0, c.MaxCombined <= 0:
		return errors.New("normalizer length caps must be positive")
	case c.MaxPasses <= 0:
		return errors.New("normalizer max passes must be positive")
	case c.MaxHexLength <= 0 || c.MaxHexLength >= c.MaxCombined:
		return errors.New("normalizer hex cap must be positive and below the combined cap")
	case c.MaxBody+c.MaxURL+2 > c.MaxCombined:
		return errors.New("normalizer combined cap must hold the body and URL caps")
	}
	return nil
}

// Input is the raw request material the normalizer inspects.
type Input struct {
	// URL is path plus query string.
	URL     string
	Headers http.Header
	// Body is a string, []byte, json.RawMessage, nil, or any value that
	// encodes to JSON.
	Body any
}

// Prepared is the normalized form of one request.
type Prepared struct {
	// Combined covers body, URL and headers and feeds the classifier.
	Combined string
	// Fragment covers the query values followed by the body and feeds the
	// sequence correlator. It never carries ResidualMarker.
	Fragment string
	// Residual is set when either field ran out of decode passes; Combined
	// then starts with ResidualMarker.
	Residual bool
}

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	cfg     Config
	headers []string
}

// New creates a Normalizer.
func New(cfg Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cfg.Headers))
	headers := make([]string, 0, len(cfg.Headers))
	for _, h := range cfg.Headers {
		h = http.CanonicalHeaderKey(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		headers = append(headers, h)
	}
	sort.Strings(headers)

	return &Normalizer{cfg: cfg, headers: headers}, nil
}

// Config returns the configuration in use.
func (n *Normalizer) Config() Config { return n.cfg }

// Prepare builds and normalizes the combined payload and the correlation
// fragment. It fails only when a structured body cannot be encoded.
func (n *Normalizer) Prepare(in Input) (Prepared, error) {
	body, err := BodyText(in.Body)
	if err != nil {
		return Prepared{}, err
	}
	body = truncateBytes(stripNUL(body), n.cfg.MaxBody)
	url := truncateBytes(stripNUL(in.URL), n.cfg.MaxURL)

	combined := n.Normalize(n.combine(url, in.Headers, body))
	fragment := n.Normalize(QueryValues(url) + body)
	p := Prepared{
		Combined: combined,
		Fragment: strings.TrimPrefix(fragment, ResidualMarker),
		Residual: Residual(combined) || Residual(fragment),
	}
	if p.Residual && !Residual(combined) {
		p.Combined = ResidualMarker + combined
	}
	return p, nil
}

// combine lays out body, URL, then headers, so the combined cap can only cut
// into the headers.
func (n *Normalizer) combine(url string, h http.Header, body string) string {
	var b strings.Builder
	b.Grow(len(url) + len(body) + 256)

	b.WriteString(body)
	b.WriteByte('\n')
	b.WriteString(url)
	b.WriteByte('\n')

	var hb strings.Builder
	for _, name := range n.headers {
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		hb.WriteString(strings.ToLower(name))
		hb.WriteString(": ")
		hb.WriteString(strings.Join(values, ", "))
		hb.WriteByte('\n')
	}
	b.WriteString(truncateBytes(stripNUL(hb.String()), n.cfg.MaxHeaders))

	return truncateBytes(b.String(), n.cfg.MaxCombined)
}

// QueryValues returns the raw values of the query string of url, in order and
// without separators, so a value split over several requests reassembles.
func QueryValues(url string) string {
	_, query, ok := strings.Cut(url, "?")
	if !ok {
		return ""
	}
	query, _, _ = strings.Cut(query, "#")

	var b strings.Builder
	for _, pair := range strings.Split(query, "&") {
		_, v, found := strings.Cut(pair, "=")
		if !found {
			v = pair
		}
		b.WriteString(v)
	}
	return b.String()
}

func stripNUL(s string) string {
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", " ")
}

// BodyText stringifies a body deterministically. Strings holding a JSON
// object or array, and all structured values, become canonical JSON.
func BodyText(body any) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		return maybeCanonical(v), nil
	case []byte:
		return maybeCanonical(string(v)), nil
	case json.RawMessage:
		return maybeCanonical(string(v)), nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	out, err := utils.CanonicalJSON(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	return string(out), nil
}

func maybeCanonical(s string) string {
	t := strings.TrimSpace(s)
	if t == "" || (t[0] != '{' && t[0] != '[') {
		return s
	}
	if out, err := utils.CanonicalJSON([]byte(t)); err == nil {
		return string(out)
	}
	return s
}

// Normalize canonicalizes s. A leading ResidualMarker is taken to come from
// an earlier Normalize and is kept without further decoding.
func (n *Normalizer) Normalize(s string) string {
	s = canonicalize(truncateBytes(s, n.cfg.MaxCombined))

	if !strings.HasPrefix(s, ResidualMarker) {
		exhausted := true
		for pass := 0; pass < n.cfg.MaxPasses; pass++ {
			next := canonicalBody(n.decodePass(s))
			if next == s {
				exhausted = false
				break
			}
			s = next
		}
		if exhausted && canonicalBody(n.decodePass(s)) != s {
			s = ResidualMarker + s
		}
	}

	return finalize(s, n.cfg.MaxCombined)
}

// Residual reports whether a normalized string was cut short by the pass budget.
func Residual(normalized string) bool {
	return strings.HasPrefix(normalized, ResidualMarker)
}

// decodePass applies each decoder once, in order. A step is kept only if it
// changed the text and stayed within the combined cap.
func (n *Normalizer) decodePass(s string) string {
	for _, d := range decoders {
		out, ok := d.fn(n, s)
		if !ok || out == s || len(out) > n.cfg.MaxCombined {
			continue
		}
		s = out
	}
	return s
}

func finalize(s string, max int) string {
	s = lower(s)
	if len(s) > max {
		s = strings.TrimRight(truncateBytes(s, max), " ")
	}
	return s
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
