package classifier

import (
	"sort"
	"strings"
)

// Scorer rates a normalized payload with a threat confidence in [0,1]. It
// is the seam for a trained model; nothing in the pipeline depends on how the
// score is produced.
type Scorer interface {
	Score(normalized string) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(normalized string) float64

// Score implements Scorer.
func (f ScorerFunc) Score(normalized string) float64 { return clamp01(f(normalized)) }

// NopScorer always scores zero.
type NopScorer struct{}

// Score implements Scorer.
func (NopScorer) Score(string) float64 { return 0 }

// KeywordScorer combines independent keyword weights as
// 1 - prod(1 - w) over the keywords present.
type KeywordScorer struct {
	keywords []string
	weights  map[string]float64
}

// NewKeywordScorer builds a scorer from keyword weights. Keywords are matched
// against lowercase text; weights are clamped to [0,1].
func NewKeywordScorer(weights map[string]float64) *KeywordScorer {
	k := &KeywordScorer{weights: make(map[string]float64, len(weights))}
	for kw, w := range weights {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		k.weights[kw] = clamp01(w)
		k.keywords = append(k.keywords, kw)
	}
	sort.Strings(k.keywords)
	return k
}

// DefaultKeywordScorer weights a handful of code-execution primitives.
func DefaultKeywordScorer() *KeywordScorer {
	return NewKeywordScorer(map[string]float64{
		"shell_exec":     0.7,
		"passthru(":      0.6,
		"base64_decode(": 0.6,
		"/bin/sh":        0.6,
		"cmd.exe":        0.6,
		"eval(":          0.5,
		"exec(":          0.5,
		"system(":        0.5,
		"powershell":     0.4,
		"chmod +x":       0.4,
		"wget ":          0.3,
		"nc -e":          0.7,
	})
}

// Score implements Scorer.
func (k *KeywordScorer) Score(normalized string) float64 {
	miss := 1.0
	for _, kw := range k.keywords {
		if strings.Contains(normalized, kw) {
			miss *= 1 - k.weights[kw]
		}
	}
	return clamp01(1 - miss)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
