package classifier

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category identifiers of the built-in signature set, in priority order.
const (
	CategoryLegacyInjection   = "LEGACY_INJECTION"
	CategoryNoSQLInjection    = "NOSQL_INJECTION"
	CategorySSRF              = "SSRF"
	CategoryXXE               = "XXE"
	CategoryTemplateInjection = "TEMPLATE_INJECTION"
	CategoryLDAPInjection     = "LDAP_INJECTION"
	CategoryXPathInjection    = "XPATH_INJECTION"
	CategoryPromptInjection   = "PROMPT_INJECTION"
)

// ErrEmptySignatureSet is returned when a document defines no signatures.
var ErrEmptySignatureSet = errors.New("signature set has no signatures")

//go:embed signatures/default.yaml
var defaultSignatures []byte

// Document is the YAML shape of a signature set.
type Document struct {
	Version    int            `yaml:"version"`
	Categories []CategorySpec `yaml:"categories"`
}

// CategorySpec is one category in a signature document.
type CategorySpec struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Signatures  []SignatureSpec `yaml:"signatures"`
}

// SignatureSpec is one matcher. Exactly one of Contains and Regex is set.
type SignatureSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Contains    string `yaml:"contains"`
	Regex       string `yaml:"regex"`
}

type signature struct {
	id       string
	contains string
	re       *regexp.Regexp
}

func (s signature) match(payload string) bool {
	if s.re != nil {
		return s.re.MatchString(payload)
	}
	return strings.Contains(payload, s.contains)
}

// pattern is the source text of the matcher, for logs only.
func (s signature) pattern() string {
	if s.re != nil {
		return s.re.String()
	}
	return s.contains
}

type category struct {
	id         string
	signatures []signature
}

// Set is a compiled, immutable signature set.
type Set struct {
	version    int
	categories []category
	count      int
}

// Parse decodes and compiles a YAML signature document.
func Parse(data []byte) (*Set, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse signature set: %w", err)
	}
	return Compile(doc)
}

// Compile validates and compiles a signature document.
func Compile(doc Document) (*Set, error) {
	if doc.Version <= 0 {
		return nil, fmt.Errorf("signature set version must be positive, got %d", doc.Version)
	}

	set := &Set{version: doc.Version}
	seenCat := make(map[string]struct{})
	seenSig := make(map[string]struct{})

	for _, c := range doc.Categories {
		id := strings.ToUpper(strings.TrimSpace(c.ID))
		if id == "" {
			return nil, errors.New("signature category id is required")
		}
		if _, dup := seenCat[id]; dup {
			return nil, fmt.Errorf("duplicate signature category %s", id)
		}
		seenCat[id] = struct{}{}

		cat := category{id: id}
		for _, s := range c.Signatures {
			sid := strings.TrimSpace(s.ID)
			if sid == "" {
				return nil, fmt.Errorf("category %s: signature id is required", id)
			}
			if _, dup := seenSig[sid]; dup {
				return nil, fmt.Errorf("duplicate signature id %s", sid)
			}
			seenSig[sid] = struct{}{}

			sig, err := compileSignature(sid, s.Contains, s.Regex)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", id, err)
			}
			cat.signatures = append(cat.signatures, sig)
		}
		if len(cat.signatures) > 0 {
			set.categories = append(set.categories, cat)
			set.count += len(cat.signatures)
		}
	}

	if set.count == 0 {
		return nil, ErrEmptySignatureSet
	}
	return set, nil
}

func compileSignature(id, contains, expr string) (signature, error) {
	switch {
	case contains != "" && expr != "":
		return signature{}, fmt.Errorf("signature %s: set either contains or regex, not both", id)
	case contains != "":
		return signature{id: id, contains: contains}, nil
	case expr != "":
		re, err := regexp.Compile(expr)
		if err != nil {
			return signature{}, fmt.Errorf("signature %s invalid regex: %w", id, err)
		}
		return signature{id: id, re: re}, nil
	default:
		return signature{}, fmt.Errorf("signature %s has no matcher", id)
	}
}

// Default returns the embedded signature set.
func Default() *Set {
	set, err := Parse(defaultSignatures)
	if err != nil {
		panic(fmt.Sprintf("embedded signature set is invalid: %v", err))
	}
	return set
}

// Version returns the document version.
func (s *Set) Version() int { return s.version }

// Len returns the number of signatures.
func (s *Set) Len() int { return s.count }

// Categories returns category ids in priority order.
func (s *Set) Categories() []string {
	ids := make([]string, len(s.categories))
	for i, c := range s.categories {
		ids[i] = c.id
	}
	return ids
}

// Match identifies which signature fired. Pattern is internal detail and
// must never reach a client.
type Match struct {
	Category    string
	SignatureID string
	Pattern     string
}

// Classify returns the first category, in priority order, with a signature
// matching the normalized payload.
func (s *Set) Classify(normalized string) (Match, bool) {
	if normalized == "" {
		return Match{}, false
	}
	for _, c := range s.categories {
		for _, sig := range c.signatures {
			if sig.match(normalized) {
				return Match{Category: c.id, SignatureID: sig.id, Pattern: sig.pattern()}, true
			}
		}
	}
	return Match{}, false
}
