// Package utils provides helpers shared by the pipeline stages: client identity
// normalization, PII redaction for log events, and path pattern matching.
//
// This file implements path pattern matching used for auth-path and exempt-path
// configuration:
//   - Exact match: "/login" matches only "/login"
//   - Prefix match: "/api/auth/*" matches "/api/auth/token", "/api/auth/x/y"
//   - Simple wildcard: "/users/*/password" matches "/users/42/password"
//
// Design Notes:
//   - Prefix matching is the fast path and needs no regex
//   - Other globs compile to anchored regexes held in a bounded LRU cache, so
//     an unbounded set of patterns cannot grow memory
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/o-tero/requestguard/pkg/cache"
)

const (
	regexCacheCapacity = 256
	regexCacheTTL      = 24 * time.Hour
)

var regexCache = mustRegexCache()

func mustRegexCache() *cache.BoundedCache[string, *regexp.Regexp] {
	c, err := cache.New[string, *regexp.Regexp]("pattern_regex", regexCacheCapacity, regexCacheTTL)
	if err != nil {
		panic(err)
	}
	return c
}

// MatchPattern checks if path matches the glob pattern.
func MatchPattern(pattern, path string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}
	if pattern == path || pattern == "*" {
		return true, nil
	}
	if strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?") {
		return strings.HasPrefix(path, pattern[:len(pattern)-1]), nil
	}
	if !strings.ContainsAny(pattern, "*?") {
		return false, nil
	}

	expr := globToRegex(pattern)
	re, ok := regexCache.Get(expr)
	if !ok {
		var err error
		re, err = regexp.Compile("^" + expr + "$")
		if err != nil {
			return false, fmt.Errorf("invalid pattern regex: %w", err)
		}
		regexCache.Set(expr, re)
	}
	return re.MatchString(path), nil
}

// MatchAny reports whether path matches any of patterns. Invalid patterns never match.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, err := MatchPattern(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// globToRegex converts a simple glob pattern to regex.
//   - * = any characters
//   - ? = a single character
//   - other regex metacharacters are escaped
func globToRegex(pattern string) string {
	var result strings.Builder
	result.Grow(len(pattern) * 2)

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			result.WriteByte('\\')
			result.WriteByte(ch)
		default:
			result.WriteByte(ch)
		}
	}
	return result.String()
}

// RegexCacheSize returns the number of cached compiled patterns.
func RegexCacheSize() int {
	return regexCache.Size()
}

// ClearRegexCache drops all compiled patterns.
func ClearRegexCache() {
	regexCache.Clear()
}
