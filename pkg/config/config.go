// Package config loads the requestguard service configuration.
//
// Sources, later ones overriding earlier ones:
//  1. Default()
//  2. The YAML file named by GUARD_CONFIG_FILE, if set
//  3. GUARD_* environment variables
//
// Durations are Go duration strings ("60s", "15m") in both YAML and env.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/o-tero/requestguard/pipeline"
	"github.com/o-tero/requestguard/pkg/utils"
)

// ErrInvalidValue wraps every configuration error.
var ErrInvalidValue = errors.New("invalid config value")

// FileEnv names the variable holding the optional YAML file path.
const FileEnv = "GUARD_CONFIG_FILE"

// Server configures the HTTP front and the audit trail.
type Server struct {
	Addr string `yaml:"addr"`
	// Upstream is the URL guarded traffic is proxied to. Empty serves a
	// built-in status handler.
	Upstream string `yaml:"upstream"`

	TrustedProxies  []string      `yaml:"trusted_proxies"`
	AuthPaths       []string      `yaml:"auth_paths"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AuditCapacity   int           `yaml:"audit_capacity"`
	AuditRetention  time.Duration `yaml:"audit_retention"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config is the full service configuration.
type Config struct {
	Server   Server          `yaml:"server"`
	Pipeline pipeline.Config `yaml:"pipeline"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			AuthPaths:       []string{"/login", "/auth/*"},
			MaxBodyBytes:    1 << 20,
			AuditCapacity:   10000,
			AuditRetention:  24 * time.Hour,
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline: pipeline.DefaultConfig(),
	}
}

// Load builds the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds the configuration using lookup for environment access.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup(FileEnv); ok && strings.TrimSpace(path) != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidValue, path, err)
	}
	return nil
}

type setter func(c *Config, v string) error

// overrides maps every supported environment variable to what it sets.
var overrides = map[string]setter{
	"GUARD_ADDR":             func(c *Config, v string) error { c.Server.Addr = v; return nil },
	"GUARD_UPSTREAM":         func(c *Config, v string) error { c.Server.Upstream = v; return nil },
	"GUARD_LOG_LEVEL":        func(c *Config, v string) error { c.Server.LogLevel = v; return nil },
	"GUARD_TRUSTED_PROXIES":  func(c *Config, v string) error { c.Server.TrustedProxies = splitList(v); return nil },
	"GUARD_AUTH_PATHS":       func(c *Config, v string) error { c.Server.AuthPaths = splitList(v); return nil },
	"GUARD_AUDIT_CAPACITY":   intVar(func(c *Config) *int { return &c.Server.AuditCapacity }),
	"GUARD_AUDIT_RETENTION":  durVar(func(c *Config) *time.Duration { return &c.Server.AuditRetention }),
	"GUARD_SHUTDOWN_TIMEOUT": durVar(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout }),
	"GUARD_MAX_BODY_BYTES": func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		c.Server.MaxBodyBytes = n
		return err
	},

	"GUARD_FAIL_POLICY":    func(c *Config, v string) error { c.Pipeline.FailPolicy = pipeline.FailPolicy(v); return nil },
	"GUARD_SIGNATURE_FILE": func(c *Config, v string) error { c.Pipeline.SignatureFile = v; return nil },

	"GUARD_RATE_LIMIT_MAX":    intVar(func(c *Config) *int { return &c.Pipeline.Limiter.RateLimit.Threshold }),
	"GUARD_RATE_LIMIT_WINDOW": durVar(func(c *Config) *time.Duration { return &c.Pipeline.Limiter.RateLimit.Window }),
	"GUARD_RATE_LIMIT_BLOCK":  durVar(func(c *Config) *time.Duration { return &c.Pipeline.Limiter.RateLimit.Block }),
	"GUARD_BURST_MAX": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Pipeline.Limiter.Burst.Threshold = n
		c.Pipeline.Limiter.BurstMaxEntries = max(c.Pipeline.Limiter.BurstMaxEntries, n)
		return err
	},
	"GUARD_BURST_WINDOW":   durVar(func(c *Config) *time.Duration { return &c.Pipeline.Limiter.Burst.Window }),
	"GUARD_BURST_BLOCK":    durVar(func(c *Config) *time.Duration { return &c.Pipeline.Limiter.Burst.Block }),
	"GUARD_FAILURE_MAX":    intVar(func(c *Config) *int { return &c.Pipeline.Limiter.Failure.Threshold }),
	"GUARD_FAILURE_WINDOW": durVar(func(c *Config) *time.Duration { return &c.Pipeline.Limiter.Failure.Window }),
	"GUARD_FAILURE_BLOCK":  durVar(func(c *Config) *time.Duration { return &c.Pipeline.Limiter.Failure.Block }),

	"GUARD_TRUST_BLOCK_THRESHOLD": intVar(func(c *Config) *int { return &c.Pipeline.TrustBlockThreshold }),
	"GUARD_TRUST_WARN_THRESHOLD":  intVar(func(c *Config) *int { return &c.Pipeline.TrustWarnThreshold }),
	"GUARD_SCORER_THRESHOLD": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Pipeline.ScorerThreshold = f
		return err
	},

	"GUARD_MAX_CLIENTS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Pipeline.Correlator.MaxClients = n
		c.Pipeline.Profiler.MaxClients = n
		c.Pipeline.Limiter.MaxClients = n
		return err
	},
	"GUARD_LIMITER_MAX_CLIENTS": intVar(func(c *Config) *int { return &c.Pipeline.Limiter.MaxClients }),
	"GUARD_BURST_MAX_ENTRIES":   intVar(func(c *Config) *int { return &c.Pipeline.Limiter.BurstMaxEntries }),

	"GUARD_SEQUENCE_WINDOW":              durVar(func(c *Config) *time.Duration { return &c.Pipeline.Correlator.Window }),
	"GUARD_SEQUENCE_MAX_CLIENTS":         intVar(func(c *Config) *int { return &c.Pipeline.Correlator.MaxClients }),
	"GUARD_SEQUENCE_MAX_FRAGMENTS":       intVar(func(c *Config) *int { return &c.Pipeline.Correlator.MaxFragments }),
	"GUARD_SEQUENCE_MAX_FRAGMENT_LENGTH": intVar(func(c *Config) *int { return &c.Pipeline.Correlator.MaxFragmentLength }),

	"GUARD_PROFILE_TTL":             durVar(func(c *Config) *time.Duration { return &c.Pipeline.Profiler.TTL }),
	"GUARD_PROFILE_MAX_CLIENTS":     intVar(func(c *Config) *int { return &c.Pipeline.Profiler.MaxClients }),
	"GUARD_PROFILE_MAX_ENDPOINTS":   intVar(func(c *Config) *int { return &c.Pipeline.Profiler.MaxEndpoints }),
	"GUARD_PROFILE_MAX_AGENTS":      intVar(func(c *Config) *int { return &c.Pipeline.Profiler.MaxAgents }),
	"GUARD_PROFILE_RECENT_REQUESTS": intVar(func(c *Config) *int { return &c.Pipeline.Profiler.RecentRequests }),

	"GUARD_NORMALIZER_MAX_BODY":       intVar(func(c *Config) *int { return &c.Pipeline.Normalizer.MaxBody }),
	"GUARD_NORMALIZER_MAX_URL":        intVar(func(c *Config) *int { return &c.Pipeline.Normalizer.MaxURL }),
	"GUARD_NORMALIZER_MAX_HEADERS":    intVar(func(c *Config) *int { return &c.Pipeline.Normalizer.MaxHeaders }),
	"GUARD_NORMALIZER_MAX_COMBINED":   intVar(func(c *Config) *int { return &c.Pipeline.Normalizer.MaxCombined }),
	"GUARD_NORMALIZER_MAX_PASSES":     intVar(func(c *Config) *int { return &c.Pipeline.Normalizer.MaxPasses }),
	"GUARD_NORMALIZER_MAX_HEX_LENGTH": intVar(func(c *Config) *int { return &c.Pipeline.Normalizer.MaxHexLength }),
	"GUARD_NORMALIZER_HEADERS": func(c *Config, v string) error {
		c.Pipeline.Normalizer.Headers = splitList(v)
		return nil
	},

	"GUARD_SWEEP_INTERVAL": durVar(func(c *Config) *time.Duration { return &c.Pipeline.SweepInterval }),
}

// shared overrides set several stores at once and are applied before the
// per-store keys so the narrower key wins.
var shared = map[string]bool{
	"GUARD_MAX_CLIENTS": true,
	"GUARD_BURST_MAX":   true,
}

func intVar(field func(*Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		*field(c) = n
		return err
	}
}

func durVar(field func(*Config) *time.Duration) setter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		*field(c) = d
		return err
	}
}

// ApplyEnv applies every set GUARD_* override: shared keys first, then the
// rest, each group in name order.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if shared[names[i]] != shared[names[j]] {
			return shared[names[i]]
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if err := overrides[name](cfg, v); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, name, v, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the server section and the pipeline configuration.
func (c Config) Validate() error {
	s := c.Server
	switch {
	case strings.TrimSpace(s.Addr) == "":
		return fmt.Errorf("%w: server addr is empty", ErrInvalidValue)
	case s.AuditCapacity <= 0 || s.AuditRetention <= 0:
		return fmt.Errorf("%w: audit capacity and retention must be positive", ErrInvalidValue)
	case s.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: max body bytes must be positive", ErrInvalidValue)
	case s.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidValue)
	}
	if s.Upstream != "" {
		if u, err := url.Parse(s.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: upstream %q is not an absolute URL", ErrInvalidValue, s.Upstream)
		}
	}
	if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalidValue, err)
	}
	if _, invalid := utils.ParseTrustedProxies(s.TrustedProxies); len(invalid) > 0 {
		return fmt.Errorf("%w: trusted proxies %v", ErrInvalidValue, invalid)
	}
	for _, p := range s.AuthPaths {
		if _, err := utils.MatchPattern(p, "/"); err != nil {
			return fmt.Errorf("%w: auth path %q: %v", ErrInvalidValue, p, err)
		}
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// ParsedProxies parses the configured proxy list. Call after Validate.
func (s Server) ParsedProxies() *utils.TrustedProxies {
	tp, _ := utils.ParseTrustedProxies(s.TrustedProxies)
	return tp
}

// NewLogger builds the production JSON logger at the configured level.
func (s Server) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %v", ErrInvalidValue, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
