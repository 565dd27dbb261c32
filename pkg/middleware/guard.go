package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pipeline"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/utils"
)

// DefaultMaxBodyBytes bounds how much of a request body the guard buffers
// for inspection. The handler still receives the full body.
const DefaultMaxBodyBytes = 1 << 20

// Evaluator is the part of the pipeline the guard needs.
type Evaluator interface {
	Evaluate(ctx context.Context, req pipeline.Request) models.Decision
	ReportOutcome(ctx context.Context, clientAddr string, success bool) models.Decision
}

// GuardConfig configures Guard.
type GuardConfig struct {
	// TrustedProxies whose forwarding headers are honoured. Nil trusts none.
	TrustedProxies *utils.TrustedProxies
	// AuthPaths are path patterns (see utils.MatchPattern) whose response
	// status is reported back as an authentication outcome.
	AuthPaths    []string
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Guard returns middleware that evaluates every request before it reaches
// next. Denied requests get a JSON body naming only the reason code.
//
// Example usage:
//
//	r := mux.NewRouter()
//	r.Use(RequestLogger(logger), Guard(p, GuardConfig{AuthPaths: []string{"/login"}}))
func Guard(p Evaluator, cfg GuardConfig) func(http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("guard")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := utils.ClientAddress(r, cfg.TrustedProxies)

			body, err := peekBody(r, cfg.MaxBodyBytes)
			if err != nil {
				logger.Debug("request body read failed", zap.Error(err))
			}

			requestID := RequestIDFromCtx(r.Context())
			if requestID == "" {
				requestID = r.Header.Get(RequestIDHeader)
			}

			d := p.Evaluate(r.Context(), pipeline.Request{
				ClientAddr: addr,
				RequestID:  requestID,
				Method:     r.Method,
				Path:       r.URL.RequestURI(),
				Headers:    r.Header,
				Body:       body,
			})
			if !d.Allowed {
				WriteDenied(w, d)
				return
			}

			if !utils.MatchAny(cfg.AuthPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)
			switch {
			case rw.statusCode == http.StatusUnauthorized, rw.statusCode == http.StatusForbidden:
				p.ReportOutcome(r.Context(), addr, false)
			case rw.statusCode >= 200 && rw.statusCode < 300:
				p.ReportOutcome(r.Context(), addr, true)
			}
		})
	}
}

// WriteDenied renders a deny decision: 503 for a fail-closed system error,
// 403 otherwise, with Retry-After in whole seconds when set.
func WriteDenied(w http.ResponseWriter, d models.Decision) {
	status := http.StatusForbidden
	if d.Reason == models.ReasonSystemError {
		status = http.StatusServiceUnavailable
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.AccessDenied(d.Reason))
}

func retrySeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// peekBody reads up to limit bytes of the body for inspection and restores
// r.Body so the handler sees the full stream.
func peekBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	return buf, err
}
