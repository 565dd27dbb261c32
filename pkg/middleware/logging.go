// Package middleware wires the security pipeline into net/http.
//
// This file implements the access log middleware:
//   - Correlation ID propagation (X-Request-ID header, generated when absent)
//   - Context-based request ID storage for the guard and handlers
//   - One zap line per request with status, size and duration
//
// Design Notes:
//   - Clients are logged by fingerprint, never by raw address
//   - The query string is not logged; it routinely carries tokens
//   - Log level: Info for success, Warn for 4xx, Error for 5xx
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pkg/utils"
)

type contextKey string

const (
	requestIDKey contextKey = "request-id"

	// RequestIDHeader carries the correlation ID in both directions.
	RequestIDHeader = "X-Request-ID"
)

// RequestLogger returns middleware that assigns a request ID and writes one
// structured access log line per request.
//
// Example usage:
//
//	r := mux.NewRouter()
//	r.Use(RequestLogger(logger))
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("access")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = generateRequestID()
			}
			r = r.WithContext(WithRequestID(r.Context(), requestID))
			w.Header().Set(RequestIDHeader, requestID)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			logRequest(logger, requestID, r, wrapped.statusCode, wrapped.bytesWritten, time.Since(start))
		})
	}
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromCtx retrieves the request ID from the context.
// Returns empty string if not found.
func RequestIDFromCtx(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

func generateRequestID() string {
	return uuid.New().String()
}

func logRequest(logger *zap.Logger, requestID string, r *http.Request, statusCode, bytesWritten int, duration time.Duration) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", utils.Redact(r.URL.Path)),
		zap.Int("status", statusCode),
		zap.Duration("duration", duration),
		zap.Int("bytes", bytesWritten),
		zap.String("client", utils.Fingerprint(utils.NormalizeIdentity(r.RemoteAddr))),
		zap.String("user_agent", utils.Redact(r.UserAgent())),
	}

	switch {
	case statusCode >= 500:
		logger.Error("request", fields...)
	case statusCode >= 400:
		logger.Warn("request", fields...)
	default:
		logger.Info("request", fields...)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher interface.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
