package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/o-tero/requestguard/audit"
	"github.com/o-tero/requestguard/monitoring"
	"github.com/o-tero/requestguard/pipeline"
	"github.com/o-tero/requestguard/pkg/config"
	"github.com/o-tero/requestguard/pkg/middleware"
	"github.com/o-tero/requestguard/pkg/models"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

type server struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
	audit    *audit.Log
	registry *prometheus.Registry
	logger   *zap.Logger
}

func newServer(cfg config.Config, p *pipeline.Pipeline, auditLog *audit.Log, logger *zap.Logger) (*server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(monitoring.NewCollector(p)); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return &server{
		cfg:      cfg,
		pipeline: p,
		audit:    auditLog,
		registry: reg,
		logger:   logger.Named("server"),
	}, nil
}

// routes builds the router. /metrics and /admin are served unguarded and
// are expected to be reachable only from the operator network; every other
// path passes the guard before reaching the upstream.
func (s *server) routes() (http.Handler, error) {
	upstream, err := s.upstream()
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.logger))
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	admin.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	admin.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	admin.HandleFunc("/events/stats", s.handleEventStats).Methods(http.MethodGet)
	admin.HandleFunc("/unblock/{identity:.+}", s.handleUnblock).Methods(http.MethodPost)
	admin.HandleFunc("/signatures/reload", s.handleReload).Methods(http.MethodPost)

	app := r.PathPrefix("/").Subrouter()
	app.Use(middleware.Guard(s.pipeline, middleware.GuardConfig{
		TrustedProxies: s.cfg.Server.ParsedProxies(),
		AuthPaths:      s.cfg.Server.AuthPaths,
		MaxBodyBytes:   s.cfg.Server.MaxBodyBytes,
		Logger:         s.logger,
	}))
	app.PathPrefix("/").Handler(upstream)

	return r, nil
}

func (s *server) upstream() (http.Handler, error) {
	if s.cfg.Server.Upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status":     "ok",
				"request_id": middleware.RequestIDFromCtx(r.Context()),
			})
		}), nil
	}
	u, err := url.Parse(s.cfg.Server.Upstream)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("upstream request failed",
			zap.String("request_id", middleware.RequestIDFromCtx(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}
	return proxy, nil
}

// runAuditRetention drops audit entries older than the retention window on
// every sweep tick until ctx is done.
func (s *server) runAuditRetention(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Pipeline.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.audit.Cleanup(now, s.cfg.Server.AuditRetention); n > 0 {
				s.logger.Debug("audit entries expired", zap.Int("removed", n))
			}
		}
	}
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.pipeline.Health()
	status := http.StatusOK
	if h.Status == monitoring.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.pipeline.Alerts()
	if alerts == nil {
		alerts = []monitoring.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var entries []audit.Entry
	if id := q.Get("request_id"); id != "" {
		entries = s.audit.GetByRequestID(id)
	} else {
		limit, err := intParam(q.Get("limit"), defaultEventLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		offset, err := intParam(q.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		entries = s.audit.GetRecent(min(limit, maxEventLimit), offset, models.EventType(q.Get("type")))
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"total":  s.audit.GetCount(models.EventType(q.Get("type"))),
	})
}

func (s *server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.audit.GetStats(time.Now().Add(-window)))
}

func (s *server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	unblocked, err := s.pipeline.Unblock(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("unblock requested",
		zap.String("request_id", middleware.RequestIDFromCtx(r.Context())),
		zap.Bool("unblocked", unblocked))
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "unblocked": unblocked})
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Pipeline.SignatureFile
	if path == "" {
		writeError(w, http.StatusConflict, "no signature file configured")
		return
	}
	version, err := s.pipeline.ReloadSignatures(r.Context(), path)
	switch {
	case errors.Is(err, pipeline.ErrCustomClassifier):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("signature reload failed", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "signature reload failed")
	default:
		writeJSON(w, http.StatusOK, map[string]int{"version": version})
	}
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
