// Package server exposes the engine hooks over HTTP for hosts that cannot
// link the engine in-process.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/logger"
)

// MaxRequestBodyBytes caps hook request bodies.
const MaxRequestBodyBytes = 1 << 20

type Server struct {
	engine *rls.Engine
	log    logger.Logger
}

// New returns the hook router. A nil log discards output.
func New(engine *rls.Engine, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNullLogger()
	}
	s := &Server{engine: engine, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(limitRequestBody)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/extend-context", s.extendContext)
		r.Post("/query-rewrite", s.queryRewrite)
		r.Post("/context-to-app-id", s.contextToAppID)
		r.Post("/masked", s.masked)
		r.Get("/explain/{identity}", s.explain)
	})
	return r
}

type queryRewriteRequest struct {
	Query           *rls.Query           `json:"query"`
	SecurityContext *rls.SecurityContext `json:"securityContext"`
}

type appIDRequest struct {
	SecurityContext *rls.SecurityContext `json:"securityContext"`
}

type maskedRequest struct {
	SQL             string               `json:"sql"`
	SecurityContext *rls.SecurityContext `json:"securityContext"`
}

func (s *Server) extendContext(w http.ResponseWriter, r *http.Request) {
	var req rls.Request
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ExtendContext(&req))
}

func (s *Server) queryRewrite(w http.ResponseWriter, r *http.Request) {
	var req queryRewriteRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RewriteQuery(req.Query, req.SecurityContext))
}

func (s *Server) contextToAppID(w http.ResponseWriter, r *http.Request) {
	var req appIDRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"app_id": s.engine.ContextToAppID(req.SecurityContext)})
}

func (s *Server) masked(w http.ResponseWriter, r *http.Request) {
	var req maskedRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sql": s.engine.Masked(req.SQL, req.SecurityContext)})
}

func (s *Server) explain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Explain(rls.Identity(chi.URLParam(r, "identity"))))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("hook request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
