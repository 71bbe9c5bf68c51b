// Package server is the HTTP boundary of the semantic layer: it
// authenticates requests, resolves the SecurityContext and dispatches into
// the compile, cache and storage pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/internal/authn"
	"github.com/semlayer/semlayer/pkg/authcontext"
	"github.com/semlayer/semlayer/pkg/cache"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/logger"
	"github.com/semlayer/semlayer/pkg/schema"
	serverErrors "github.com/semlayer/semlayer/pkg/server/errors"
	"github.com/semlayer/semlayer/pkg/storage"

	"github.com/gorilla/mux"
)

const (
	// TenantHeader names the tenant a request acts for. The authenticator
	// verifies the credential actually authorizes it.
	TenantHeader = "X-Semlayer-Tenant"

	// RequestIDHeader is set on every response.
	RequestIDHeader = "X-Request-Id"
)

// AdminRole is required for schema reloads.
const AdminRole = "admin"

type Server struct {
	logger        logger.Logger
	authenticator authn.Authenticator

	registry *schema.Registry
	compiler *compile.Compiler
	cache    *cache.Manager
	router   *storage.Router

	schemaDir      string
	requestTimeout time.Duration
	defaultPolicy  cache.Policy
	metricsEnabled bool
	corsOrigins    []string
	corsHeaders    []string
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithAuthenticator(a authn.Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

func WithSchemaDir(dir string) Option {
	return func(s *Server) { s.schemaDir = dir }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

func WithDefaultCachePolicy(p cache.Policy) Option {
	return func(s *Server) { s.defaultPolicy = p }
}

func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metricsEnabled = enabled }
}

func WithCORS(origins, headers []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
		s.corsHeaders = headers
	}
}

func New(registry *schema.Registry, compiler *compile.Compiler, cacheManager *cache.Manager, router *storage.Router, opts ...Option) *Server {
	s := &Server{
		registry:       registry,
		compiler:       compiler,
		cache:          cacheManager,
		router:         router,
		authenticator:  authn.NoopAuthenticator{},
		requestTimeout: 30 * time.Second,
		defaultPolicy:  cache.Policy{TTL: 30 * time.Second},
		corsOrigins:    []string{"*"},
		corsHeaders:    []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewNoopLogger()
	}
	return s
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.recoveryMiddleware, s.loggingMiddleware)

	r.HandleFunc("/v1/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/v1/schema/reload", s.handleSchemaReload).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedHeaders: append([]string{"Authorization", TenantHeader}, s.corsHeaders...),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

// queryResponse is the wire shape of a successful query.
type queryResponse struct {
	Data []map[string]any `json:"data"`
	Meta queryMeta        `json:"meta"`
}

type queryMeta struct {
	Fingerprint     string `json:"fingerprint"`
	ServedFromCache bool   `json:"servedFromCache"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	sctx, err := s.authenticate(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ctx = authcontext.ContextWith(ctx, sctx)

	var q compile.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeError(ctx, w, fmt.Errorf("%w: malformed request body", compile.ErrInvalidQuery))
		return
	}

	dialect, err := s.router.DialectFor(sctx.TenantID())
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	stmt, err := s.compiler.Compile(ctx, q, sctx, dialect)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	policy := s.cachePolicyFor(stmt.Cube)
	key := cache.Key{TenantID: sctx.TenantID(), Fingerprint: stmt.Fingerprint}
	rows, served, err := s.cache.GetOrCompute(ctx, key, policy, func(computeCtx context.Context) (*storage.ResultSet, error) {
		return s.router.Execute(computeCtx, sctx, stmt)
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, queryResponse{
		Data: shapeRows(stmt, rows),
		Meta: queryMeta{Fingerprint: stmt.Fingerprint, ServedFromCache: served},
	})
}

func (s *Server) handleSchemaReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sctx, err := s.authenticate(ctx, r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	if !sctx.HasRole(AdminRole) {
		s.writeError(ctx, w, serverErrors.ErrForbidden)
		return
	}

	if err := s.registry.LoadDir(s.schemaDir); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	// Results compiled against the previous schema are no longer valid.
	s.cache.Clear()

	s.writeJSON(w, http.StatusOK, map[string]string{"schemaVersion": s.registry.Version()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IsReady reports whether the server can accept traffic.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	if err := s.router.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) authenticate(ctx context.Context, r *http.Request) (*authcontext.SecurityContext, error) {
	credential := ""
	if h := r.Header.Get("Authorization"); h != "" {
		credential = strings.TrimPrefix(h, "Bearer ")
		if credential == h {
			return nil, authn.ErrMissingBearerToken
		}
	}
	return s.authenticator.Authenticate(ctx, credential, r.Header.Get(TenantHeader))
}

func (s *Server) cachePolicyFor(cubeName string) cache.Policy {
	cube, err := s.registry.GetCube(cubeName)
	if err != nil || cube.Cache == nil {
		return s.defaultPolicy
	}
	return cache.Policy{
		TTL:                  cube.Cache.TTL,
		StaleWhileRevalidate: cube.Cache.StaleWhileRevalidate,
	}
}

// shapeRows converts the normalized result set back into member-keyed JSON
// objects using the statement's alias mapping.
func shapeRows(stmt *compile.CompiledStatement, rows *storage.ResultSet) []map[string]any {
	memberFor := make(map[string]string, len(stmt.Columns))
	for _, col := range stmt.Columns {
		memberFor[col.Alias] = col.Member
	}

	data := make([]map[string]any, 0, len(rows.Rows))
	for _, row := range rows.Rows {
		obj := make(map[string]any, len(row))
		for i, col := range rows.Columns {
			name := col
			if member, ok := memberFor[col]; ok {
				name = member
			}
			obj[name] = row[i]
		}
		data = append(data, obj)
	}
	return data
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	// A caller deadline can surface as the raw context error.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = context.DeadlineExceeded
	}

	encoded := serverErrors.Encode(err)
	if encoded.SecurityViolation {
		s.logger.ErrorWithContext(ctx, "tenant isolation violation rejected", zap.Error(err))
	} else {
		s.logger.InfoWithContext(ctx, "request failed", zap.String("code", string(encoded.Code)), zap.Error(err))
	}

	s.writeJSON(w, encoded.HTTPStatus, errorResponse{
		Error: errorBody{Code: string(encoded.Code), Message: encoded.Message},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("writing response", zap.Error(err))
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				s.writeJSON(w, http.StatusInternalServerError, errorResponse{
					Error: errorBody{Code: string(serverErrors.CodeInternalError), Message: "internal server error"},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
