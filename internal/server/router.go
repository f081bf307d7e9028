package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-opsgate/internal/config"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/httputil"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/store"
	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

// HTTPServer wraps opsgate HTTP routing state.
type HTTPServer struct {
	cfg      config.Config
	version  string
	commit   string
	build    string
	contract []byte
	engine   *Engine
	sessions *SessionStore
	authn    SessionAuthenticator
	store    store.Store
	logger   zerolog.Logger
}

// NewHTTPServer creates the HTTP transport server. st may be nil when audit
// persistence is not configured.
func NewHTTPServer(
	cfg config.Config,
	version, commit, buildDate string,
	contract []byte,
	engine *Engine,
	sessions *SessionStore,
	authn SessionAuthenticator,
	st store.Store,
	logger zerolog.Logger,
) *HTTPServer {
	return &HTTPServer{
		cfg:      cfg,
		version:  version,
		commit:   commit,
		build:    buildDate,
		contract: contract,
		engine:   engine,
		sessions: sessions,
		authn:    authn,
		store:    st,
		logger:   logger,
	}
}

// Router builds the opsgate HTTP router.
func (s *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(httputil.RequestID)
	r.Use(httputil.RequestLogger(s.logger))
	r.Use(httputil.Recoverer)
	r.Use(httputil.SecureHeaders)
	r.Use(httputil.BodyLimit(1 << 20))
	r.Use(httputil.ContentType)
	r.Use(httputil.APIVersion("mcp/v1"))
	r.Use(httputil.CacheControl)

	r.Method(http.MethodGet, "/health", httputil.HealthHandler())
	r.Method(http.MethodGet, "/ready", httputil.ReadinessHandler(s.readyCheck))
	r.Method(http.MethodGet, "/version", httputil.VersionHandler(defaultServerName, s.version, s.commit, s.build))

	r.Get("/api/tools.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.contract)
	})

	registerProtocolRoutes(r, s.engine, s.sessions, s.authn, s.version, s.logger)

	r.Route("/opsgate/v1", func(r chi.Router) {
		r.Get("/audit", s.handleListAuditEvents)
	})

	return r
}

// readyCheck reports backend readiness. Without an audit store there is no
// backend to check.
func (s *HTTPServer) readyCheck() error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.store.Ping(ctx)
}

func (s *HTTPServer) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authn.Authenticate(r); err != nil {
		authFailureResponse(w, r, err, s.logger)
		return
	}
	if s.store == nil {
		httputil.RespondProblem(w, r, http.StatusServiceUnavailable, "audit persistence is not configured")
		return
	}

	limit := parseQueryInt(r, "limit", 100)
	offset := parseQueryInt(r, "offset", 0)
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing audit events failed")
		httputil.RespondProblem(w, r, http.StatusInternalServerError, "listing audit events failed")
		return
	}

	items := make([]types.Resource[types.AuditEvent], 0, len(events))
	for _, event := range events {
		items = append(items, types.Resource[types.AuditEvent]{
			Kind:       "AuditEvent",
			APIVersion: "opsgate/v1",
			Metadata:   types.Metadata{ID: event.ID, CreatedAt: event.Time},
			Spec:       event,
		})
	}
	httputil.RespondJSON(w, http.StatusOK, types.ResourceList[types.AuditEvent]{
		Kind:       "AuditEventList",
		APIVersion: "opsgate/v1",
		Metadata:   types.ListMetadata{Total: total, Limit: limit, Offset: offset},
		Items:      items,
	})
}

func parseQueryInt(r *http.Request, key string, defaultVal int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return parsed
}
