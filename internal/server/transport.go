package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-opsgate/internal/httputil"
	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

// SessionAuthenticator verifies the caller credential on protocol requests.
type SessionAuthenticator interface {
	Authenticate(r *http.Request) (SessionPrincipal, error)
}

// protocolHandler serves the streamable protocol endpoint. One URL, three
// verbs: POST carries JSON-RPC messages, GET answers an identity probe,
// DELETE tears a session down.
type protocolHandler struct {
	engine   *Engine
	sessions *SessionStore
	authn    SessionAuthenticator
	version  string
	logger   zerolog.Logger
}

func registerProtocolRoutes(
	r chi.Router,
	engine *Engine,
	sessions *SessionStore,
	authn SessionAuthenticator,
	version string,
	logger zerolog.Logger,
) {
	h := &protocolHandler{
		engine:   engine,
		sessions: sessions,
		authn:    authn,
		version:  version,
		logger:   logger.With().Str("component", "transport").Logger(),
	}
	r.Post("/mcp/v1", h.handlePost)
	r.Get("/mcp/v1", h.handleGet)
	r.Delete("/mcp/v1", h.handleDelete)
}

func (h *protocolHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authn.Authenticate(r)
	if err != nil {
		authFailureResponse(w, r, err, h.logger)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.RespondProblem(w, r, http.StatusBadRequest, "reading request body failed")
		return
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		respondRPC(w, rpcErrorResponse(nil, types.RPCInvalidRequest, "batch requests are not supported"))
		return
	}

	var req types.RPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondRPC(w, rpcErrorResponse(nil, types.RPCParseError, "parse error: "+err.Error()))
		return
	}
	if req.JSONRPC != "2.0" {
		respondRPC(w, rpcErrorResponse(req.ID, types.RPCInvalidRequest, `jsonrpc must be "2.0"`))
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		respondRPC(w, rpcErrorResponse(req.ID, types.RPCInvalidRequest, "method is required"))
		return
	}

	// initialize without a session header opens a new session. With one, it
	// falls through to the session path where the engine rejects it: a
	// session initializes exactly once.
	sessionID := strings.TrimSpace(r.Header.Get(types.SessionIDHeader))
	if req.Method == "initialize" && sessionID == "" {
		if len(req.ID) == 0 {
			respondRPC(w, rpcErrorResponse(nil, types.RPCInvalidRequest, "initialize must be a request, not a notification"))
			return
		}
		sess, resp := h.engine.Initialize(req, principal)
		if resp.Error == nil {
			w.Header().Set(types.SessionIDHeader, sess.ID)
		}
		respondRPC(w, resp)
		return
	}

	if sessionID == "" {
		httputil.RespondProblemf(w, r, http.StatusBadRequest, "missing %s header", types.SessionIDHeader)
		return
	}
	sess, ok := h.sessions.Get(sessionID)
	if !ok {
		httputil.RespondProblem(w, r, http.StatusNotFound, "session not found")
		return
	}

	resp := h.engine.Handle(r.Context(), sess, principal, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	respondRPC(w, resp)
}

// handleGet answers an identity probe. The endpoint does not hold a
// response stream open, so the probe is the same with or without a session.
func (h *protocolHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authn.Authenticate(r); err != nil {
		authFailureResponse(w, r, err, h.logger)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, types.ProbeInfo{
		Name:    defaultServerName,
		Version: h.version,
		ProtocolVersions: []string{
			types.ProtocolVersion20241105,
			types.ProtocolVersion20250326,
		},
	})
}

func (h *protocolHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authn.Authenticate(r); err != nil {
		authFailureResponse(w, r, err, h.logger)
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(types.SessionIDHeader))
	if sessionID == "" {
		httputil.RespondProblemf(w, r, http.StatusBadRequest, "missing %s header", types.SessionIDHeader)
		return
	}
	if !h.sessions.Delete(sessionID) {
		httputil.RespondProblem(w, r, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Info().Str("session_id", sessionID).Msg("session terminated")
	w.WriteHeader(http.StatusNoContent)
}

func respondRPC(w http.ResponseWriter, resp *types.RPCResponse) {
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// authFailureResponse rejects an unauthenticated request. The outward
// response is the same for a missing and a wrong credential; the reason is
// only visible in the server log.
func authFailureResponse(w http.ResponseWriter, r *http.Request, err error, logger zerolog.Logger) {
	reason := "invalid bearer token"
	switch {
	case errors.Is(err, ErrGatewayTokenMissing):
		reason = "gateway token not configured"
	case errors.Is(err, ErrBearerTokenMissing):
		reason = "missing bearer token"
	}
	logger.Warn().
		Str("reason", reason).
		Str("path", r.URL.Path).
		Str("request_id", httputil.RequestIDFromContext(r.Context())).
		Msg("authentication failed")
	httputil.RespondProblem(w, r, http.StatusUnauthorized, "authentication required")
}
