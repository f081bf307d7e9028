package httputil

import (
	"net/http"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

// HealthHandler returns the liveness handler. It performs no session or
// backend interaction.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ReadinessHandler returns a readiness handler backed by check.
func ReadinessHandler(check func() error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				RespondProblem(w, r, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

// VersionHandler serves build identification for the service.
func VersionHandler(name, version, commit, buildDate string) http.Handler {
	info := types.VersionInfo{
		Name:      name,
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		RespondJSON(w, http.StatusOK, info)
	})
}
