package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
)

const maxBodyBytes = 1 << 20 // 1 MiB; Service.JSONLimit overrides this when configured

func (s *Service) bodyLimit() int64 {
	if s.JSONLimit > 0 {
		return s.JSONLimit
	}
	return maxBodyBytes
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, protoerrors.Code(err), errorBody{Error: err.Error()})
}

func errUnauthorized(msg string) error {
	return protoerrors.NewUnauthorizedError(msg, nil)
}

func errRateLimited(msg string) error {
	return protoerrors.NewRateLimitedError(msg, nil)
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return protoerrors.NewValidationError("malformed request body", err)
	}
	return nil
}

// handleWellKnown serves the service descriptor: links, version, and the
// auth scheme a client must use for /v1/*.
func (s *Service) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"version": "v1",
		"auth":    map[string]string{"type": "apiKey", "header": "X-API-Key"},
		"links": map[string]string{
			"registry": "/v1/registry/{urn}",
			"resolve":  "/v1/resolve",
			"query":    "/v1/query",
			"health":   "/health",
		},
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}

	if s.Registry.DB != nil {
		records, err := s.Registry.DB.CountManifests(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		version, err := s.Registry.DB.SchemaVersion(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		status["registry"] = map[string]any{
			"driver":        "sqlite",
			"wal":           true,
			"schemaVersion": version,
			"records":       records,
		}
	}

	if s.RateLimiter != nil {
		status["rateLimit"] = map[string]any{"enabled": true}
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Service) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	urn := chi.URLParam(r, "urn")
	record, err := s.Registry.Get(r.Context(), urn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Service) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	urn := chi.URLParam(r, "urn")

	var req UpsertRequest
	if err := decodeBody(w, r, s.bodyLimit(), &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.Registry.Upsert(r.Context(), urn, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request) {
	urn := r.URL.Query().Get("urn")
	if urn == "" {
		writeError(w, protoerrors.NewValidationError("urn query parameter is required", nil))
		return
	}

	resolution, err := s.Registry.Resolve(urn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

type queryRequest struct {
	Capability string `json:"capability"`
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(w, r, s.bodyLimit(), &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Capability == "" {
		writeError(w, protoerrors.NewValidationError("capability is required", nil))
		return
	}

	urns := s.Registry.Query(req.Capability)
	writeJSON(w, http.StatusOK, map[string]any{"urns": urns})
}

func (s *Service) handleDependencies(w http.ResponseWriter, r *http.Request) {
	urn := chi.URLParam(r, "urn")
	start := time.Now()

	tree, err := s.Registry.Dependencies(urn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"urn":     urn,
		"tree":    tree,
		"took_ms": float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (s *Service) handleBuildOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.Registry.BuildOrder()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}
