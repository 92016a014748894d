package server

import (
	"errors"
	"net/http"

	gojson "github.com/goccy/go-json"

	"github.com/digital-atlas/hazquery/internal/geofilter"
	"github.com/digital-atlas/hazquery/internal/model"
	"github.com/digital-atlas/hazquery/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = gojson.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps validation and lookup failures onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case geofilter.IsValidation(err),
		errors.Is(err, model.ErrScenarioTimeframe),
		errors.Is(err, registry.ErrNoMatch),
		errors.Is(err, registry.ErrAmbiguous):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrDomainNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	return gojson.NewDecoder(r.Body).Decode(dst)
}
