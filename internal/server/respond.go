package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/collab"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/schema"
)

// Response is the success envelope.
type Response struct {
	Success   bool           `json:"success"`
	RequestID string         `json:"requestId,omitempty"`
	Status    model.Status   `json:"status,omitempty"`
	Provider  model.Provider `json:"provider,omitempty"`
	CacheHit  bool           `json:"cacheHit,omitempty"`
	Result    any            `json:"result,omitempty"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success   bool             `json:"success"`
	RequestID string           `json:"requestId,omitempty"`
	Error     *errordefs.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeSuccess writes a 200 envelope around result.
func writeSuccess(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Result: result})
}

// writeError maps err to its client form and writes the failure envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeFailure(w, r, "", err)
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	e := classify(err).WithCorrelation(CorrelationID(r.Context()))
	if rec := recorderOf(w); rec != nil {
		rec.err = err
	}
	if e.Code == errordefs.MMG_INTERNAL {
		s.log.ErrorContext(r.Context(), "internal error", "error", err, "path", r.URL.Path, "correlation_id", e.CorrelationID)
	}
	writeJSON(w, e.HTTPStatus, ErrorResponse{Success: false, RequestID: requestID, Error: e})
}

// classify converts component errors into client errors. Anything it does
// not recognise becomes a generic internal error.
func classify(err error) *errordefs.Error {
	if e, ok := errordefs.As(err); ok {
		return e
	}
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		return errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "payload failed validation", "", verr.Fields)
	case errors.Is(err, schema.ErrUnknownOperation):
		return errordefs.New(errordefs.MMG_NOT_FOUND, "unknown operation", "")
	case errors.Is(err, registry.ErrNotFound):
		return errordefs.New(errordefs.MMG_NOT_FOUND, "operation not found", "")
	case errors.Is(err, assets.ErrNotFound):
		return errordefs.New(errordefs.MMG_NOT_FOUND, "asset not found", "")
	case errors.Is(err, collab.ErrTokenInvalid), errors.Is(err, collab.ErrTokenInUse), errors.Is(err, collab.ErrNoCredentials):
		return errordefs.New(errordefs.MMG_AUTHN, err.Error(), "")
	case errors.Is(err, collab.ErrSessionRequired):
		return errordefs.New(errordefs.MMG_VALIDATION, err.Error(), "")
	default:
		return errordefs.Wrap(errordefs.MMG_INTERNAL, "internal server error", err)
	}
}
