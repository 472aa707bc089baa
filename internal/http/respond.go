package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/freelance-dispatch/internal/models"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

var errUnauthenticated = errors.New("missing or unknown actor")

const maxBody = 1 << 20

// decode reads exactly one JSON object into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.Invalid("invalid request body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return models.Invalid("request body must only contain a single JSON object")
	}
	return s.validate.Struct(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status by domain kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindPolicy:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: models.CodeOf(err)}

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		resp.Error, resp.Code = "validation failed", "validation"
		resp.Details = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Details[fe.Field()] = fmt.Sprintf("failed on '%s'", fe.Tag())
		}
	case errors.Is(err, errUnauthenticated):
		resp.Code = "unauthenticated"
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		if models.KindOf(err) != models.KindIntegrity {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}
