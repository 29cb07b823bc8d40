package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"

	"github.com/coinnation/kontext-sub005/internal/core"
)

const problemContentType = "application/problem+json"

// Problem types.
const (
	problemValidation  = "validation_error"
	problemNotFound    = "not_found"
	problemConflict    = "conflict"
	problemUnavailable = "unavailable"
	problemInternal    = "internal_error"
)

// writeProblem sends an RFC 7807 body.
func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(problemType).
		WithDetail(detail)

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		s.logger.Error("failed to encode problem", "error", err)
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	s.writeProblem(w, r, http.StatusBadRequest, problemValidation, detail)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request, detail string) {
	s.writeProblem(w, r, http.StatusNotFound, problemNotFound, detail)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	s.writeProblem(w, r, http.StatusInternalServerError, problemInternal, "internal error")
}

// writeDomainError maps a DomainError onto a status and problem type. Start
// rejections use their code as the problem type so clients can tell them
// apart.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		s.internalError(w, r, err)
		return
	}
	status, problemType := httpStatusForDomainError(domErr)
	s.writeProblem(w, r, status, problemType, domErr.Message)
}

func httpStatusForDomainError(domErr *core.DomainError) (int, string) {
	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusBadRequest, problemValidation
	case core.ErrCatRejection:
		return http.StatusConflict, strings.ToLower(domErr.Code)
	case core.ErrCatNotFound:
		return http.StatusNotFound, problemNotFound
	case core.ErrCatState:
		return http.StatusServiceUnavailable, problemUnavailable
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout, strings.ToLower(domErr.Code)
	default:
		return http.StatusInternalServerError, problemInternal
	}
}

// validationDetail renders validator errors as "field: rule" pairs.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
