package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/explorer"
)

const (
	codeUnauthorized         = "unauthorized"
	codeMethodNotAllowed     = "method_not_allowed"
	codeInvalidQuery         = "invalid_query"
	codeInvalidBody          = "invalid_body"
	codeAuditReasonRequired  = "audit_reason_required"
	codeRateLimited          = "rate_limited"
	codeNotFound             = "not_found"
	codeEntityNotFound       = "entity_not_found"
	codePartialFailure       = "partial_failure"
	codeInvalidTarget        = "invalid_target"
	codeSessionRequired      = "session_required"
	codeTransportUnavailable = "transport_unavailable"
	codeTransportFailure     = "transport_failure"
	codeCanceled             = "canceled"
	codeActivityUnavailable  = "activity_unavailable"
)

// OperationError pins an explicit status and code on an error while keeping
// the wrapped error reachable for errors.Is.
type OperationError struct {
	base   error
	status int
	code   string
	detail string
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}
	base := ""
	if e.base != nil {
		base = strings.TrimSpace(e.base.Error())
	}
	detail := strings.TrimSpace(e.detail)
	if base == "" {
		return detail
	}
	if detail == "" {
		return base
	}
	return base + ": " + detail
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.base
}

func NewOperationError(base error, status int, code, detail string) error {
	if base == nil {
		base = errors.New("operation failed")
	}
	return &OperationError{
		base:   base,
		status: status,
		code:   strings.TrimSpace(code),
		detail: strings.TrimSpace(detail),
	}
}

func ExtractOperationError(err error) (status int, code, detail string, ok bool) {
	var typed *OperationError
	if !errors.As(err, &typed) || typed == nil {
		return 0, "", "", false
	}
	return typed.status, typed.code, strings.TrimSpace(typed.detail), true
}

// classifyError maps an explorer or broker error onto an HTTP status and a
// stable code. Unknown errors are transport failures.
func classifyError(err error) (int, string) {
	if status, code, _, ok := ExtractOperationError(err); ok {
		return status, code
	}
	switch {
	case errors.Is(err, explorer.ErrMessageNotFound):
		return http.StatusNotFound, codeNotFound
	case explorer.IsPartialFailure(err):
		return http.StatusBadGateway, codePartialFailure
	case explorer.IsInvalidTarget(err):
		return http.StatusBadRequest, codeInvalidTarget
	case errors.Is(err, broker.ErrEntityNotFound):
		return http.StatusNotFound, codeEntityNotFound
	case errors.Is(err, broker.ErrTopicNotReceivable):
		return http.StatusBadRequest, codeInvalidTarget
	case errors.Is(err, broker.ErrSessionRequired):
		return http.StatusConflict, codeSessionRequired
	case errors.Is(err, broker.ErrTransportUnavailable):
		return http.StatusServiceUnavailable, codeTransportUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, codeCanceled
	default:
		return http.StatusBadGateway, codeTransportFailure
	}
}
