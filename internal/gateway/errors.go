package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/basket/crewdesk/internal/apperr"
)

type errorBody struct {
	Code     apperr.Code       `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor maps an error code onto the HTTP status the API reports.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case codeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition, apperr.CodeAlreadyTerminal, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeStorage, apperr.CodeAuditWriteFailed:
		return http.StatusServiceUnavailable
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeExecutorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: apperr.CodeUnknown, Message: "internal error"}
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		body.Code = apperr.CodeValidation
		body.Message = "request body too large"
	default:
		if ae, ok := apperr.From(err); ok {
			body.Code = ae.Code()
			body.Message = ae.Message()
			body.Metadata = ae.Metadata()
		}
	}
	status := statusFor(body.Code)
	if body.Code == apperr.CodeRateLimited {
		if d := apperr.RetryAfterOf(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, apperr.New(apperr.CodeValidation, msg))
}
