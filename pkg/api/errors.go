package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jrepp/botfleet/pkg/fleet"
)

// codeInternal is reported for errors that carry no fleet code.
const codeInternal fleet.ErrorCode = "INTERNAL"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code       fleet.ErrorCode `json:"code"`
	Message    string          `json:"message"`
	Suggestion string          `json:"suggestion,omitempty"`
	Current    *int            `json:"current,omitempty"`
	Max        *int            `json:"max,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code fleet.ErrorCode) int {
	switch code {
	case fleet.ErrorCodeNotFound:
		return http.StatusNotFound
	case fleet.ErrorCodeCredentialMissing:
		return http.StatusConflict
	case fleet.ErrorCodeQuotaExceeded:
		return http.StatusForbidden
	case fleet.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case fleet.ErrorCodeStartFailed, fleet.ErrorCodeAdapterTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Supervisor and storage failures get a generic
// message; their details go to the log only.
func (s *Server) writeError(c *gin.Context, err error) {
	code := fleet.CodeOf(err)
	status := statusFor(code)

	resp := ErrorResponse{
		Code:      code,
		RequestID: c.GetString(requestIDKey),
	}
	var fe *fleet.Error
	switch code {
	case fleet.ErrorCodeStartFailed:
		resp.Message = "The worker could not be started"
		resp.Suggestion = fleet.GetSuggestion(err)
	case fleet.ErrorCodeAdapterTimeout:
		resp.Message = "The process supervisor did not respond in time"
	case fleet.ErrorCodeStoreError:
		resp.Message = "Internal error"
	case "":
		resp.Code = codeInternal
		resp.Message = "Internal error"
	default:
		if errors.As(err, &fe) {
			resp.Message = fe.Message
			resp.Suggestion = fe.Suggestion
		}
	}
	if current, max, ok := fleet.QuotaDetails(err); ok {
		resp.Current = &current
		resp.Max = &max
	}

	if status >= 500 {
		s.log.Error("request failed",
			"path", c.FullPath(),
			"request_id", resp.RequestID,
			"error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(field, reason string) error {
	return fleet.InvalidArgument(field, reason)
}
