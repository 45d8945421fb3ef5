package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/fleetstate-backend/engine"
	"github.com/semanticallynull/fleetstate-backend/internal/middleware"
	"github.com/semanticallynull/fleetstate-backend/ledger"
)

// statusClientClosedRequest is nginx's status for a client that disconnected
// before the response was written.
const statusClientClosedRequest = 499

type errorResponse struct {
	Code    engine.Code `json:"code"`
	Message string      `json:"message"`
}

func statusOf(code engine.Code) int {
	switch code {
	case engine.CodeInvalidRequest:
		return http.StatusBadRequest
	case engine.CodeBikeNotFound, engine.CodeStationNotFound, engine.CodeNoActiveRental:
		return http.StatusNotFound
	case engine.CodeBikeNotAvailable, engine.CodeStationMismatch, engine.CodeRiderHasActiveRental,
		engine.CodeCapacityUnderflow, engine.CodeStationFull:
		return http.StatusConflict
	case engine.CodeBusy:
		return http.StatusServiceUnavailable
	case engine.CodeCanceled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// writeError reports err with its engine code. Internal details are logged,
// not returned.
func writeError(c *gin.Context, err error) {
	code := engine.CodeOf(err)
	status := statusOf(code)

	resp := errorResponse{Code: code, Message: err.Error()}
	switch code {
	case engine.CodeBusy:
		c.Header("Retry-After", "1")
		resp.Message = "the bike or station is busy, try again"
	case engine.CodeCanceled:
		middleware.GetLogger(c).InfoContext(c.Request.Context(), "client went away", "error", err)
	case engine.CodeInternal:
		middleware.GetLogger(c).ErrorContext(c.Request.Context(), "request failed", "error", err)
		resp.Message = "internal error"
	}
	c.JSON(status, resp)
}

// writeLookupError reports a failed read, mapping ledger.ErrNotFound to notFound.
func writeLookupError(c *gin.Context, err error, notFound error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(c, notFound)
		return
	}
	writeError(c, err)
}
