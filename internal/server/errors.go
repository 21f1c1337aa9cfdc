package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/summary"
	"github.com/gin-gonic/gin"
)

type codedError interface {
	Code() string
}

// classifyError maps a service failure to an HTTP status and a stable client-facing reason.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, locks.ErrLockDenied):
		return http.StatusConflict, "lock_denied"
	case errors.Is(err, locks.ErrNotOwner):
		return http.StatusConflict, "lock_not_held"
	case errors.Is(err, summary.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	case errors.Is(err, sections.ErrSectionNotFound):
		return http.StatusConflict, "stale_summary"
	default:
		return http.StatusInternalServerError, "persistence_failure"
	}
}

func respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	body := gin.H{"ok": false, "error": reason}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(status, body)
}
