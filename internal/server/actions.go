package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type actionKind string

const (
	actionCheckLock     actionKind = "check_lock"
	actionDeleteLock    actionKind = "delete_lock"
	actionUpdateSummary actionKind = "update_summary"
)

var errUnknownAction = errors.New("unknown action")

func parseAction(value string) (actionKind, error) {
	switch actionKind(strings.ToLower(strings.TrimSpace(value))) {
	case actionCheckLock:
		return actionCheckLock, nil
	case actionDeleteLock:
		return actionDeleteLock, nil
	case actionUpdateSummary:
		return actionUpdateSummary, nil
	default:
		return "", errUnknownAction
	}
}

type actionRequestPayload struct {
	Action       string          `json:"action"`
	CourseID     int64           `json:"course_id"`
	SectionsList json.RawMessage `json:"sections_list"`
}

// handleAction serves the editor's single-endpoint protocol. sections_list may be the
// section array itself or that array serialised into a JSON string.
func (h *httpHandler) handleAction(c *gin.Context) {
	var request actionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	action, err := parseAction(request.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unknown_action"})
		return
	}
	if request.CourseID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_course"})
		return
	}

	switch action {
	case actionCheckLock:
		h.checkLock(c, request.CourseID)
	case actionDeleteLock:
		h.deleteLock(c, request.CourseID)
	case actionUpdateSummary:
		sectionsJSON, err := unwrapSectionsList(request.SectionsList)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "malformed_payload"})
			return
		}
		h.updateSummary(c, request.CourseID, sectionsJSON)
	}
}

func unwrapSectionsList(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.New("sections_list is required")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		return []byte(encoded), nil
	}
	return []byte(trimmed), nil
}
