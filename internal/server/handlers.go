package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/summary"
	"github.com/gin-gonic/gin"
)

type lockResponsePayload struct {
	Granted          bool   `json:"granted"`
	OwnerDisplayName string `json:"owner_display_name,omitempty"`
	Error            string `json:"error,omitempty"`
}

type updateRequestPayload struct {
	Sections json.RawMessage `json:"sections"`
}

type updateResponsePayload struct {
	OK      bool `json:"ok"`
	Created int  `json:"created"`
	Deleted int  `json:"deleted"`
}

func (h *httpHandler) handleGetSummary(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	current := 0
	if raw := c.Query("section"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_section"})
			return
		}
		current = parsed
	}

	tree, err := h.summary.GetSummary(c.Request.Context(), courseID, summary.TreeOptions{
		CurrentPosition: current,
		CanViewHidden:   sessionClaims(c).CanViewHiddenSections(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if tree == nil {
		tree = []summary.TreeNode{}
	}
	c.JSON(http.StatusOK, gin.H{"sections": tree})
}

func (h *httpHandler) handleOpenEditor(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	view, err := h.summary.OpenEditor(c.Request.Context(), courseID, c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleCheckLock(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	h.checkLock(c, courseID)
}

func (h *httpHandler) checkLock(c *gin.Context, courseID int64) {
	status, err := h.summary.CheckLock(c.Request.Context(), courseID, c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	response := lockResponsePayload{Granted: status.Granted, OwnerDisplayName: status.HolderDisplayName}
	if denied := status.Err(); denied != nil {
		_, response.Error = classifyError(denied)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteLock(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	h.deleteLock(c, courseID)
}

func (h *httpHandler) deleteLock(c *gin.Context, courseID int64) {
	if err := h.summary.DeleteLock(c.Request.Context(), courseID, c.GetString(userIDContextKey)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleUpdateSummary(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Sections) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "malformed_payload"})
		return
	}
	h.updateSummary(c, courseID, request.Sections)
}

func (h *httpHandler) updateSummary(c *gin.Context, courseID int64, sectionsJSON []byte) {
	result, err := h.summary.UpdateSummary(c.Request.Context(), courseID, c.GetString(userIDContextKey), sectionsJSON)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateResponsePayload{OK: true, Created: result.Created, Deleted: result.Deleted})
}

func (h *httpHandler) handleRemoveBlock(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	if err := h.summary.RemoveBlock(c.Request.Context(), courseID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
