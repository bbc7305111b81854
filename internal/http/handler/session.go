package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"crossquery.app/conductor/internal/http/middleware"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/session"
)

type SessionHandler struct {
	sessions session.Store
}

func NewSessionHandler(sessions session.Store) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) List(c *gin.Context) {
	callerID := middleware.CallerID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.sessions.List(c.Request.Context(), callerID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandler) Get(c *gin.Context) {
	callerID := middleware.CallerID(c)
	sessionID := c.Param("session_id")

	sess, err := h.sessions.Get(c.Request.Context(), callerID, sessionID)
	if err != nil {
		if oerr.KindOf(err) == oerr.KindNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch session"})
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Delete(c *gin.Context) {
	callerID := middleware.CallerID(c)
	sessionID := c.Param("session_id")

	if err := h.sessions.Delete(c.Request.Context(), callerID, sessionID); err != nil {
		if oerr.KindOf(err) == oerr.KindNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": sessionID})
}
