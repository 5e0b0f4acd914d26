package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SessionCookieName is the cookie carrying the session ID.
const SessionCookieName = "session_id"

const (
	contextKeyUserID    = "user_id"
	contextKeySessionID = "session_id"
)

// UserIDFromContext returns the user set by RequireSession, or 0.
func UserIDFromContext(c *gin.Context) int64 {
	return c.GetInt64(contextKeyUserID)
}

// SessionIDFromContext returns the session that authenticated the request.
func SessionIDFromContext(c *gin.Context) string {
	return c.GetString(contextKeySessionID)
}

// RequireSession rejects requests without a live session cookie with 401.
// Websocket upgrades pass through the same check, so /ws needs a session too.
func RequireSession(sessions *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(SessionCookieName)
		if err != nil || sessionID == "" {
			unauthorized(c)
			return
		}
		userID, ok := sessions.GetUserID(c.Request.Context(), sessionID)
		if !ok {
			unauthorized(c)
			return
		}
		c.Set(contextKeyUserID, userID)
		c.Set(contextKeySessionID, sessionID)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
}
