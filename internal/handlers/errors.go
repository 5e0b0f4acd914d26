package handlers

import (
	"errors"
	"net/http"

	"listshare/internal/service"

	"github.com/gin-gonic/gin"
)

// writeServiceError maps service sentinels to HTTP statuses. Unknown errors
// are reported as 500 without leaking details.
func writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, service.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrVersionConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrShareWithOwner),
		errors.Is(err, service.ErrUserNotFound):
		status, msg = http.StatusBadRequest, err.Error()
	default:
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}
