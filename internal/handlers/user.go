package handlers

import (
	"net/http"

	"listshare/internal/auth"
	"listshare/internal/dto"
	"listshare/internal/service"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	svc *service.UserService
}

func NewUserHandler(svc *service.UserService) *UserHandler {
	return &UserHandler{svc: svc}
}

// Search godoc
// @Summary      Search users by username prefix
// @Tags         users
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        body  body      dto.SearchUsersRequest  true  "Query"
// @Success      200   {object}  dto.SearchUsersResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Router       /users/search [post]
func (h *UserHandler) Search(c *gin.Context) {
	var req dto.SearchUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	users, err := h.svc.Search(c.Request.Context(), auth.UserIDFromContext(c), req.Query)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := dto.SearchUsersResponse{Users: make([]dto.UserResponse, len(users))}
	for i, u := range users {
		out.Users[i] = dto.UserResponse{ID: u.ID, Username: u.Username}
	}
	c.JSON(http.StatusOK, out)
}
