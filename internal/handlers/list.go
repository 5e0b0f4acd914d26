package handlers

import (
	"net/http"
	"strconv"

	"listshare/internal/auth"
	dom "listshare/internal/domain"
	"listshare/internal/dto"
	"listshare/internal/service"

	"github.com/gin-gonic/gin"
)

type ListHandler struct {
	svc *service.ListService
}

func NewListHandler(svc *service.ListService) *ListHandler {
	return &ListHandler{svc: svc}
}

// List godoc
// @Summary      List the lists visible to the current user
// @Tags         lists
// @Produce      json
// @Security     CookieAuth
// @Success      200  {object}  dto.ListListsResponse
// @Failure      500  {object}  dto.ErrorResponse
// @Router       /lists [get]
func (h *ListHandler) List(c *gin.Context) {
	lists, err := h.svc.Lists(c.Request.Context(), auth.UserIDFromContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListListsResponse{Lists: dto.FromLists(lists)})
}

// Create godoc
// @Summary      Create a list
// @Tags         lists
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        body  body      dto.CreateListRequest  true  "List"
// @Success      201   {object}  dto.ListResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Router       /lists [post]
func (h *ListHandler) Create(c *gin.Context) {
	var req dto.CreateListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.svc.Create(c.Request.Context(), auth.UserIDFromContext(c), req.Title)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromList(l))
}

// GetByID godoc
// @Summary      Get a list
// @Tags         lists
// @Produce      json
// @Security     CookieAuth
// @Param        id   path      string  true  "List ID"
// @Success      200  {object}  dto.ListResponse
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /lists/{id} [get]
func (h *ListHandler) GetByID(c *gin.Context) {
	l, err := h.svc.Get(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

// Update godoc
// @Summary      Rename a list
// @Tags         lists
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        id    path      string                 true  "List ID"
// @Param        body  body      dto.UpdateListRequest  true  "New title"
// @Success      200   {object}  dto.ListResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Failure      403   {object}  dto.ErrorResponse
// @Failure      404   {object}  dto.ErrorResponse
// @Failure      409   {object}  dto.ErrorResponse
// @Router       /lists/{id} [patch]
func (h *ListHandler) Update(c *gin.Context) {
	var req dto.UpdateListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.svc.Rename(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), req.Title, req.ExpectedVersion)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

// Delete godoc
// @Summary      Delete a list with its items (owner only)
// @Tags         lists
// @Security     CookieAuth
// @Param        id   path  string  true  "List ID"
// @Success      204
// @Failure      403  {object}  dto.ErrorResponse
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /lists/{id} [delete]
func (h *ListHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Share godoc
// @Summary      Share a list with a user (owner only)
// @Tags         lists
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        id    path      string                true  "List ID"
// @Param        body  body      dto.ShareListRequest  true  "Sharee"
// @Success      200   {object}  dto.ListResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Failure      403   {object}  dto.ErrorResponse
// @Router       /lists/{id}/share [post]
func (h *ListHandler) Share(c *gin.Context) {
	var req dto.ShareListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.svc.Share(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), req.UserID, dom.Permission(req.Permission))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

// Unshare godoc
// @Summary      Revoke a user's access, or leave a shared list
// @Tags         lists
// @Produce      json
// @Security     CookieAuth
// @Param        id      path      string  true  "List ID"
// @Param        userID  path      int     true  "User ID"
// @Success      200     {object}  dto.ListResponse
// @Failure      403     {object}  dto.ErrorResponse
// @Failure      404     {object}  dto.ErrorResponse
// @Router       /lists/{id}/share/{userID} [delete]
func (h *ListHandler) Unshare(c *gin.Context) {
	target, ok := parseUserID(c, "userID")
	if !ok {
		return
	}
	l, err := h.svc.Unshare(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), target)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

// AddItems godoc
// @Summary      Append items to a list
// @Tags         items
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        id    path      string               true  "List ID"
// @Param        body  body      dto.AddItemsRequest  true  "Item texts"
// @Success      201   {object}  dto.AddItemsResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Failure      403   {object}  dto.ErrorResponse
// @Router       /lists/{id}/items [post]
func (h *ListHandler) AddItems(c *gin.Context) {
	var req dto.AddItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, ids, err := h.svc.AddItems(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), req.Texts)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.AddItemsResponse{List: dto.FromList(l), ItemIDs: ids})
}

// UpdateItem godoc
// @Summary      Edit or toggle an item
// @Tags         items
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        id      path      string                 true  "List ID"
// @Param        itemID  path      string                 true  "Item ID"
// @Param        body    body      dto.UpdateItemRequest  true  "Partial update"
// @Success      200     {object}  dto.ListResponse
// @Failure      400     {object}  dto.ErrorResponse
// @Failure      404     {object}  dto.ErrorResponse
// @Failure      409     {object}  dto.ErrorResponse
// @Router       /lists/{id}/items/{itemID} [patch]
func (h *ListHandler) UpdateItem(c *gin.Context) {
	var req dto.UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch := dom.ItemPatch{Text: req.Text, Completed: req.Completed}
	l, err := h.svc.UpdateItem(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), c.Param("itemID"), patch, req.ExpectedVersion)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

// DeleteItem godoc
// @Summary      Delete an item
// @Tags         items
// @Produce      json
// @Security     CookieAuth
// @Param        id      path      string  true  "List ID"
// @Param        itemID  path      string  true  "Item ID"
// @Success      200     {object}  dto.ListResponse
// @Failure      404     {object}  dto.ErrorResponse
// @Router       /lists/{id}/items/{itemID} [delete]
func (h *ListHandler) DeleteItem(c *gin.Context) {
	l, err := h.svc.DeleteItem(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), c.Param("itemID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

// ReorderItems godoc
// @Summary      Reorder the items of a list
// @Tags         items
// @Accept       json
// @Produce      json
// @Security     CookieAuth
// @Param        id    path      string                   true  "List ID"
// @Param        body  body      dto.ReorderItemsRequest  true  "Every item id in the new order"
// @Success      200   {object}  dto.ListResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Router       /lists/{id}/items/order [put]
func (h *ListHandler) ReorderItems(c *gin.Context) {
	var req dto.ReorderItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.svc.ReorderItems(c.Request.Context(), auth.UserIDFromContext(c), c.Param("id"), req.ItemIDs)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromList(l))
}

func parseUserID(c *gin.Context, name string) (int64, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}
