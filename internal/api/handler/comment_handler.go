package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type commentRequest struct {
	Body string `json:"body" binding:"required,max=4000"`
}

type pageQuery struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
}

// ListComments 评论分页，新评论在前
// @Summary 获取内容的评论
// @Tags 评论
// @Produce json
// @Param id path string true "内容ID"
// @Param cursor query string false "游标"
// @Param limit query int false "每页数量"
// @Success 200 {object} response.Response{data=feed.CommentPage}
// @Failure 400 {object} response.Response
// @Router /api/v1/subjects/{id}/comments [get]
func (h *Handler) ListComments(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	page, err := h.feed.Comments(c.Request.Context(), c.Param("id"), middleware.ViewerID(c), q.Cursor, q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, page)
}

// AddComment 发表评论
// @Summary 发表评论
// @Tags 评论
// @Accept json
// @Produce json
// @Param id path string true "内容ID"
// @Param request body commentRequest true "评论"
// @Success 201 {object} response.Response{data=model.Comment}
// @Failure 404 {object} response.Response
// @Router /api/v1/subjects/{id}/comments [post]
func (h *Handler) AddComment(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	cm, err := h.commentSvc.Add(c.Request.Context(), c.Param("id"), middleware.ViewerID(c), req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, cm)
}

// DeleteComment 删除评论（评论作者或内容作者）
// @Summary 删除评论
// @Tags 评论
// @Param id path string true "评论ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/comments/{id} [delete]
func (h *Handler) DeleteComment(c *gin.Context) {
	if err := h.commentSvc.Delete(c.Request.Context(), c.Param("id"), middleware.ViewerID(c)); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}
