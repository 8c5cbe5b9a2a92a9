package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type voteRequest struct {
	OptionID string `json:"option_id" binding:"required"`
}

// Vote 投票
// @Summary 对投票内容投票，重复投票替换原选项
// @Tags 投票
// @Accept json
// @Produce json
// @Param id path string true "内容ID"
// @Param request body voteRequest true "选项"
// @Success 200 {object} response.Response{data=service.VoteResult}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/subjects/{id}/poll/votes [post]
func (h *Handler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res, err := h.polls.Vote(c.Request.Context(), c.Param("id"), middleware.ViewerID(c), req.OptionID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, res)
}
