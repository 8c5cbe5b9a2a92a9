package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type resolveRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

type messageRequest struct {
	Body string `json:"body" binding:"required,max=4000"`
}

// ResolveChannel 获取或创建与对方的私聊频道
// @Summary 解析私聊频道；peer_id 为公共频道时返回公共频道
// @Tags 频道
// @Accept json
// @Produce json
// @Param request body resolveRequest true "对方"
// @Success 200 {object} response.Response{data=map[string]string}
// @Failure 400 {object} response.Response
// @Router /api/v1/channels/resolve [post]
func (h *Handler) ResolveChannel(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	id, err := h.resolver.ResolveOrCreate(c.Request.Context(), middleware.ViewerID(c), req.PeerID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"channel_id": id})
}

// ListMessages 频道历史消息
// @Summary 频道消息历史
// @Tags 频道
// @Produce json
// @Param id path string true "频道ID"
// @Param cursor query string false "游标"
// @Param limit query int false "每页数量"
// @Success 200 {object} response.Response{data=service.MessagePage}
// @Failure 403 {object} response.Response
// @Router /api/v1/channels/{id}/messages [get]
func (h *Handler) ListMessages(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	page, err := h.channels.History(c.Request.Context(), c.Param("id"), middleware.ViewerID(c), q.Cursor, q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, page)
}

// SendMessage 发送消息
// @Summary 发送频道消息
// @Tags 频道
// @Accept json
// @Produce json
// @Param id path string true "频道ID"
// @Param request body messageRequest true "消息"
// @Success 201 {object} response.Response{data=model.Message}
// @Failure 403 {object} response.Response
// @Router /api/v1/channels/{id}/messages [post]
func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	m, err := h.channels.Send(c.Request.Context(), c.Param("id"), middleware.ViewerID(c), req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, m)
}
