package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type publishRequest struct {
	Body            string         `json:"body" binding:"max=10000"`
	GroupID         string         `json:"group_id"`
	CompanyID       string         `json:"company_id"`
	SharedSubjectID string         `json:"shared_subject_id"`
	Payload         *model.Payload `json:"payload"`
}

type editRequest struct {
	Body string `json:"body" binding:"required,max=10000"`
}

type reactRequest struct {
	ReactionType model.ReactionType `json:"reaction_type" binding:"required,reaction"`
}

type reactResponse struct {
	reaction.Result
	Tally reaction.Tally `json:"tally"`
}

// Publish 发布内容
// @Summary 发布内容（帖子、分享、投票、想法、活动）
// @Tags 内容
// @Accept json
// @Produce json
// @Param request body publishRequest true "内容"
// @Success 201 {object} response.Response{data=model.Subject}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/subjects [post]
func (h *Handler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	s, err := h.publisher.Publish(c.Request.Context(), service.PublishInput{
		AuthorID:        middleware.ViewerID(c),
		Body:            req.Body,
		GroupID:         req.GroupID,
		CompanyID:       req.CompanyID,
		SharedSubjectID: req.SharedSubjectID,
		Payload:         req.Payload,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, s)
}

// EditSubject 修改正文
// @Summary 修改内容正文
// @Tags 内容
// @Accept json
// @Produce json
// @Param id path string true "内容ID"
// @Param request body editRequest true "正文"
// @Success 200 {object} response.Response{data=model.Subject}
// @Failure 403 {object} response.Response
// @Router /api/v1/subjects/{id} [patch]
func (h *Handler) EditSubject(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	s, err := h.publisher.Edit(c.Request.Context(), c.Param("id"), middleware.ViewerID(c), req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, s)
}

// DeleteSubject 删除内容
// @Summary 删除内容
// @Tags 内容
// @Param id path string true "内容ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/subjects/{id} [delete]
func (h *Handler) DeleteSubject(c *gin.Context) {
	if err := h.publisher.Delete(c.Request.Context(), c.Param("id"), middleware.ViewerID(c)); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// ReactSubject 切换对内容的反应
// @Summary 切换反应：同类型再次提交即取消，不同类型则替换
// @Tags 反应
// @Accept json
// @Produce json
// @Param id path string true "内容ID"
// @Param request body reactRequest true "反应类型"
// @Success 200 {object} response.Response{data=reactResponse}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/v1/subjects/{id}/reactions [post]
func (h *Handler) ReactSubject(c *gin.Context) {
	h.react(c, reaction.Subjects, c.Param("id"))
}

// ReactComment 切换对评论的反应
// @Summary 切换评论反应
// @Tags 反应
// @Accept json
// @Produce json
// @Param id path string true "评论ID"
// @Param request body reactRequest true "反应类型"
// @Success 200 {object} response.Response{data=reactResponse}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/comments/{id}/reactions [post]
func (h *Handler) ReactComment(c *gin.Context) {
	h.react(c, reaction.Comments, c.Param("id"))
}

func (h *Handler) react(c *gin.Context, t reaction.Target, targetID string) {
	var req reactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	res, err := h.ledger.React(ctx, t, targetID, middleware.ViewerID(c), req.ReactionType)
	if err != nil {
		fail(c, err)
		return
	}
	tallies, err := h.ledger.Aggregate(ctx, t, []string{targetID})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, reactResponse{Result: res, Tally: tallies[targetID]})
}
