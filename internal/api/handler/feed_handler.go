package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type feedQuery struct {
	AuthorID  string `form:"author_id"`
	GroupID   string `form:"group_id"`
	CompanyID string `form:"company_id"`
	Following bool   `form:"following"`
	Cursor    string `form:"cursor"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=100"`
}

// Feed 信息流分页
// @Summary 获取信息流（未登录返回预览页）
// @Tags 信息流
// @Produce json
// @Param author_id query string false "作者"
// @Param group_id query string false "群组"
// @Param company_id query string false "公司"
// @Param following query bool false "只看关注的人"
// @Param cursor query string false "上一页返回的 next_cursor"
// @Param limit query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=feed.Page}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/feed [get]
func (h *Handler) Feed(c *gin.Context) {
	var q feedQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	page, err := h.feed.Feed(c.Request.Context(), feed.Query{
		ViewerID:  middleware.ViewerID(c),
		AuthorID:  q.AuthorID,
		GroupID:   q.GroupID,
		CompanyID: q.CompanyID,
		Following: q.Following,
		Cursor:    q.Cursor,
		Limit:     q.Limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, page)
}
