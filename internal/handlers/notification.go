package handlers

import (
	"net/http"
	"strconv"

	"fieldops/internal/apperr"
	"fieldops/internal/notify"

	"github.com/gin-gonic/gin"
)

// ListNotifications: GET /notifications?page=&limit=&read=true|false
func (h *Handler) ListNotifications(c *gin.Context) {
	q := notify.Query{}
	q.Page, _ = strconv.Atoi(c.Query("page"))
	q.Limit, _ = strconv.Atoi(c.Query("limit"))
	if v := c.Query("read"); v != "" {
		read, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(c, apperr.Validation("read must be true or false"))
			return
		}
		q.Read = &read
	}
	page, err := h.Notify.GetUserNotifications(c.Request.Context(), principal(c).ID, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.Notify.GetUnreadCount(c.Request.Context(), principal(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	n, err := h.Notify.MarkAsRead(c.Request.Context(), id, principal(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	n, err := h.Notify.MarkAllAsRead(c.Request.Context(), principal(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": n})
}

func (h *Handler) DeleteNotification(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Notify.Delete(c.Request.Context(), id, principal(c).ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
