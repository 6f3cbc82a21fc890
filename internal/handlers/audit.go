package handlers

import (
	"net/http"
	"strconv"

	"fieldops/internal/database"
	"fieldops/internal/policy"

	"github.com/gin-gonic/gin"
)

// ListAuditLogs: журнал изменений товаров и проектов, только для админа.
func (h *Handler) ListAuditLogs(c *gin.Context) {
	if err := policy.Check(policy.AuditView, principal(c), false); err != nil {
		h.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := database.ListAuditLogs(h.DB.WithContext(c.Request.Context()), c.Query("entity"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": logs})
}
