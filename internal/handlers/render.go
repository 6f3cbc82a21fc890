package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"fieldops/internal/apperr"
	"fieldops/internal/middleware"
	"fieldops/internal/models"

	"github.com/gin-gonic/gin"
)

// fail переводит ошибку ядра в HTTP-статус. Неклассифицированные ошибки
// наружу не отдаём, только в лог.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindIntegrity:
		h.Log.Error("integrity error", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}

	msg := err.Error()
	if apperr.KindOf(err) == "" {
		h.Log.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "kind": apperr.KindOf(err)})
}

func principal(c *gin.Context) models.Principal {
	p, _ := middleware.CurrentPrincipal(c)
	return p
}

func idParam(c *gin.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return uint(v), nil
}

// bind decodes the JSON body; an empty body is an error.
func bind(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.Validation("malformed request: %v", err)
	}
	return nil
}
