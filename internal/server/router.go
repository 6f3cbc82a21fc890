package server

import (
	"net/http"

	"fieldops/internal/config"
	"fieldops/internal/handlers"
	"fieldops/internal/middleware"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter собирает HTTP-поверхность. ws: обработчик GET /ws.
func NewRouter(cfg *config.Config, h *handlers.Handler, ws gin.HandlerFunc) *gin.Engine {
	r := gin.Default()

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode, MaxAge: 86400 * 7})
	r.Use(sessions.Sessions("fieldops_session", store))

	r.Use(middleware.InjectPrincipal(h.DB))

	// AUTH
	r.POST("/login", h.Login)
	r.POST("/logout", h.Logout)

	// REALTIME: токен проверяет сам обработчик
	r.GET("/ws", ws)

	// HEALTHCHECK / METRICS
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/")
	auth.Use(middleware.RequireAuth())

	auth.GET("/me", h.Me)
	auth.POST("/realtime/token", h.RealtimeToken)

	// СКЛАД
	auth.GET("/products", h.ListProducts)
	auth.POST("/products", h.CreateProduct)
	auth.GET("/products/:id", h.GetProduct)
	auth.PUT("/products/:id", h.UpdateProduct)
	auth.DELETE("/products/:id", h.DeleteProduct)
	auth.POST("/products/:id/restock", h.RestockProduct)

	// ПРОЕКТЫ
	auth.GET("/projects", h.ListProjects)
	auth.POST("/projects", h.CreateProject)
	auth.GET("/projects/:id", h.GetProject)
	auth.PUT("/projects/:id", h.UpdateProject)
	auth.DELETE("/projects/:id", h.DeleteProject)
	auth.GET("/projects/:id/tasks", h.ListProjectTasks)
	auth.POST("/projects/:id/tasks", h.CreateTask)

	// ЗАДАЧИ
	auth.GET("/tasks/:id", h.GetTask)
	auth.PUT("/tasks/:id", h.UpdateTask)
	auth.DELETE("/tasks/:id", h.DeleteTask)
	auth.PATCH("/tasks/:id/position", h.MoveTask)
	auth.PUT("/tasks/:id/assignee", h.AssignTask)
	auth.POST("/tasks/:id/attachments", h.AddAttachments)
	auth.DELETE("/tasks/:id/attachments/:fileId", h.RemoveAttachment)
	auth.POST("/tasks/:id/evidence", h.AddEvidence)
	auth.DELETE("/tasks/:id/evidence/:fileId", h.RemoveEvidence)
	auth.POST("/tasks/:id/comments", h.AddComment)
	auth.POST("/tasks/:id/messages", h.AddPrivateMessage)
	auth.GET("/tasks/:id/history", h.TaskHistory)

	// УВЕДОМЛЕНИЯ
	auth.GET("/notifications", h.ListNotifications)
	auth.GET("/notifications/unread-count", h.UnreadCount)
	auth.PATCH("/notifications/read-all", h.MarkAllNotificationsRead)
	auth.PATCH("/notifications/:id/read", h.MarkNotificationRead)
	auth.DELETE("/notifications/:id", h.DeleteNotification)

	// АУДИТ
	auth.GET("/audit", h.ListAuditLogs)

	return r
}
