package handlers

import (
	"log/slog"
	"time"

	"fieldops/internal/ledger"
	"fieldops/internal/models"
	"fieldops/internal/notify"
	"fieldops/internal/projects"
	"fieldops/internal/workflow"

	"gorm.io/gorm"
)

// TokenIssuer signs realtime access tokens.
type TokenIssuer interface {
	Issue(p models.Principal) (string, time.Time, error)
}

// Handler: тонкий HTTP-слой: разбор запроса, вызов ядра, JSON-ответ.
type Handler struct {
	DB       *gorm.DB
	Ledger   *ledger.Ledger
	Projects *projects.Coordinator
	Tasks    *workflow.Engine
	Notify   *notify.Dispatcher
	Tokens   TokenIssuer
	Log      *slog.Logger
}
