package handler

import (
	"payments-ledger/internal/adapter/http/middleware"
	"payments-ledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	AccountSvc     ports.AccountService
	TransferSvc    ports.TransferService
	TokenSvc       ports.TokenService
	Sessions       ports.SessionStore
	Cookie         CookieConfig
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	v1 := r.Group("/api/v1")

	accountHandler := NewAccountHandler(deps.AccountSvc, deps.Cookie)
	transferHandler := NewTransferHandler(deps.TransferSvc)

	// --- Public routes ---
	v1.POST("/accounts", accountHandler.CreateAccount)
	v1.POST("/sessions", accountHandler.Login)

	// --- Session-authenticated routes ---
	authed := v1.Group("", middleware.SessionAuth(deps.TokenSvc, deps.Sessions, deps.Cookie.Name, deps.Logger))
	{
		authed.DELETE("/sessions", accountHandler.Logout)
		authed.GET("/account", accountHandler.GetAccount)
		authed.GET("/balance", accountHandler.GetBalance)
		authed.GET("/transactions", accountHandler.ListTransactions)
		authed.POST("/transfers", transferHandler.Transfer)
	}

	return r
}
