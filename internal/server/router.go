package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aerosol/internal/handler"
	"aerosol/internal/hub"
	"aerosol/internal/middleware"
	"aerosol/internal/service"
)

type Deps struct {
	Auth   *service.AuthService
	Vault  *service.VaultService
	Logger *zap.Logger

	// RegistrationLimiter throttles the unauthenticated credential
	// endpoints. A default of 10 requests per minute per peer is used when
	// nil.
	RegistrationLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	limiter := deps.RegistrationLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(10, time.Minute)
	}
	limited := middleware.RateLimitMiddleware(limiter)
	requireAccess := middleware.RequireAccess(deps.Auth, false)

	authHandler := &handler.AuthHandler{Auth: deps.Auth}
	r.POST("/registrationToken", limited, authHandler.RegistrationToken)
	r.POST("/user", limited, authHandler.Register)
	r.GET("/user", authHandler.Renew)
	r.DELETE("/user", requireAccess, authHandler.Revoke)

	protected := r.Group("/")
	protected.Use(requireAccess)

	fileHandler := &handler.FileHandler{Vault: deps.Vault}
	protected.GET("/file", fileHandler.Get)
	protected.PUT("/file", fileHandler.Put)
	protected.DELETE("/file", fileHandler.Delete)
	protected.PATCH("/file", fileHandler.Rename)

	checksumHandler := &handler.ChecksumHandler{Vault: deps.Vault}
	protected.GET("/checksum", checksumHandler.Checksum)
	protected.GET("/checksums", checksumHandler.Checksums)

	wsHub := hub.New(logger)
	deps.Vault.OnChange(wsHub.PublishChange)
	wsHandler := &handler.WebSocketHandler{Hub: wsHub, Vault: deps.Vault, Logger: logger}
	r.GET("/ws", middleware.RequireAccess(deps.Auth, true), wsHandler.Serve)

	return r
}
