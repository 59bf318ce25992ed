package handlers

import (
	"printer_link/internal/logger"
	"printer_link/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger) *Handler {
	return &Handler{services: services, log: logger.OrNop(log)}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", h.health)

	h.registerAuthRoutes(router)
	h.registerAPIRoutes(router)

	// Observers connect without a token, like the printer's own web UI.
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.userIdMiddleware)
	{
		h.registerPrinterRoutes(api)
		h.registerJobRoutes(api)
		h.registerFileRoutes(api)
		h.registerLogRoutes(api)
		api.GET("/observers", h.listObservers)
	}
}

func (h *Handler) registerPrinterRoutes(api *gin.RouterGroup) {
	printer := api.Group("/printer")
	{
		printer.GET("/state", h.getState)
		printer.GET("/ports", h.listPorts)
		// Body example: {"tool":"bed","target":60} or {"tool":0,"target":205}
		printer.POST("/temperature", h.setTemperature)
		printer.POST("/home", h.home)
		printer.POST("/move", h.move)
		printer.POST("/gcode", h.sendGcode)
		printer.POST("/position", h.requestPosition)
		printer.POST("/emergency_stop", h.emergencyStop)
		printer.POST("/reset", h.reset)
	}
}

func (h *Handler) registerJobRoutes(api *gin.RouterGroup) {
	jobs := api.Group("/jobs")
	{
		jobs.POST("", h.startJob)
		jobs.POST("/pause", h.pauseJob)
		jobs.POST("/resume", h.resumeJob)
		jobs.POST("/cancel", h.cancelJob)
		jobs.GET("/history", h.jobHistory)
	}
}

func (h *Handler) registerFileRoutes(api *gin.RouterGroup) {
	files := api.Group("/files")
	{
		files.GET("", h.listFiles)
		files.DELETE("", h.deleteFile)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
