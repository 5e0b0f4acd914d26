package app

import (
	"log/slog"
	"net/http"

	"listshare/internal/auth"
	"listshare/internal/cache"
	"listshare/internal/config"
	"listshare/internal/events"
	"listshare/internal/handlers"
	"listshare/internal/hub"
	"listshare/internal/repo"
	"listshare/internal/service"

	_ "listshare/docs"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/swaggo/swag"
)

// deps is the wired object graph behind the router.
type deps struct {
	sessions *auth.Store
	users    *service.UserService
	lists    *service.ListService
	bus      *events.Bus
	hub      *hub.Hub
}

func buildDeps(cfg config.Config, db *pgxpool.Pool, rdb *redis.Client, log *slog.Logger) *deps {
	return wire(cfg, repo.NewPGUserRepo(db), repo.NewPGListRepo(db), rdb, log)
}

// wire builds the services on top of any repo implementation.
func wire(cfg config.Config, userRepo repo.UserRepo, listRepo repo.ListRepo, rdb *redis.Client, log *slog.Logger) *deps {
	bus := events.NewBus(rdb, cfg.Redis.EventsChannel, log.With("component", "events"))
	lists := service.NewListService(listRepo, userRepo, cache.NewListCache(rdb, cfg.Redis.DefaultTTL.Duration()), bus, log.With("component", "lists"))
	return &deps{
		sessions: auth.NewStore(rdb, cfg.Session.TTL.Duration()),
		users:    service.NewUserService(userRepo),
		lists:    lists,
		bus:      bus,
		hub: hub.New(lists, hub.Options{
			AllowedOrigins: cfg.WS.Origins(),
			PingInterval:   cfg.WS.PingInterval.Duration(),
			SendBuffer:     cfg.WS.SendBuffer,
		}, log.With("component", "hub")),
	}
}

// Setup registers all routes on the given engine.
func Setup(r *gin.Engine, cfg config.Config, d *deps) {
	r.GET("/", rootHandler(cfg))
	r.GET("/health", healthHandler(cfg))
	r.GET("/version", versionHandler(cfg))
	r.GET("/swagger-doc.json", swaggerDocHandler())
	r.GET("/swagger", func(c *gin.Context) { c.Redirect(http.StatusFound, "/swagger/index.html") })
	r.GET("/swagger/*any", ginSwagger.WrapHandler(
		swaggerFiles.Handler,
		ginSwagger.URL("/swagger-doc.json"),
		ginSwagger.DefaultModelsExpandDepth(-1),
		ginSwagger.PersistAuthorization(true),
	))

	api := r.Group("/api/v1")

	authHandler := handlers.NewAuthHandler(d.sessions, d.users, cfg.Session.Secure)
	registerAuthRoutes(api, authHandler)

	protected := api.Group("", auth.RequireSession(d.sessions))
	protected.GET("/auth/me", authHandler.Me)
	protected.POST("/auth/change-password", authHandler.ChangePassword)
	registerListRoutes(protected, handlers.NewListHandler(d.lists))
	protected.POST("/users/search", handlers.NewUserHandler(d.users).Search)
	protected.GET("/ws", d.hub.Serve)
}

func rootHandler(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "Shared Lists API",
			"version": cfg.App.Version,
			"env":     cfg.App.Env,
			"docs":    "/swagger/index.html",
			"spec":    "/swagger-doc.json",
			"health":  "/health",
			"api":     "/api/v1",
			"ws":      "/api/v1/ws",
		})
	}
}

func healthHandler(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "env": cfg.App.Env})
	}
}

func versionHandler(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": cfg.App.Version})
	}
}

func swaggerDocHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := swag.ReadDoc("swagger")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(doc))
	}
}

func registerListRoutes(api *gin.RouterGroup, h *handlers.ListHandler) {
	api.GET("/lists", h.List)
	api.POST("/lists", h.Create)
	api.GET("/lists/:id", h.GetByID)
	api.PATCH("/lists/:id", h.Update)
	api.DELETE("/lists/:id", h.Delete)
	api.POST("/lists/:id/share", h.Share)
	api.DELETE("/lists/:id/share/:userID", h.Unshare)
	api.POST("/lists/:id/items", h.AddItems)
	api.PUT("/lists/:id/items/order", h.ReorderItems)
	api.PATCH("/lists/:id/items/:itemID", h.UpdateItem)
	api.DELETE("/lists/:id/items/:itemID", h.DeleteItem)
}

func registerAuthRoutes(api *gin.RouterGroup, h *handlers.AuthHandler) {
	api.POST("/auth/login", h.Login)
	api.POST("/auth/register", h.Register)
	api.POST("/auth/logout", h.Logout)
}
