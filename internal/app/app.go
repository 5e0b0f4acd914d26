package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"listshare/internal/config"
	"listshare/internal/repo"
	"listshare/migrations"

	"github.com/felixge/httpsnoop"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	db     *pgxpool.Pool
	redis  *redis.Client
	router *gin.Engine
	deps   *deps

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}

	db, err := newPostgres(cfg.PG.DSN)
	if err != nil {
		return nil, err
	}
	a.db = db

	rdb, err := newRedis(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.redis = rdb

	if err := runMigrations(cfg.PG.DSN, cfg.PG.MigrationsDir); err != nil {
		a.redis.Close()
		a.db.Close()
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	a.log = logger
	a.deps = buildDeps(cfg, a.db, a.redis, logger)
	a.router = newRouter(cfg, a.deps)
	a.startEvents()
	return a, nil
}

// Build assembles an App over the given repositories and Redis client.
// The caller owns rdb; Close does not close it.
func Build(cfg config.Config, users repo.UserRepo, lists repo.ListRepo, rdb *redis.Client, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log}
	a.deps = wire(cfg, users, lists, rdb, log)
	a.router = newRouter(cfg, a.deps)
	a.startEvents()
	return a
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// Handler is the router wrapped in an access log.
func (a *App) Handler() http.Handler {
	return accessLog(a.router, a.log)
}

func accessLog(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Info("handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
		)
	})
}

// startEvents forwards list events from Redis to the websocket hub until Close.
func (a *App) startEvents() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			err := a.deps.bus.Run(ctx, a.deps.hub.Dispatch)
			if ctx.Err() != nil {
				return
			}
			log.Printf("list events subscription ended: %v; retrying", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.deps != nil {
		a.deps.hub.Close()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}

func newPostgres(dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	return pool, nil
}

func newRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, nil
}

// runMigrations applies the embedded migrations, or the ones in dir when set.
func runMigrations(dsn string, dir string) error {
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("goose open db: %w", err)
	}
	defer db.Close()

	if dir == "" {
		goose.SetBaseFS(migrations.FS)
		defer goose.SetBaseFS(nil)
		dir = "."
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func newRouter(cfg config.Config, d *deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins(cfg.WS.Origins()),
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Cookie"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type"},
		AllowCredentials: len(cfg.WS.Origins()) > 0,
		MaxAge:           12 * time.Hour,
	}))

	Setup(r, cfg, d)
	return r
}

func corsOrigins(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	return allowed
}
