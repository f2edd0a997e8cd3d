// Package server exposes the research engine over HTTP: JWT-authenticated
// session endpoints and a replayable Server-Sent-Events stream per session.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/notes"
	"github.com/codemilestones/Fairy/internal/research"
	"github.com/codemilestones/Fairy/internal/runtime"
	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

// Run wires the full service from config and serves until the listener
// stops: store (with migrations), capabilities, engine, handlers, retention.
func Run(cfg *config.Config) error {
	e := newEcho(cfg)
	ctx := context.Background()

	if cfg.Storage.Driver == "postgres" {
		if err := store.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
			log.Printf("[HTTP] migrate up: %v (continuing, schema may already be current)", err)
		}
	}
	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	reasoner, err := capability.NewReasoner(cfg.Reasoning)
	if err != nil {
		return err
	}
	searcher, err := capability.NewSearcher(cfg.Search)
	if err != nil {
		return err
	}
	var fetcher *capability.PageFetcher
	if cfg.Search.FetchPages {
		fetcher = capability.NewPageFetcher(cfg.Search.Timeout, cfg.Search.FetchMaxChars)
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr, err)
		}
	}

	hub := event.NewHub()
	registry := session.NewRegistry()
	catalog := notes.NewCatalog(st)
	engine, err := research.NewEngine(research.Params{
		Config:   cfg,
		Store:    st,
		Hub:      hub,
		Registry: registry,
		Reasoner: reasoner,
		Searcher: searcher,
		Fetcher:  fetcher,
		Selector: catalog,
		Redis:    rdb,
		Meter:    otel.Meter("fairy/engine"),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret, TokenTTL: cfg.Auth.TokenTTL}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(runtime.EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
	})

	sh := &SessionsHandler{Store: st, Pipeline: engine, Catalog: catalog}
	sh.Register(api.Group("/sessions"), secret)
	eh := &EventsHandler{Store: st, Hub: hub}
	eh.Register(api.Group("/sessions"), secret)

	if cfg.Retention.Enabled {
		ret := &Retention{Store: st, Catalog: catalog, Rdb: rdb, Cfg: cfg.Retention, Stop: make(chan struct{})}
		ret.Start()
		defer close(ret.Stop)
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with the shared middleware stack: panic
// recovery, a JSON error handler that logs every failure, and CORS.
func newEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
