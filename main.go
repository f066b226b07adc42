package main

import (
	"context"
	"log"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"loadouthub/internal/config"
	"loadouthub/internal/db"
	"loadouthub/internal/http/handlers"
	appmw "loadouthub/internal/http/middleware"
	"loadouthub/internal/security"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	db.StartMaintenanceWorker(sqlDB, cfg)

	if err := db.EnsureBootstrapAdmin(sqlDB, cfg); err != nil {
		log.Fatalf("failed to ensure bootstrap admin: %v", err)
	}

	events := db.NewEventStore(sqlDB)
	blocks := db.NewBlockStore(sqlDB)

	var trackers security.TrackerStore = db.NewTrackerStore(sqlDB)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis connection failed: %v", err)
		}
		cancel()
		trackers = security.NewRedisTrackerStore(rdb)
		log.Printf("rate limit counters backed by redis at %s", cfg.RedisAddr)
	}

	observer := handlers.InitPrometheusMetrics()

	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	gate := security.NewGate(security.Limits{
		Rules: []security.EndpointRule{
			{Prefix: "/api/auth/users/", MaxRequests: cfg.MaxRegisterAttempts, Window: window, Name: "register"},
			{Prefix: "/api/auth/token/login/", MaxRequests: cfg.MaxLoginAttempts, Window: window, Name: "login"},
			{Prefix: "/api/auth/token/logout/", MaxRequests: 10, Window: 60 * time.Second, Name: "logout"},
		},
		APIPrefix:          "/api/",
		APIMaxPerMinute:    cfg.MaxAPICallsPerMinute,
		AutoBlockThreshold: cfg.AutoBlockThreshold,
		BlockDuration:      time.Duration(cfg.BlockDurationHours) * time.Hour,
		LoginPath:          "/api/auth/token/login/",
		RegisterPath:       "/api/auth/users/",
	}, events, blocks, trackers, security.WithObserver(observer))

	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/api/auth/users/", handlers.Register(sqlDB))
	r.POST("/api/auth/token/login/", handlers.TokenLogin(sqlDB, gate))
	r.POST("/api/auth/token/logout/", appmw.BearerAuth(sqlDB)(handlers.TokenLogout(sqlDB)))

	admin := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return appmw.BearerAuth(sqlDB)(appmw.AdminOnly(h))
	}

	r.GET("/api/security/events/", admin(handlers.ListSecurityEvents(events)))
	r.GET("/api/security/events/by_ip/", admin(handlers.SecurityEventsByIP(events)))
	r.GET("/api/security/events/dashboard/", admin(handlers.SecurityDashboard(events, blocks)))

	r.GET("/api/security/blocks/", admin(handlers.ListIPBlocks(blocks, false)))
	r.GET("/api/security/blocks/active/", admin(handlers.ListIPBlocks(blocks, true)))
	r.POST("/api/security/blocks/", admin(handlers.CreateIPBlock(gate)))
	r.POST("/api/security/blocks/unblock/", admin(handlers.UnblockIP(gate)))
	r.POST("/api/security/blocks/bulk_unblock/", admin(handlers.BulkUnblockIPs(gate)))

	r.GET("/metrics", admin(handlers.MetricsHandler()))

	// Global middleware chain: request logger, then the security gate, then the router.
	handler := handlers.RequestLogger(appmw.SecurityGate(gate)(r.Handler))

	log.Printf("loadouthub listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
