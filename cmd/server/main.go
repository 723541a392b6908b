package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pressly/goose/v3"

	authhandler "postdispatch/internal/api/handlers/auth"
	postshandler "postdispatch/internal/api/handlers/posts"
	"postdispatch/internal/api/middleware"
	"postdispatch/internal/api/routes"
	"postdispatch/internal/atproto/identity"
	"postdispatch/internal/atproto/oauth"
	"postdispatch/internal/atproto/xrpc"
	"postdispatch/internal/config"
	"postdispatch/internal/core/posts"
	"postdispatch/internal/core/users"
	"postdispatch/internal/db"
	postgresRepo "postdispatch/internal/db/postgres"
	"postdispatch/internal/dispatcher"
	"postdispatch/internal/ratelimit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sqlDB, err := db.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close(sqlDB)

	if err = goose.SetDialect("postgres"); err != nil {
		slog.Error("failed to set goose dialect", "error", err)
		os.Exit(1)
	}
	if err = goose.Up(sqlDB, "internal/db/migrations"); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations completed")

	// Core services.
	userRepo := postgresRepo.NewUserRepository(sqlDB)
	userService := users.NewService(userRepo)

	tokenKey, err := oauth.DeriveKey(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("failed to derive token encryption key", "error", err)
		os.Exit(1)
	}
	tokenStore := oauth.NewPostgresTokenStore(sqlDB, tokenKey)
	identityResolver := identity.NewResolver(sqlDB, identity.DefaultConfig())

	authCore := oauth.NewAuthCore(oauth.Config{
		ClientID:              cfg.OAuthClientID,
		ClientSecret:          cfg.OAuthClientSecret,
		RedirectURI:           cfg.OAuthRedirectURI,
		AuthorizationEndpoint: cfg.OAuthAuthorizationEndpoint,
		TokenEndpoint:         cfg.OAuthTokenEndpoint,
		IdentityEndpoint:      cfg.OAuthIdentityEndpoint,
		Scope:                 cfg.OAuthScope,
	}, tokenStore, userService, identityResolver)

	rateGate := ratelimit.NewGate()
	rateGate.Register(ratelimit.APIClass, cfg.RateGateAPIMax, cfg.RateGateAPIWindow)
	rateGate.Register(ratelimit.OAuthClass, cfg.RateGateOAuthMax, cfg.RateGateOAuthWindow)

	networkClient := xrpc.NewClient(tokenStore, authCore, rateGate)
	networkDoer := xrpc.NewPostDoer(networkClient)

	postRepo := postgresRepo.NewPostRepository(sqlDB)
	postService := posts.NewService(postRepo, networkDoer, userService)

	dispatchCtx, cancelDispatch := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelDispatch()

	disp := dispatcher.New(dispatcher.Config{TickInterval: cfg.DispatcherTickInterval}, postRepo, postService, tokenStore)
	disp.Start(dispatchCtx)
	defer disp.Stop()
	slog.Info("dispatcher started", "tick_interval", cfg.DispatcherTickInterval)

	// HTTP layer.
	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)

	sessionAuth := middleware.NewSessionAuthMiddleware(tokenStore)
	authRateLimiter := middleware.NewRateLimiter(10, time.Minute)

	secureCookies := os.Getenv("INSECURE_COOKIES") != "true"
	authHandler := authhandler.NewHandler(authCore, tokenStore, userService, secureCookies)
	routes.RegisterAuthRoutes(r, authHandler, sessionAuth, authRateLimiter)

	postsHandler := postshandler.NewHandler(postService)
	routes.RegisterScheduledPostRoutes(r, postsHandler, sessionAuth)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if pingErr := sqlDB.PingContext(r.Context()); pingErr != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}
		if !disp.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","dispatcher":"stalled"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	slog.Info("server starting", "addr", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
