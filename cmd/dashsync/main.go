// Command dashsync keeps one or more dashboard views in sync with the
// backend API: it signs in, mounts a view controller per path given on the
// command line, and serves metrics, health and invalidation endpoints.
//
// Usage:
//
//	DASHSYNC_EMAIL=ana@example.com DASHSYNC_PASSWORD=... dashsync /campaigns /analytics/overview
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/dashsync/internal/admin"
	"github.com/p-blackswan/dashsync/internal/api"
	"github.com/p-blackswan/dashsync/internal/auth"
	"github.com/p-blackswan/dashsync/internal/broadcast"
	"github.com/p-blackswan/dashsync/internal/cache"
	"github.com/p-blackswan/dashsync/internal/config"
	"github.com/p-blackswan/dashsync/internal/health"
	"github.com/p-blackswan/dashsync/internal/metrics"
	"github.com/p-blackswan/dashsync/internal/retry"
	"github.com/p-blackswan/dashsync/internal/view"
	"github.com/p-blackswan/dashsync/pkg/tokenstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	paths := os.Args[1:]
	logger.Info().
		Str("environment", cfg.Environment).
		Str("api_base_url", cfg.APIBaseURL).
		Str("admin_addr", cfg.AdminAddr).
		Bool("persistent_credentials", cfg.PersistentCredentials()).
		Strs("views", paths).
		Msg("starting dashsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	checker := health.NewChecker(logger)
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// Credentials
	var store *tokenstore.Credentials
	if cfg.PersistentCredentials() {
		sqlite, err := tokenstore.NewSQLiteStore(cfg.CredentialsPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open credentials store")
		}
		defer sqlite.Close()
		store = tokenstore.New(sqlite)
		checker.Register("credentials", health.StoreCheck(sqlite))
	} else {
		store = tokenstore.NewInMemory()
	}

	// Response cache
	responses := cache.New(cache.Options{
		TTL:      cfg.CacheTTL,
		Capacity: cfg.CacheCapacity,
		Metrics:  m,
	}, logger)
	responses.StartSweeper(ctx, cfg.CacheSweepInterval)

	// Invalidation
	bus := broadcast.New(m, logger)
	markers := broadcast.NewStaleMarkers()
	invalidator := broadcast.NewInvalidator(responses, markers, bus, logger)

	// Session. The router stands in for the UI location; a failed refresh
	// moves it to the login path.
	router := view.NewRouter("/")
	coordinator := auth.NewCoordinator(auth.Config{
		BaseURL:    cfg.APIBaseURL,
		LoginPath:  cfg.LoginPath,
		HTTPClient: httpClient,
		Store:      store,
		Cache:      responses,
		Navigator:  router,
		Metrics:    m,
	}, logger)

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.ReadRetryAttempts
	client := api.NewClient(api.Options{
		BaseURL:     cfg.APIBaseURL,
		HTTPClient:  httpClient,
		Store:       store,
		Cache:       responses,
		Refresher:   coordinator,
		Retry:       rc,
		RefreshSkew: cfg.RefreshSkew,
		Metrics:     m,
	}, logger)
	checker.Register("backend", health.BackendCheck(httpClient, cfg.APIBaseURL))

	if cfg.AutoLogin() {
		user, err := client.Login(ctx, cfg.Email, cfg.Password)
		if err != nil {
			logger.Fatal().Err(err).Str("email", cfg.Email).Msg("login failed")
		}
		if user != nil {
			logger.Info().Str("user_id", user.ID).Str("role", user.Role).Msg("signed in")
		}
	} else if user, err := client.CurrentUser(ctx); err == nil && user != nil {
		logger.Info().Str("user_id", user.ID).Msg("resuming stored session")
	} else if !client.IsAuthenticated(ctx) {
		logger.Warn().Msg("no session; views will be redirected to the login path")
	}

	// Views
	controllers := make([]*view.Controller, 0, len(paths))
	for _, p := range paths {
		controllers = append(controllers, mountView(ctx, p, client, bus, markers, cfg, m, logger))
	}

	// Admin server
	server := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: admin.NewRouter(admin.Options{
			Checker:     checker,
			Metrics:     m.Handler(),
			Invalidator: invalidator,
			Cache:       responses,
			Timeout:     10 * time.Second,
		}, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.AdminAddr).Msg("admin server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("admin server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	for _, ctrl := range controllers {
		ctrl.Dispose()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown error")
	}

	// In-flight fetches finish and still fill the cache.
	done := make(chan struct{})
	go func() {
		for _, ctrl := range controllers {
			ctrl.Wait()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	cancel()
	logger.Info().Msg("dashsync stopped")
}

// mountView creates a controller that reads path through the client and
// logs the payload size of every successful fetch.
func mountView(
	ctx context.Context,
	path string,
	client *api.Client,
	bus *broadcast.Broadcaster,
	markers *broadcast.StaleMarkers,
	cfg *config.Config,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *view.Controller {
	ctrl := view.New(view.Options{
		Path: path,
		Fetch: func(ctx context.Context) error {
			data, err := client.Get(ctx, path, api.WithoutCache())
			if err != nil {
				return err
			}
			logger.Info().Str("path", path).Int("bytes", len(data)).Msg("view refreshed")
			return nil
		},
		Bus:         bus,
		Markers:     markers,
		StaleDelays: cfg.StaleRefetchDelays,
		SettleDelay: cfg.NavigationSettleDelay,
		Metrics:     m,
	}, logger)
	ctrl.Mount(ctx)
	return ctrl
}
