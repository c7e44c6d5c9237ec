package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medclinic/clinic/internal/config"
	"github.com/medclinic/clinic/internal/domain/audit"
	"github.com/medclinic/clinic/internal/domain/notification"
	"github.com/medclinic/clinic/internal/domain/pushsub"
	"github.com/medclinic/clinic/internal/domain/reminder"
	"github.com/medclinic/clinic/internal/platform/auth"
	"github.com/medclinic/clinic/internal/platform/db"
	"github.com/medclinic/clinic/internal/platform/middleware"
	"github.com/medclinic/clinic/internal/platform/notify"
	"github.com/medclinic/clinic/internal/platform/signaling"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic API server: notifications, video consultation signaling, reminders",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remindersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrationsDir(dir, cfg)).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrationsDir(dir, cfg)).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Manage scheduled reminders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Send one batch of due reminders and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				logger := newLogger(cfg)
				app, err := newComponents(ctx, cfg, pool, logger)
				if err != nil {
					return err
				}
				defer app.bus.Close()

				sum, err := app.dispatcher.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Processed %d reminder(s): %d sent, %d failed.\n", sum.Processed, sum.Sent, sum.Failed)
				return nil
			})
		},
	})

	return cmd
}

func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func migrationsDir(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.MigrationsDir
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// components holds the long-lived services shared by the HTTP routes and the
// CLI commands.
type components struct {
	bus        *notify.Bus
	registry   *signaling.Registry
	iceServers []webrtc.ICEServer
	pushsubs   *pushsub.Service
	notifier   *notification.Manager
	reminders  *reminder.Service
	dispatcher *reminder.Dispatcher
	audit      *audit.Store
	recorder   middleware.AuditRecorder
	pinger     db.Pinger
}

func newComponents(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*components, error) {
	ice, err := cfg.ICEServers()
	if err != nil {
		return nil, err
	}

	bus := notify.NewBus(cfg.SSEBufferSize)

	pushsubs := pushsub.NewService(pushsub.NewRepo(pool))

	templates := notification.NewTemplateEngine()
	notifier := notification.NewManager(notification.NewRepo(pool), templates, bus, logger)
	if cfg.SendGridAPIKey != "" {
		notifier.SetEmailSender(notification.NewSendGridSender(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName))
	} else {
		logger.Warn().Msg("SENDGRID_API_KEY not set, email notifications will fail")
	}
	if cfg.FirebaseCredentialsFile != "" {
		fcm, err := notification.NewFCMSender(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, err
		}
		notifier.SetPushSender(fcm, pushsubs)
	} else {
		logger.Warn().Msg("FIREBASE_CREDENTIALS_FILE not set, push notifications will fail")
	}

	reminderRepo := reminder.NewRepo(pool)
	dispatcher := reminder.NewDispatcher(reminderRepo, notifier, reminder.DispatcherConfig{
		Interval:  cfg.ReminderInterval,
		BatchSize: cfg.ReminderBatchSize,
	}, logger)

	auditStore := audit.NewStore(audit.NewRepo(pool))

	app := &components{
		bus:        bus,
		registry:   signaling.NewRegistry(cfg.RTCMaxPeersPerRoom),
		iceServers: ice,
		pushsubs:   pushsubs,
		notifier:   notifier,
		reminders:  reminder.NewService(reminderRepo, templates),
		dispatcher: dispatcher,
		audit:      auditStore,
		recorder:   auditStore,
	}
	if pool != nil {
		app.pinger = pool
	}
	return app, nil
}

func newRouter(cfg *config.Config, logger zerolog.Logger, app *components) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Validator = middleware.NewValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "Last-Event-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if app.pinger != nil {
		e.GET("/health/db", db.HealthHandler(app.pinger))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:          cfg.JWTIssuer,
			SigningKey:      []byte(cfg.JWTSecret),
			QueryTokenPaths: queryTokenPaths,
		}))
	}
	apiV1.Use(middleware.Audit(logger, app.recorder))

	notify.NewStreamHandler(app.bus, notify.StreamConfig{
		Heartbeat:  cfg.SSEHeartbeatInterval,
		BufferSize: cfg.SSEBufferSize,
		Retry:      3 * time.Second,
	}, logger).RegisterRoutes(apiV1)

	rtc := signaling.NewServer(app.registry, signaling.Config{
		MaxMessageBytes: cfg.RTCMaxMessageBytes,
		PingInterval:    cfg.RTCPingInterval,
		IdleTimeout:     cfg.RTCIdleTimeout,
		SendQueueSize:   cfg.RTCSendQueueSize,
		ICEServers:      app.iceServers,
		CheckOrigin:     originChecker(cfg),
	}, logger)
	rtc.RegisterRoutes(apiV1)

	notification.NewHandler(app.notifier).RegisterRoutes(apiV1)
	pushsub.NewHandler(app.pushsubs).RegisterRoutes(apiV1)
	reminder.NewHandler(app.reminders, app.dispatcher).RegisterRoutes(apiV1)
	audit.NewHandler(app.audit).RegisterRoutes(apiV1)

	apiV1.GET("/realtime/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, realtimeStats{
			Notifications: app.bus.Stats(),
			Signaling:     rtc.Stats(),
		})
	}, auth.RequireRole(auth.RoleAdmin))

	return e
}

// queryTokenPaths are the routes whose clients (EventSource, browser
// WebSocket) cannot send an Authorization header.
var queryTokenPaths = []string{
	"/api/v1/notifications/stream",
	"/api/v1/rtc/signal",
}

type realtimeStats struct {
	Notifications notify.Stats            `json:"notifications"`
	Signaling     signaling.RegistryStats `json:"signaling"`
}

// originChecker restricts signaling upgrades to the CORS origins outside
// development. Requests without an Origin header are not from a browser and
// are let through.
func originChecker(cfg *config.Config) func(r *http.Request) bool {
	if cfg.IsDev() {
		return nil
	}
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

func runServer() error {
	logger := newLogger(nil)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = newLogger(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	app, err := newComponents(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	e := newRouter(cfg, logger, app)

	if err := app.dispatcher.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start reminder dispatcher")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	app.dispatcher.Stop()
	// Ends open SSE streams and signaling sockets; Shutdown does not wait
	// for hijacked connections.
	app.bus.Close()
	app.registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
