package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"estimator/api/internal/app"
	"estimator/api/internal/attachments"
	"estimator/api/internal/broadcast"
	"estimator/api/internal/config"
	"estimator/api/internal/history"
	"estimator/api/internal/links"
	"estimator/api/internal/notify"
	"estimator/api/internal/search"
	"estimator/api/internal/store"
	"estimator/api/internal/templates"
)

var serveMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API and the job sync channel.

Postgres is required unless --memory is given. Redis, Meilisearch, S3 and
SMTP are optional; each one that is not configured disables or downgrades
its feature.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep jobs in memory instead of Postgres")
	rootCmd.AddCommand(serveCmd)
	// Running the binary without a subcommand serves.
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

// backends collects what runServer opened so it can be closed in order.
type backends struct {
	closers []func()
}

func (b *backends) add(fn func()) {
	b.closers = append(b.closers, fn)
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
	opened := &backends{}
	defer opened.close()

	checks := map[string]app.Pinger{}

	var (
		seedStore templates.Store
		db        *sql.DB
	)
	deps := app.Deps{}
	if serveMemory {
		log.Printf("Using in-memory job store")
		mem := store.NewMemoryStore()
		deps.Store, seedStore = mem, mem
	} else {
		var err error
		db, err = store.WaitForDB(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 20, MaxIdleConns: 10})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		opened.add(func() { _ = db.Close() })
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		pg := store.NewPostgresStore(db)
		deps.Store, seedStore = pg, pg
	}

	if _, err := templates.Seed(ctx, seedStore, cfg.TemplatesFile); err != nil {
		log.Printf("WARNING: template seed failed: %v", err)
	}

	// Sync bus and link cache share Redis when it is configured.
	var bus broadcast.Bus
	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis for sync and contractor link cache")
		redisBus, err := broadcast.NewRedisBus(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		opened.add(func() { _ = redisBus.Close() })
		bus = redisBus

		cache, err := links.NewRedisCache(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		opened.add(func() { _ = cache.Close() })
		deps.Links = links.NewRegistry(deps.Store, links.WithCache(cache))
		checks["redis"] = cache
	case strings.TrimSpace(cfg.BusDir) != "":
		log.Printf("Using %s for sync between local processes", cfg.BusDir)
		fileBus, err := broadcast.NewFileBus(cfg.BusDir, logger)
		if err != nil {
			return fmt.Errorf("sync bus: %w", err)
		}
		bus = fileBus
	default:
		bus = broadcast.NewLocalBus(logger)
	}
	hub := broadcast.NewHub(bus, broadcast.HubConfig{
		OriginPatterns: originPatterns(cfg.CORSOrigin),
		Logger:         logger,
	})
	opened.add(hub.Close)
	deps.Hub = hub

	var fallback search.Searcher = search.NewMemory()
	if db != nil {
		fallback = search.NewPgFTS(db)
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, fallback)
	opened.add(searchService.Close)
	go searchService.ReindexFromPG(ctx)
	deps.Search = searchService

	var fileStore attachments.Store
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioStore, err := attachments.NewMinioStore(ctx, attachments.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		log.Printf("Storing attachments in bucket %s", cfg.S3Bucket)
		fileStore = minioStore
		checks["storage"] = minioStore
	} else {
		log.Printf("S3 not configured, attachments are kept inline")
		fileStore = attachments.NewInlineStore()
	}
	deps.Attachments = attachments.NewService(fileStore, cfg.MaxUploadBytes)

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("failed to create history dir: %w", err)
	}
	deps.History = history.New(cfg.HistoryDir)

	mailer := notify.NewService(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured, contractor links will not be emailed")
	}
	deps.Mailer = mailer
	deps.Checks = checks

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Estimator API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

// originPatterns turns the CORS origin into websocket origin patterns,
// which match hosts rather than full origins.
func originPatterns(corsOrigin string) []string {
	var out []string
	for _, origin := range strings.Split(corsOrigin, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		out = append(out, strings.TrimRight(origin, "/"))
	}
	return out
}
