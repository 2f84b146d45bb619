package cli

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/config"
	"quiz-progress-service/internal/domain"
	"quiz-progress-service/internal/infra/memory"
	"quiz-progress-service/internal/infra/postgres"
	infraredis "quiz-progress-service/internal/infra/redis"
	transport "quiz-progress-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the progress server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var store app.EventStore = memory.NewEventStore()
	var loader memory.CatalogLoader = memory.NewStaticCatalogLoader(sampleCatalog())
	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		defer db.Close()
		store = postgres.NewEventStore(db)

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		loader = postgres.NewCatalogLoader(pool)
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var catalog app.Catalog
	if redisClient != nil {
		catalog = infraredis.NewCatalog(redisClient, loader, catalogTTL)
	} else {
		catalog = memory.NewCatalog(loader, catalogTTL)
	}

	hub := app.NewHub()
	var broadcaster app.Broadcaster = hub
	if redisClient != nil {
		broadcaster = infraredis.NewBroadcaster(hub, redisClient, redisTTL)
	}

	dedupeWindow := config.TTLDuration(cfg.Progress.DedupeWindow, app.DefaultDedupeWindow)
	stats := app.NewStatsService(store, catalog)
	ingest := app.NewIngestService(store, catalog, stats, broadcaster, dedupeWindow)

	progressHandler := transport.NewProgressHandler(ingest, stats)
	wsHandler := transport.NewWSHandler(broadcaster)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	progressHandler.Register(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting progress service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleCatalog provides minimal reference data for running without Postgres.
func sampleCatalog() map[string]domain.QuestionSetInfo {
	return map[string]domain.QuestionSetInfo{
		"set-1": {
			ID:            "set-1",
			QuestionCount: 3,
			QuestionTypes: map[string]string{
				"q1": "single_choice",
				"q2": "single_choice",
				"q3": "multiple_choice",
			},
		},
	}
}
