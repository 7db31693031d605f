package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"voterimport/internal/activity"
	"voterimport/internal/api"
	"voterimport/internal/config"
	"voterimport/internal/normalizer"
	"voterimport/internal/records"
	"voterimport/internal/redis"
	"voterimport/internal/registry"
	"voterimport/internal/service/ingest"
	"voterimport/internal/service/query"
	"voterimport/internal/service/reaper"
	"voterimport/internal/storage"
	"voterimport/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Load(os.Getenv("VOTERIMPORT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("VOTERIMPORT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: import_sessions, import_records
	if err := storage.Migrate(context.Background(), db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	table, err := normalizer.NewTable(cfg.Aliases)
	if err != nil {
		log.Fatalf("build alias table: %v", err)
	}

	basic := cfg.BasicConfig
	reg := registry.New(db, time.Duration(basic.RetentionSeconds)*time.Second, rdb)
	defer reg.Close()
	store := records.NewStore(db, basic.InsertChunkSize)
	events := activity.New(rdb)

	engine := ingest.NewEngine(table, reg, store, events, ingest.Options{
		MaxBytes: basic.MaxUploadBytes,
		MaxRows:  basic.MaxRows,
	})
	querySvc := query.NewService(db, reg, store, events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper.New(reg, store, time.Duration(basic.ReapIntervalMinutes)*time.Minute).Start(ctx)

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Second,
	})
	defer dispatcher.Stop()

	handlers := api.NewHandler(engine, querySvc, dispatcher, db)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: basic.ServerAddress, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()
	log.Printf("listening on %s", basic.ServerAddress)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
