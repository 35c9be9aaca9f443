package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facemark/internal/config"
	"github.com/your-org/facemark/internal/export"
	"github.com/your-org/facemark/internal/models"
	"github.com/your-org/facemark/internal/observability"
	"github.com/your-org/facemark/internal/queue"
	"github.com/your-org/facemark/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting facemark exporter", "object_key", cfg.Export.ObjectKey)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Error("ensure minio bucket", "error", err)
		os.Exit(1)
	}

	exporter := export.NewExporter(db, minioStore,
		cfg.Export.ObjectKey, cfg.Export.KeepCopy, len(cfg.Attendance.Periods))

	// Create NATS consumer
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeExportTasks(ctx, "exporter", func(ctx context.Context, msg jetstream.Msg) error {
		var task models.ExportTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal export task", "error", err)
			return nil // don't retry on unmarshal errors
		}

		if err := exporter.Run(ctx, task); err != nil {
			return fmt.Errorf("run export (%s): %w", task.Reason, err)
		}
		return nil
	})
	if err != nil {
		slog.Error("start export consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("exporter metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down exporter...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("exporter stopped")
}
