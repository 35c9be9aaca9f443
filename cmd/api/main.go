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
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facemark/internal/api"
	"github.com/your-org/facemark/internal/api/ws"
	"github.com/your-org/facemark/internal/config"
	"github.com/your-org/facemark/internal/gallery"
	"github.com/your-org/facemark/internal/ledger"
	"github.com/your-org/facemark/internal/models"
	"github.com/your-org/facemark/internal/observability"
	"github.com/your-org/facemark/internal/queue"
	"github.com/your-org/facemark/internal/recognition"
	"github.com/your-org/facemark/internal/schedule"
	"github.com/your-org/facemark/internal/storage"
	"github.com/your-org/facemark/internal/vision"
	"github.com/your-org/facemark/pkg/dto"
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

	slog.Info("starting facemark API service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		slog.Error("init schema", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// Period schedule
	loc, err := time.LoadLocation(cfg.Attendance.Timezone)
	if err != nil {
		slog.Error("load timezone", "timezone", cfg.Attendance.Timezone, "error", err)
		os.Exit(1)
	}
	clock, err := schedule.New(cfg.Attendance.Periods, loc)
	if err != nil {
		slog.Error("build period schedule", "error", err)
		os.Exit(1)
	}

	// Gallery snapshot
	galleryProvider := gallery.NewProvider(db)
	if report, err := galleryProvider.Load(context.Background()); err != nil {
		slog.Warn("initial gallery load failed — matching disabled until reload", "error", err)
	} else {
		slog.Info("gallery loaded", "entries", report.Loaded, "conflicts", len(report.Conflicts))
	}

	ledgerSvc := ledger.New(db, producer, clock.Count())
	workflow := recognition.NewWorkflow(galleryProvider, ledgerSvc, clock, cfg.Attendance.MatchThreshold)

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Fan remote attendance events out over WebSocket too, so clients
	// connected to this instance see marks made through any instance.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeAttendanceEvents(ctx, "api-events", func(ctx context.Context, msg jetstream.Msg) error {
		var ev models.AttendanceEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("unmarshal attendance event", "error", err)
			return nil // don't retry on unmarshal errors
		}
		hub.Broadcast(&dto.WSEvent{Type: "attendance_" + ev.Kind, Data: ev})
		return nil
	})
	if err != nil {
		slog.Warn("start event consumer", "error", err)
	}

	// Initialize ONNX Runtime for the vision pipeline. The API stays up
	// without it; photo endpoints return 503 until models load.
	var visionProducer *vision.Producer

	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Warn("onnx runtime init failed — photo endpoints will be unavailable", "error", err)
	} else {
		vp, err := vision.NewProducer(cfg.Vision)
		if err != nil {
			slog.Warn("vision pipeline init failed — photo endpoints will be unavailable", "error", err)
		} else {
			visionProducer = vp
			defer vp.Close()
			defer ort.DestroyEnvironment()
			slog.Info("vision pipeline ready")
		}
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:   cfg.Server.APIKey,
		DB:       db,
		Objects:  minioStore,
		Producer: producer,
		Hub:      hub,
		Gallery:  galleryProvider,
		Workflow: workflow,
		Vision:   visionProducer,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
