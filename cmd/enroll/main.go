package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facemark/internal/config"
	"github.com/your-org/facemark/internal/observability"
	"github.com/your-org/facemark/internal/storage"
	"github.com/your-org/facemark/internal/vision"
)

// enroll walks a directory of reference photos named "<Name>_<ID>.jpg"
// (e.g. "Asha Rao_07.jpg") and loads each one into the gallery.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	dir := flag.String("dir", "", "directory of reference photos, named <Name>_<ID>.<ext>")
	replace := flag.Bool("replace", false, "clear the existing gallery before enrolling")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: enroll -dir <photo directory> [-replace]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, "text")

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	producer, err := vision.NewProducer(cfg.Vision)
	if err != nil {
		slog.Error("init vision pipeline", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	ctx := context.Background()

	if *replace {
		if err := db.ClearGallery(ctx); err != nil {
			slog.Error("clear gallery", "error", err)
			os.Exit(1)
		}
		slog.Info("cleared existing gallery")
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		slog.Error("read photo directory", "dir", *dir, "error", err)
		os.Exit(1)
	}

	var enrolled, skipped int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name, id, ok := parsePhotoName(entry.Name())
		if !ok {
			slog.Warn("skipping file, expected <Name>_<ID>.<ext>", "file", entry.Name())
			skipped++
			continue
		}

		path := filepath.Join(*dir, entry.Name())
		imageData, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("read photo", "file", entry.Name(), "error", err)
			skipped++
			continue
		}

		face, err := producer.BestFace(imageData)
		if err != nil {
			slog.Warn("skipping photo", "file", entry.Name(), "error", err)
			skipped++
			continue
		}

		if _, err := db.UpsertStudent(ctx, id, name); err != nil {
			slog.Error("upsert student", "id", id, "error", err)
			os.Exit(1)
		}

		sourceKey := "faces/" + id + "/" + entry.Name()
		if err := minioStore.PutObject(ctx, sourceKey, imageData, contentTypeFor(path)); err != nil {
			slog.Warn("archive photo", "file", entry.Name(), "error", err)
			sourceKey = ""
		}

		if err := db.PutKnownFace(ctx, id, name, face.Embedding, sourceKey); err != nil {
			slog.Error("store embedding", "id", id, "error", err)
			os.Exit(1)
		}

		slog.Info("enrolled", "id", id, "name", name, "score", face.Score)
		enrolled++
	}

	slog.Info("enrollment finished", "enrolled", enrolled, "skipped", skipped)
}

// parsePhotoName splits "Asha Rao_07.jpg" into ("Asha Rao", "07").
// The last underscore separates the name from the identifier, so names
// may themselves contain underscores.
func parsePhotoName(filename string) (name, id string, ok bool) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return "", "", false
	}
	return base[:idx], base[idx+1:], true
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
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
