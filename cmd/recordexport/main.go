package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"ecgmon/config"
	"ecgmon/services"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	sessionID = pflag.StringP("session", "s", "", "Recording session ID to export")
	output    = pflag.StringP("out", "o", "-", "Output file, - for stdout")
	compress  = pflag.Bool("zstd", false, "Compress the CSV with zstd")
	list      = pflag.Int("list", 0, "List the N most recent sessions instead of exporting")
)

// exportSession writes one session as CSV, optionally zstd-compressed, and
// returns the number of data rows.
func exportSession(ctx context.Context, store services.RecordStore, id string, w io.Writer, compressed bool) (int, error) {
	data, err := store.LoadRecording(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	if !compressed {
		return services.WriteRecordingCSV(w, data)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	rows, err := services.WriteRecordingCSV(enc, data)
	if err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return rows, nil
}

func listSessions(ctx context.Context, store services.RecordStore, limit int, w io.Writer) error {
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		state := "done"
		if s.Active {
			state = "recording"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.DeviceID,
			time.UnixMilli(s.CreatedAt).Format("2006-01-02 15:04:05"),
			s.Kind,
			state,
			s.Label)
	}
	return nil
}

func main() {
	pflag.Parse()

	// Logs go to stderr so stdout stays clean for the CSV
	logCfg := zap.NewDevelopmentConfig()
	logCfg.OutputPaths = []string{"stderr"}
	logger, _ := logCfg.Build()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.FirebaseDbUrl == "" || cfg.FirebaseServiceAccountJSON == "" {
		logger.Fatal("FIREBASE_DB_URL and FIREBASE_SERVICE_ACCOUNT_JSON must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := services.NewFirebaseStore(ctx, cfg, logger.Named("firebase"))
	if err != nil {
		logger.Fatal("Failed to initialize Firebase store", zap.Error(err))
	}
	defer store.Close()

	if *list > 0 {
		if err := listSessions(ctx, store, *list, os.Stdout); err != nil {
			logger.Fatal("Failed to list sessions", zap.Error(err))
		}
		return
	}

	if *sessionID == "" {
		logger.Fatal("--session is required")
	}

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			logger.Fatal("Failed to create output file", zap.String("path", *output), zap.Error(err))
		}
		defer f.Close()
		w = f
	}

	rows, err := exportSession(ctx, store, *sessionID, w, *compress)
	if err != nil {
		logger.Fatal("Export failed", zap.String("session_id", *sessionID), zap.Error(err))
	}

	logger.Info("Session exported",
		zap.String("session_id", *sessionID),
		zap.Int("rows", rows),
		zap.String("output", *output),
		zap.Bool("zstd", *compress))
}
