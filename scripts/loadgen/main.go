package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/podiumlabs/podium-uploader/internal/client"
	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/internal/service"
	"github.com/podiumlabs/podium-uploader/internal/store"
)

func main() {
	var (
		base        string
		token       string
		batchID     string
		files       int
		size        int64
		concurrency int
		failEvery   int
		timeout     time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "Grading API base URL")
	flag.StringVar(&token, "token", "", "Bearer token, if the target enforces one")
	flag.StringVar(&batchID, "batch", fmt.Sprintf("loadgen_%d", time.Now().Unix()), "Batch identifier")
	flag.IntVar(&files, "files", 10, "Number of synthetic recordings")
	flag.Int64Var(&size, "size", 256*1024, "Bytes per synthetic recording")
	flag.IntVar(&concurrency, "concurrency", 3, "Upload workers")
	flag.IntVar(&failEvery, "fail-every", 0, "Mark every Nth file so the stub fails it (0 disables)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "HTTP client timeout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := os.MkdirTemp("", "podium-loadgen")
	if err != nil {
		log.Fatalf("create scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	paths, err := writeFixtures(dir, files, size, failEvery)
	if err != nil {
		log.Fatalf("write fixtures: %v", err)
	}

	logger := quietLogger()
	defer logger.Sync() //nolint:errcheck

	api := client.NewSubmissionClient(client.Options{
		BaseURL: base,
		Token:   token,
		Timeout: timeout,
		Logger:  logger,
	})
	itemStore := store.NewItemStore()
	metrics := service.NewMetricsService()

	uploads := service.NewUploadService(itemStore, api, service.UploadServiceConfig{
		BatchID:     batchID,
		Concurrency: concurrency,
	}, logger, metrics)
	reconciler := service.NewReconcileService(itemStore, api, batchID, 0, logger, metrics)
	trigger := service.NewTriggerService(itemStore, api, batchID, 0, logger, metrics)
	eta := service.NewEtaService(itemStore, 0, 0)
	pipeline := service.NewPipelineService(itemStore, uploads, reconciler, trigger, eta, logger)

	reqs := make([]models.AddRequest, 0, len(paths))
	for _, p := range paths {
		payload, err := models.NewFilePayload(p)
		if err != nil {
			log.Fatalf("stat fixture: %v", err)
		}
		reqs = append(reqs, models.AddRequest{
			Filename:    filepath.Base(p),
			ContentType: "video/mp4",
			Payload:     payload,
		})
	}
	if _, err := pipeline.AddFiles(reqs); err != nil {
		log.Fatalf("seed items: %v", err)
	}

	start := time.Now()
	if err := pipeline.Start(ctx); err != nil {
		log.Fatalf("start pipeline: %v", err)
	}

	select {
	case <-ctx.Done():
		pipeline.CancelAll()
		<-pipeline.Done()
	case <-pipeline.Done():
	}
	elapsed := time.Since(start)

	snap := pipeline.Snapshot()
	printReport(snap, metrics.Snapshot(), elapsed)

	expectedFailures := 0
	if failEvery > 0 {
		expectedFailures = files / failEvery
	}
	if failed := snap.CountByStage()[models.StageFailed]; failed != expectedFailures {
		fmt.Printf("Unexpected failures: got %d, want %d\n", failed, expectedFailures)
		os.Exit(1)
	}
}

func writeFixtures(dir string, files int, size int64, failEvery int) ([]string, error) {
	paths := make([]string, 0, files)
	for i := 1; i <= files; i++ {
		name := fmt.Sprintf("take_%02d.mp4", i)
		if failEvery > 0 && i%failEvery == 0 {
			name = fmt.Sprintf("take_%02d_fail.mp4", i)
		}
		path := filepath.Join(dir, name)

		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		if _, err := io.CopyN(f, rand.Reader, size); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// quietLogger keeps service logging down to warnings so the report below
// stays readable.
func quietLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printReport(snap models.PipelineSnapshot, m models.MetricsSnapshot, elapsed time.Duration) {
	counts := snap.CountByStage()
	fmt.Println("Load Report")
	fmt.Println("===========")
	fmt.Printf("Items: %d complete, %d failed of %d in %s\n",
		counts[models.StageComplete], counts[models.StageFailed], len(snap.Items), elapsed.Round(time.Millisecond))
	fmt.Printf("Uploads: %d ok, %d failed, %d bytes sent, avg %.0fms per upload\n",
		m.UploadsCompleted, m.UploadsFailed, m.BytesSent, m.AverageUploadMs)
	fmt.Printf("Trigger rounds: %d (%d failures)\n", m.TriggerRounds, m.TriggerFailures)
	fmt.Printf("Polls: %d (%d failures)\n", m.Polls, m.PollFailures)
}
