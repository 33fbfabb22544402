package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/client"
	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/internal/service"
	"github.com/podiumlabs/podium-uploader/internal/store"
	"github.com/podiumlabs/podium-uploader/pkg/config"
	"github.com/podiumlabs/podium-uploader/pkg/logger"
	"github.com/podiumlabs/podium-uploader/pkg/storage"
)

func newUploadCmd() *cobra.Command {
	var (
		batchID     string
		students    []string
		concurrency int
		exportFmt   string
		exportDir   string
	)

	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Upload recordings and drive them through grading",
		Long: `upload registers every file with the grading API, transfers the payloads
through a bounded worker pool, nudges processing along and reconciles
remote status until the whole batch settles.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Upload.Concurrency = concurrency
			}
			return runUpload(cmd.Context(), cfg, batchID, args, students, exportFmt, exportDir)
		},
	}

	cmd.Flags().StringVarP(&batchID, "batch", "b", "", "batch identifier (required)")
	cmd.Flags().StringArrayVar(&students, "student", nil, "student label as name=file, repeatable; one bare label applies to every file")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "upload workers (overrides UPLOAD_CONCURRENCY)")
	cmd.Flags().StringVar(&exportFmt, "export", "", "export results after the run (csv or pdf)")
	cmd.Flags().StringVar(&exportDir, "out", "./exports", "directory for exported results")
	_ = cmd.MarkFlagRequired("batch")

	return cmd
}

func runUpload(ctx context.Context, cfg *config.Config, batchID string, files, students []string, exportFmt, exportDir string) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	warnTokenExpiry(log, cfg.API.Token)

	metrics := service.NewMetricsService()
	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr, metrics, log)
	}

	itemStore := store.NewItemStore()
	api := client.NewSubmissionClient(client.Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		Logger:  log,
	})

	uploads := service.NewUploadService(itemStore, api, service.UploadServiceConfig{
		BatchID:         batchID,
		Concurrency:     cfg.Upload.Concurrency,
		TransferTimeout: cfg.Upload.TransferTimeout,
	}, log, metrics)
	reconciler := service.NewReconcileService(itemStore, api, batchID, cfg.Poll.Interval, log, metrics)
	trigger := service.NewTriggerService(itemStore, api, batchID, cfg.Trigger.Cooldown, log, metrics)
	eta := service.NewEtaService(itemStore, cfg.Eta.DefaultRateBps, cfg.Eta.DefaultItemProcess)
	pipeline := service.NewPipelineService(itemStore, uploads, reconciler, trigger, eta, log)

	labels, err := studentLabels(students, files)
	if err != nil {
		return err
	}

	reqs := make([]models.AddRequest, 0, len(files))
	for _, path := range files {
		payload, err := models.NewFilePayload(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		reqs = append(reqs, models.AddRequest{
			Filename:     filepath.Base(path),
			ContentType:  contentTypeFor(path),
			StudentLabel: labels[path],
			Payload:      payload,
		})
	}
	if _, err := pipeline.AddFiles(reqs); err != nil {
		return err
	}

	log.Sugar().Infow("starting batch run",
		"batch_id", batchID,
		"files", len(files),
		"concurrency", cfg.Upload.Concurrency,
	)
	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	cancelled := watchRun(ctx, pipeline)

	snap := pipeline.Snapshot()
	printSummary(snap, metrics.Snapshot())

	if exportFmt != "" && !cancelled {
		if err := exportResults(batchID, snap, exportFmt, exportDir, log); err != nil {
			return err
		}
	}

	if cancelled {
		return fmt.Errorf("run cancelled before completion")
	}
	if failed := snap.CountByStage()[models.StageFailed]; failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(snap.Items))
	}
	return nil
}

// watchRun prints a status line whenever the pipeline moves and returns
// once the run settles. A signal cancels everything in flight; the report
// afterwards still reflects whatever the run managed to finish.
func watchRun(ctx context.Context, pipeline *service.PipelineService) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			pipeline.CancelAll()
			<-pipeline.Done()
			return true
		case <-pipeline.Done():
			return false
		case <-ticker.C:
			line := statusLine(pipeline.Snapshot(), pipeline.Eta())
			if line != last {
				fmt.Println(line)
				last = line
			}
		}
	}
}

func statusLine(snap models.PipelineSnapshot, eta models.Estimate) string {
	counts := snap.CountByStage()
	return fmt.Sprintf("pending=%d uploading=%d queued=%d transcribing=%d analyzing=%d complete=%d failed=%d eta=%s",
		counts[models.StagePending],
		counts[models.StageUploading],
		counts[models.StageQueued],
		counts[models.StageTranscribing],
		counts[models.StageAnalyzing],
		counts[models.StageComplete],
		counts[models.StageFailed],
		eta,
	)
}

func printSummary(snap models.PipelineSnapshot, m models.MetricsSnapshot) {
	counts := snap.CountByStage()
	fmt.Printf("done: %d complete, %d failed of %d items\n",
		counts[models.StageComplete], counts[models.StageFailed], len(snap.Items))

	for _, item := range snap.Items {
		switch item.Stage {
		case models.StageComplete:
			score := "-"
			if item.Score != nil {
				score = fmt.Sprintf("%.1f", *item.Score)
			}
			fmt.Printf("  %-40s score=%s\n", item.Filename, score)
		case models.StageFailed:
			fmt.Printf("  %-40s failed: %s\n", item.Filename, item.Error)
		}
	}

	if m.UploadsCompleted > 0 {
		fmt.Printf("uploaded %s across %d files (avg %.0fms per upload)\n",
			humanBytes(m.BytesSent), m.UploadsCompleted, m.AverageUploadMs)
	}
}

func exportResults(batchID string, snap models.PipelineSnapshot, format, dir string, log *zap.Logger) error {
	out, err := storage.NewObjectStore(dir)
	if err != nil {
		return err
	}
	exporter := service.NewExportService(out, log, nil, nil)
	res, err := exporter.Generate(batchID, snap, service.ResultsFormat(format))
	if err != nil {
		return err
	}
	fmt.Printf("results written to %s (%d rows)\n", res.Path, res.Rows)
	return nil
}

// warnTokenExpiry inspects the configured bearer token up front so an
// expired credential fails loudly before any bytes move.
func warnTokenExpiry(log *zap.Logger, token string) {
	if token == "" {
		return
	}
	exp, err := client.TokenExpiry(token)
	if err != nil {
		log.Sugar().Warnw("could not inspect api token", "error", err)
		return
	}
	if exp.IsZero() {
		return
	}
	switch {
	case time.Now().After(exp):
		log.Sugar().Warnw("api token is expired", "expired_at", exp.Format(time.RFC3339))
	case time.Until(exp) < 10*time.Minute:
		log.Sugar().Warnw("api token expires soon", "expires_at", exp.Format(time.RFC3339))
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *service.MetricsService, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Sugar().Infow("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Sugar().Warnw("metrics listener failed", "error", err)
	}
}

// studentLabels resolves --student values against the file arguments and
// returns a label per file path. A single bare value labels every file;
// otherwise each value must be a name=file pair whose file part matches an
// argument path exactly or by base name.
func studentLabels(values, files []string) (map[string]string, error) {
	labels := make(map[string]string, len(values))
	if len(values) == 0 {
		return labels, nil
	}
	if len(values) == 1 && !strings.Contains(values[0], "=") {
		for _, path := range files {
			labels[path] = values[0]
		}
		return labels, nil
	}

	byBase := make(map[string][]string, len(files))
	for _, path := range files {
		base := filepath.Base(path)
		byBase[base] = append(byBase[base], path)
	}

	for _, value := range values {
		name, file, ok := strings.Cut(value, "=")
		if !ok {
			return nil, fmt.Errorf("--student %q: want name=file when labelling several files", value)
		}
		name, file = strings.TrimSpace(name), strings.TrimSpace(file)
		if name == "" || file == "" {
			return nil, fmt.Errorf("--student %q: name and file must both be set", value)
		}

		path := ""
		for _, candidate := range files {
			if candidate == file {
				path = candidate
				break
			}
		}
		if path == "" {
			switch matches := byBase[file]; len(matches) {
			case 0:
				return nil, fmt.Errorf("--student %q: %s does not name a file argument", value, file)
			case 1:
				path = matches[0]
			default:
				return nil, fmt.Errorf("--student %q: %s matches several file arguments, use the full path", value, file)
			}
		}
		if _, dup := labels[path]; dup {
			return nil, fmt.Errorf("--student %q: %s is labelled twice", value, file)
		}
		labels[path] = name
	}
	return labels, nil
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/x-wav"
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
