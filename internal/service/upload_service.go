package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/client"
	"github.com/podiumlabs/podium-uploader/internal/dto"
	"github.com/podiumlabs/podium-uploader/internal/models"
	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
)

// transferProgressCap holds reported progress below full until the
// registration call confirms the collaborator accepted the file.
const transferProgressCap = 95

type uploadStore interface {
	Get(id string) (models.PipelineItem, bool)
	Apply(id string, patch models.ItemPatch) (models.PipelineItem, bool)
	Remove(id string) bool
	Payload(id string) (models.Payload, bool)
	ReleasePayload(id string)
	Snapshot() models.PipelineSnapshot
}

type uploadAPI interface {
	Presign(ctx context.Context, batchID string, req dto.PresignRequest) (*dto.PresignResponse, error)
	Transfer(ctx context.Context, uploadURL string, payload models.Payload, contentType string, onProgress client.TransferProgress) error
	Register(ctx context.Context, batchID string, req dto.RegisterRequest) (*dto.RegisterResponse, error)
}

// UploadServiceConfig bounds the worker pool. A zero Concurrency admits no
// work at all.
type UploadServiceConfig struct {
	BatchID         string
	Concurrency     int
	TransferTimeout time.Duration
}

// UploadService drains pending items through presign, transfer and
// registration with a fixed number of workers. One item failing never stops
// its siblings.
type UploadService struct {
	store   uploadStore
	api     uploadAPI
	cfg     UploadServiceConfig
	logger  *zap.Logger
	metrics *MetricsService

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	runCancel context.CancelFunc
}

// NewUploadService constructs the pool with defaults.
func NewUploadService(store uploadStore, api uploadAPI, cfg UploadServiceConfig, logger *zap.Logger, metrics *MetricsService) *UploadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
	return &UploadService{
		store:   store,
		api:     api,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run uploads every item that is pending when the pool starts and blocks
// until all of them reached queued, failed or removed. Items added while the
// pool is running are left for a later run.
func (s *UploadService) Run(ctx context.Context) error {
	snap := s.store.Snapshot()
	worklist := make([]string, 0, len(snap.Items))
	for _, item := range snap.Items {
		if item.Stage == models.StagePending {
			worklist = append(worklist, item.ID)
		}
	}
	if len(worklist) == 0 || s.cfg.Concurrency == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	workers := s.cfg.Concurrency
	if workers > len(worklist) {
		workers = len(worklist)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				s.uploadOne(runCtx, id)
			}
		}()
	}

feed:
	for _, id := range worklist {
		select {
		case <-runCtx.Done():
			break feed
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()
	return runCtx.Err()
}

// CancelItem aborts the in-flight upload for one item, if any. The caller
// decides what happens to the item itself.
func (s *UploadService) CancelItem(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel aborts the whole pool. In-flight uploads are interrupted and marked
// failed by their workers, items that never started are removed from the
// store.
func (s *UploadService) Cancel() {
	s.mu.Lock()
	cancel := s.runCancel
	tokens := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		tokens = append(tokens, c)
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, c := range tokens {
		c()
	}
	for _, item := range s.store.Snapshot().Items {
		if item.Stage == models.StagePending {
			s.store.Remove(item.ID)
		}
	}
}

func (s *UploadService) uploadOne(ctx context.Context, id string) {
	if ctx.Err() != nil {
		// The pool was cancelled before this item started.
		s.store.Remove(id)
		return
	}

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(id, cancel)
	defer s.untrack(id)

	startedAt := time.Now().UTC()
	uploading := models.StageUploading
	item, ok := s.store.Apply(id, models.ItemPatch{Stage: &uploading, UploadStartedAt: &startedAt})
	if !ok {
		return
	}
	s.metrics.UploadStarted()
	s.metrics.StageChanged(models.StagePending, models.StageUploading)
	s.logger.Debug("upload started", zap.String("item_id", id), zap.String("filename", item.Filename))

	presigned, err := s.api.Presign(itemCtx, s.cfg.BatchID, dto.PresignRequest{
		Filename:    item.Filename,
		ContentType: item.ContentType,
	})
	if err != nil {
		s.finishFailed(id, startedAt, err)
		return
	}
	s.store.Apply(id, models.ItemPatch{ProvisionalID: &presigned.SubmissionID, ObjectKey: &presigned.ObjectKey})

	payload, ok := s.store.Payload(id)
	if !ok {
		// The item was removed while the upload target was negotiated.
		s.metrics.UploadFinished(false, time.Since(startedAt), 0)
		return
	}

	transferCtx := itemCtx
	if s.cfg.TransferTimeout > 0 {
		var tcancel context.CancelFunc
		transferCtx, tcancel = context.WithTimeout(itemCtx, s.cfg.TransferTimeout)
		defer tcancel()
	}
	err = s.api.Transfer(transferCtx, presigned.UploadURL, payload, item.ContentType, func(sent, total int64, rateBps float64) {
		pct := transferProgressCap
		if total > 0 {
			pct = int(sent * 100 / total)
			if pct > transferProgressCap {
				pct = transferProgressCap
			}
		}
		s.store.Apply(id, models.ItemPatch{Progress: &pct, BytesSent: &sent, RateBps: &rateBps})
	})
	if err != nil {
		s.finishFailed(id, startedAt, err)
		return
	}

	registered, err := s.api.Register(itemCtx, s.cfg.BatchID, dto.RegisterRequest{
		SubmissionID: presigned.SubmissionID,
		ObjectKey:    presigned.ObjectKey,
		Filename:     item.Filename,
		Size:         item.Size,
		ContentType:  item.ContentType,
		StudentName:  item.StudentLabel,
	})
	if err != nil {
		s.finishFailed(id, startedAt, err)
		return
	}

	endedAt := time.Now().UTC()
	queued := models.StageQueued
	full := 100
	s.store.Apply(id, models.ItemPatch{
		RemoteID:      &registered.SubmissionID,
		Stage:         &queued,
		Progress:      &full,
		BytesSent:     &item.Size,
		UploadEndedAt: &endedAt,
	})
	s.store.ReleasePayload(id)
	s.metrics.UploadFinished(true, endedAt.Sub(startedAt), item.Size)
	s.metrics.StageChanged(models.StageUploading, models.StageQueued)
	s.logger.Info("upload registered",
		zap.String("item_id", id),
		zap.String("submission_id", registered.SubmissionID),
		zap.Duration("took", endedAt.Sub(startedAt)))
}

func (s *UploadService) finishFailed(id string, startedAt time.Time, err error) {
	msg := err.Error()
	if appErrors.IsCancellation(err) {
		msg = appErrors.ErrCancelled.Message
	}
	failed := models.StageFailed
	item, ok := s.store.Apply(id, models.ItemPatch{Stage: &failed, Error: &msg})
	s.metrics.UploadFinished(false, time.Since(startedAt), 0)
	if !ok {
		return
	}
	s.metrics.StageChanged(models.StageUploading, models.StageFailed)
	s.logger.Warn("upload failed", zap.String("item_id", id), zap.String("filename", item.Filename), zap.Error(err))
}

func (s *UploadService) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *UploadService) untrack(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}
