package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/models"
	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
)

type pipelineStore interface {
	Add(reqs []models.AddRequest) ([]models.PipelineItem, error)
	Remove(id string) bool
	Snapshot() models.PipelineSnapshot
}

type pipelineUploader interface {
	Run(ctx context.Context) error
	Cancel()
	CancelItem(id string)
}

type pipelineReconciler interface {
	EnsureRunning(ctx context.Context)
	WaitIdle(ctx context.Context) error
}

type pipelineTrigger interface {
	Run(ctx context.Context) error
}

type pipelineEstimator interface {
	Estimate() models.Estimate
}

// PipelineService is the facade the CLI and SDK consumers talk to. It owns
// the run lifecycle: upload phase, trigger phase and the reconciler that keeps
// polling until the batch settles.
type PipelineService struct {
	store      pipelineStore
	uploads    pipelineUploader
	reconciler pipelineReconciler
	trigger    pipelineTrigger
	eta        pipelineEstimator
	logger     *zap.Logger

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// NewPipelineService wires the facade.
func NewPipelineService(store pipelineStore, uploads pipelineUploader, reconciler pipelineReconciler, trigger pipelineTrigger, eta pipelineEstimator, logger *zap.Logger) *PipelineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineService{
		store:      store,
		uploads:    uploads,
		reconciler: reconciler,
		trigger:    trigger,
		eta:        eta,
		logger:     logger,
	}
}

// AddFiles admits new selections into the store. When a run is active the
// reconciler is nudged back to life so remote state for the newcomers is
// picked up.
func (s *PipelineService) AddFiles(reqs []models.AddRequest) ([]models.PipelineItem, error) {
	items, err := s.store.Add(reqs)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	running := s.running
	runCtx := s.runCtx
	s.mu.Unlock()
	if running && runCtx != nil && runCtx.Err() == nil {
		s.reconciler.EnsureRunning(runCtx)
	}
	return items, nil
}

// RemoveItem aborts any in-flight upload for the item and drops it from the
// store. Removal is final, later remote reports for it are ignored.
func (s *PipelineService) RemoveItem(id string) bool {
	s.uploads.CancelItem(id)
	return s.store.Remove(id)
}

// Start launches one pipeline run over everything currently pending. It
// returns immediately, Done exposes the completion signal.
func (s *PipelineService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return appErrors.Clone(appErrors.ErrValidation, "pipeline already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.runCtx = runCtx
	s.runCancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.orchestrate(runCtx, done)
	return nil
}

// CancelAll aborts the current run: pending items are removed, in-flight
// uploads fail with a cancellation message, trigger and poll loops stop.
func (s *PipelineService) CancelAll() {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	s.uploads.Cancel()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("pipeline cancelled")
}

// Snapshot returns a defensive copy of the current pipeline state.
func (s *PipelineService) Snapshot() models.PipelineSnapshot {
	return s.store.Snapshot()
}

// Eta recomputes the time-remaining estimate.
func (s *PipelineService) Eta() models.Estimate {
	return s.eta.Estimate()
}

// Done reports the completion channel of the most recent run. Before any run
// it returns an already closed channel.
func (s *PipelineService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

func (s *PipelineService) orchestrate(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		cancel := s.runCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(done)
	}()

	s.reconciler.EnsureRunning(ctx)

	if err := s.uploads.Run(ctx); err != nil {
		s.logger.Warn("upload phase interrupted", zap.Error(err))
		return
	}
	if s.store.Snapshot().CountByStage()[models.StageQueued] > 0 {
		if err := s.trigger.Run(ctx); err != nil {
			s.logger.Warn("trigger phase interrupted", zap.Error(err))
			return
		}
	}
	if err := s.reconciler.WaitIdle(ctx); err != nil {
		return
	}
	s.logger.Info("pipeline run settled")
}
