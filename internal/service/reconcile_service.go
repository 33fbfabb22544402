package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/dto"
	"github.com/podiumlabs/podium-uploader/internal/models"
)

const defaultReconcileInterval = 3 * time.Second

type reconcileStore interface {
	Apply(id string, patch models.ItemPatch) (models.PipelineItem, bool)
	Snapshot() models.PipelineSnapshot
	SetBatch(batch models.BatchSummary)
}

type pollAPI interface {
	Poll(ctx context.Context, batchID string) (*dto.PollResponse, error)
}

// ReconcileService periodically folds the collaborator's view of the batch
// into the local store. It runs only while at least one item is still moving
// and goes back to sleep once everything is terminal.
type ReconcileService struct {
	store    reconcileStore
	api      pollAPI
	batchID  string
	interval time.Duration
	logger   *zap.Logger
	metrics  *MetricsService

	mu       sync.Mutex
	running  bool
	loopDone chan struct{}
}

// NewReconcileService constructs the loop with defaults.
func NewReconcileService(store reconcileStore, api pollAPI, batchID string, interval time.Duration, logger *zap.Logger, metrics *MetricsService) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &ReconcileService{
		store:    store,
		api:      api,
		batchID:  batchID,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// EnsureRunning starts the polling loop unless one is already active. Safe to
// call whenever items are added so a stopped loop picks the new work up.
func (s *ReconcileService) EnsureRunning(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.loopDone)
}

// WaitIdle blocks until no polling loop is active or the context is done.
func (s *ReconcileService) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		running := s.running
		done := s.loopDone
		s.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

func (s *ReconcileService) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one poll-and-merge pass. It reports true once no item needs
// further reconciliation.
func (s *ReconcileService) tick(ctx context.Context) bool {
	snap := s.store.Snapshot()
	if snap.Outstanding() == 0 {
		return true
	}

	resp, err := s.api.Poll(ctx, s.batchID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.metrics.PollObserved(err)
		s.logger.Warn("batch poll failed, keeping local state", zap.String("batch_id", s.batchID), zap.Error(err))
		return false
	}
	s.metrics.PollObserved(nil)
	s.merge(snap, resp)

	return s.store.Snapshot().Outstanding() == 0
}

// merge folds one poll response into the store. Remote truth never moves an
// item backwards and score or completion timestamps are only written when the
// collaborator actually reported them.
func (s *ReconcileService) merge(snap models.PipelineSnapshot, resp *dto.PollResponse) {
	byRemote := make(map[string]models.PipelineItem, len(snap.Items))
	byName := make(map[string]models.PipelineItem)
	for _, item := range snap.Items {
		if item.RemoteID != "" {
			byRemote[item.RemoteID] = item
			continue
		}
		// Filename fallback only applies while no remote identifier is
		// recorded, i.e. before registration finished.
		if _, taken := byName[item.Filename]; !taken {
			byName[item.Filename] = item
		}
	}

	for _, sub := range resp.Submissions {
		local, ok := byRemote[sub.ID]
		if !ok {
			local, ok = byName[sub.Filename]
		}
		if !ok {
			continue
		}

		incoming := models.StageForStatus(sub.Status)
		patch := models.ItemPatch{Stage: &incoming}
		if sub.Score != nil {
			patch.Score = sub.Score
		}
		if sub.CompletedAt != nil {
			patch.CompletedAt = sub.CompletedAt
		}
		if sub.Error != nil && models.MergeStage(local.Stage, incoming) == models.StageFailed {
			patch.Error = sub.Error
		}

		merged, applied := s.store.Apply(local.ID, patch)
		if applied && merged.Stage != local.Stage {
			s.metrics.StageChanged(local.Stage, merged.Stage)
		}
	}

	s.store.SetBatch(models.BatchSummary{
		BatchID:      resp.Batch.BatchID,
		Total:        resp.Batch.Total,
		Queued:       resp.Batch.Queued,
		Transcribing: resp.Batch.Transcribing,
		Analyzing:    resp.Batch.Analyzing,
		Complete:     resp.Batch.Complete,
		Failed:       resp.Batch.Failed,
		UpdatedAt:    time.Now().UTC(),
	})
}
