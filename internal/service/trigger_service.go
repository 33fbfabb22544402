package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/podiumlabs/podium-uploader/internal/dto"
	"github.com/podiumlabs/podium-uploader/internal/models"
)

const (
	triggerMinParallel     = 3
	triggerMaxParallel     = 5
	triggerMaxRounds       = 10
	defaultTriggerCooldown = 500 * time.Millisecond
)

type triggerStore interface {
	Apply(id string, patch models.ItemPatch) (models.PipelineItem, bool)
	Snapshot() models.PipelineSnapshot
}

type triggerAPI interface {
	Trigger(ctx context.Context, batchID string) (*dto.TriggerResponse, error)
}

// TriggerService nudges the collaborator's processing queue after uploads
// land. The queue advances at most one item per call, so each round fires a
// small burst of concurrent calls sized by the local queued count.
type TriggerService struct {
	store    triggerStore
	api      triggerAPI
	batchID  string
	cooldown time.Duration
	logger   *zap.Logger
	metrics  *MetricsService
}

// NewTriggerService constructs the trigger loop with defaults.
func NewTriggerService(store triggerStore, api triggerAPI, batchID string, cooldown time.Duration, logger *zap.Logger, metrics *MetricsService) *TriggerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = defaultTriggerCooldown
	}
	return &TriggerService{
		store:    store,
		api:      api,
		batchID:  batchID,
		cooldown: cooldown,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run issues trigger rounds until a responsive round advances nothing, the
// remote queue reports empty, or the round cap is hit. Individual trigger
// failures are logged and never abort the run; a round in which every call
// failed decides nothing and is retried after the cooldown.
func (s *TriggerService) Run(ctx context.Context) error {
	for round := 1; round <= triggerMaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		queued := s.store.Snapshot().CountByStage()[models.StageQueued]
		parallel := clampParallel(queued)

		var mu sync.Mutex
		advanced := make(map[string]struct{})
		remaining := 0
		failures := 0

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < parallel; i++ {
			g.Go(func() error {
				resp, err := s.api.Trigger(gctx, s.batchID)
				if err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
					s.logger.Warn("processing trigger failed", zap.String("batch_id", s.batchID), zap.Error(err))
					return nil
				}
				mu.Lock()
				for _, id := range resp.AdvancedIDs {
					advanced[id] = struct{}{}
				}
				if resp.Remaining > remaining {
					remaining = resp.Remaining
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		s.metrics.TriggerRound(len(advanced), failures)

		// The collaborator reported these as done, reflect that right away
		// rather than waiting a full poll interval.
		complete := models.StageComplete
		for id := range advanced {
			s.store.Apply(id, models.ItemPatch{Stage: &complete})
		}
		s.logger.Debug("trigger round finished",
			zap.Int("round", round),
			zap.Int("parallel", parallel),
			zap.Int("advanced", len(advanced)),
			zap.Int("remaining", remaining))

		// Only a round the collaborator actually answered can end the run.
		// When every call failed there is no verdict on the queue, so the
		// next round retries until something responds or the cap is hit.
		if failures < parallel && (len(advanced) == 0 || remaining == 0) {
			return nil
		}
		if round == triggerMaxRounds {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cooldown):
		}
	}
	s.logger.Warn("trigger round cap reached, leaving the rest to the reconciler", zap.String("batch_id", s.batchID))
	return nil
}

func clampParallel(queued int) int {
	if queued < triggerMinParallel {
		return triggerMinParallel
	}
	if queued > triggerMaxParallel {
		return triggerMaxParallel
	}
	return queued
}
