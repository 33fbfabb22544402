package service

import (
	"time"

	"github.com/podiumlabs/podium-uploader/internal/models"
)

const (
	defaultEtaRateBps     = float64(1 << 20)
	defaultItemProcessing = 45 * time.Second
)

type etaStore interface {
	Snapshot() models.PipelineSnapshot
}

// EtaService derives a coarse time-remaining figure from the current
// snapshot. Nothing is cached, every call recomputes from scratch.
type EtaService struct {
	store             etaStore
	defaultRateBps    float64
	defaultProcessing time.Duration
}

// NewEtaService constructs the estimator with fallback rates for batches
// that have not produced observations yet.
func NewEtaService(store etaStore, defaultRateBps float64, defaultProcessing time.Duration) *EtaService {
	if defaultRateBps <= 0 {
		defaultRateBps = defaultEtaRateBps
	}
	if defaultProcessing <= 0 {
		defaultProcessing = defaultItemProcessing
	}
	return &EtaService{
		store:             store,
		defaultRateBps:    defaultRateBps,
		defaultProcessing: defaultProcessing,
	}
}

// Estimate sums the remaining transfer time and the expected processing time
// for everything still outstanding. Items observed mid-processing count for
// half an item since their actual position is unknown.
func (s *EtaService) Estimate() models.Estimate {
	snap := s.store.Snapshot()
	if snap.Outstanding() == 0 {
		return models.Estimate{}
	}

	var remainingBytes int64
	var rateSum float64
	rates := 0
	var procObserved time.Duration
	procSamples := 0
	notProcessed := 0
	midProcessing := 0

	for _, item := range snap.Items {
		switch item.Stage {
		case models.StagePending:
			remainingBytes += item.Size
			notProcessed++
		case models.StageUploading:
			if left := item.Size - item.BytesSent; left > 0 {
				remainingBytes += left
			}
			if item.RateBps > 0 {
				rateSum += item.RateBps
				rates++
			}
			notProcessed++
		case models.StageQueued:
			notProcessed++
		case models.StageTranscribing, models.StageAnalyzing:
			notProcessed++
			midProcessing++
		case models.StageComplete:
			if item.CompletedAt != nil && item.UploadEndedAt != nil {
				if d := item.CompletedAt.Sub(*item.UploadEndedAt); d > 0 {
					procObserved += d
					procSamples++
				}
			}
		}
	}

	var uploadSeconds float64
	if remainingBytes > 0 {
		rate := s.defaultRateBps
		if rates > 0 {
			rate = rateSum / float64(rates)
		}
		uploadSeconds = float64(remainingBytes) / rate
	}

	perItem := s.defaultProcessing.Seconds()
	if procSamples > 0 {
		perItem = (procObserved / time.Duration(procSamples)).Seconds()
	}
	processingSeconds := float64(notProcessed-midProcessing)*perItem + 0.5*perItem*float64(midProcessing)

	total := uploadSeconds + processingSeconds
	if total <= 0 {
		return models.Estimate{}
	}
	return models.Estimate{
		Remaining: time.Duration(total * float64(time.Second)),
		Known:     true,
	}
}
