package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/podiumlabs/podium-uploader/internal/models"
	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
)

// ItemStore is the single source of truth for pipeline items. Every
// component reads snapshots and mutates through partial-field patches;
// nothing outside the store ever holds a live item reference.
type ItemStore struct {
	mu       sync.RWMutex
	items    map[string]*models.PipelineItem
	payloads map[string]models.Payload
	byRemote map[string]string // remote id -> local id
	order    []string          // insertion order for stable rendering
	batch    *models.BatchSummary
}

// NewItemStore builds an empty store.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items:    make(map[string]*models.PipelineItem),
		payloads: make(map[string]models.Payload),
		byRemote: make(map[string]string),
	}
}

// Add appends new pending items and returns copies carrying the generated
// identifiers. Duplicate local identifiers are rejected.
func (s *ItemStore) Add(reqs []models.AddRequest) ([]models.PipelineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	created := make([]models.PipelineItem, 0, len(reqs))
	for _, req := range reqs {
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := s.items[id]; exists {
			return nil, appErrors.Clone(appErrors.ErrValidation, "duplicate item id "+id)
		}

		size := req.Size
		if size == 0 && req.Payload != nil {
			size = req.Payload.Size()
		}
		item := &models.PipelineItem{
			ID:           id,
			Filename:     req.Filename,
			Size:         size,
			ContentType:  req.ContentType,
			StudentLabel: req.StudentLabel,
			Stage:        models.StagePending,
			CreatedAt:    now,
		}
		s.items[id] = item
		s.order = append(s.order, id)
		if req.Payload != nil {
			s.payloads[id] = req.Payload
		}
		created = append(created, item.Clone())
	}
	return created, nil
}

// Apply merges the patch into the item addressed by local or remote
// identifier. Missing identifiers are a silent no-op so late network
// responses cannot resurrect removed items. Stage writes go through the
// priority comparator, which keeps every item's stage monotonically
// non-decreasing no matter which component wrote first; a remote
// identifier, once recorded, is never overwritten.
func (s *ItemStore) Apply(id string, patch models.ItemPatch) (models.PipelineItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.resolve(id)
	if !ok {
		return models.PipelineItem{}, false
	}

	if patch.RemoteID != nil && *patch.RemoteID != "" && item.RemoteID == "" {
		item.RemoteID = *patch.RemoteID
		s.byRemote[item.RemoteID] = item.ID
	}
	if patch.ProvisionalID != nil {
		item.ProvisionalID = *patch.ProvisionalID
	}
	if patch.ObjectKey != nil {
		item.ObjectKey = *patch.ObjectKey
	}
	if patch.Stage != nil {
		item.Stage = models.MergeStage(item.Stage, *patch.Stage)
		// Anything the remote has accepted is fully transferred.
		if item.Stage.Priority() >= models.StageQueued.Priority() && item.Stage != models.StageFailed {
			item.Progress = 100
		}
	}
	if patch.Progress != nil {
		item.Progress = *patch.Progress
	}
	if patch.BytesSent != nil {
		item.BytesSent = *patch.BytesSent
	}
	if patch.RateBps != nil {
		item.RateBps = *patch.RateBps
	}
	if patch.Error != nil {
		item.Error = *patch.Error
	}
	if patch.Score != nil {
		score := *patch.Score
		item.Score = &score
	}
	if patch.UploadStartedAt != nil {
		ts := *patch.UploadStartedAt
		item.UploadStartedAt = &ts
	}
	if patch.UploadEndedAt != nil {
		ts := *patch.UploadEndedAt
		item.UploadEndedAt = &ts
	}
	if patch.CompletedAt != nil {
		ts := *patch.CompletedAt
		item.CompletedAt = &ts
	}

	return item.Clone(), true
}

// Remove deletes the item addressed by local or remote identifier and
// drops its payload. Missing identifiers are a silent no-op. Callers
// holding an in-flight cancellation token cancel it before removal.
func (s *ItemStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.resolve(id)
	if !ok {
		return false
	}

	delete(s.items, item.ID)
	delete(s.payloads, item.ID)
	if item.RemoteID != "" {
		delete(s.byRemote, item.RemoteID)
	}
	for i, oid := range s.order {
		if oid == item.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the item addressed by local or remote identifier.
func (s *ItemStore) Get(id string) (models.PipelineItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.resolve(id)
	if !ok {
		return models.PipelineItem{}, false
	}
	return item.Clone(), true
}

// Snapshot returns deep copies of every item in insertion order plus the
// mirrored batch summary. Payload handles are never part of a snapshot.
func (s *ItemStore) Snapshot() models.PipelineSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := models.PipelineSnapshot{
		Items:   make([]models.PipelineItem, 0, len(s.order)),
		TakenAt: time.Now().UTC(),
	}
	for _, id := range s.order {
		if item, ok := s.items[id]; ok {
			snap.Items = append(snap.Items, item.Clone())
		}
	}
	if s.batch != nil {
		b := *s.batch
		snap.Batch = &b
	}
	return snap
}

// Payload hands the payload reference to the upload worker.
func (s *ItemStore) Payload(id string) (models.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.resolve(id)
	if !ok {
		return nil, false
	}
	p, ok := s.payloads[item.ID]
	return p, ok
}

// ReleasePayload drops the payload once the bytes are safely remote.
// Large recordings held past "queued" are a leak.
func (s *ItemStore) ReleasePayload(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.resolve(id); ok {
		delete(s.payloads, item.ID)
	}
}

// SetBatch refreshes the read-only mirror of the remote batch aggregates.
func (s *ItemStore) SetBatch(summary models.BatchSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := summary
	s.batch = &b
}

// Len reports the number of tracked items.
func (s *ItemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// resolve looks the identifier up as a local id first, then as a remote id.
// Callers hold the lock.
func (s *ItemStore) resolve(id string) (*models.PipelineItem, bool) {
	if item, ok := s.items[id]; ok {
		return item, true
	}
	if localID, ok := s.byRemote[id]; ok {
		if item, ok := s.items[localID]; ok {
			return item, true
		}
	}
	return nil, false
}
