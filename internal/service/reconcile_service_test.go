package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/dto"
	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/internal/store"
)

// fakePollAPI replays a scripted sequence of poll responses, holding the
// last one once the script runs out.
type fakePollAPI struct {
	mu        sync.Mutex
	responses []*dto.PollResponse
	errs      []error
	calls     int
}

func (f *fakePollAPI) push(resp *dto.PollResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
}

func (f *fakePollAPI) Poll(ctx context.Context, batchID string) (*dto.PollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.responses) == 0 {
		return &dto.PollResponse{Batch: dto.BatchAggregate{BatchID: batchID}}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func pollItem(id, filename, status string) dto.SubmissionStatus {
	return dto.SubmissionStatus{ID: id, Filename: filename, Status: status}
}

func newReconcileForTest(s *store.ItemStore, api pollAPI, interval time.Duration) (*ReconcileService, *MetricsService) {
	metrics := NewMetricsService()
	return NewReconcileService(s, api, "batch_test", interval, zap.NewNop(), metrics), metrics
}

func seedQueued(t *testing.T, s *store.ItemStore, filename, remoteID string) models.PipelineItem {
	t.Helper()
	created, err := s.Add([]models.AddRequest{{Filename: filename, ContentType: "video/mp4"}})
	require.NoError(t, err)
	queued := models.StageQueued
	patch := models.ItemPatch{Stage: &queued}
	if remoteID != "" {
		patch.RemoteID = &remoteID
	}
	item, ok := s.Apply(created[0].ID, patch)
	require.True(t, ok)
	return item
}

func TestReconcileTickMergesRemoteTruth(t *testing.T) {
	itemStore := store.NewItemStore()
	a := seedQueued(t, itemStore, "a.mp4", "sub_a")
	b := seedQueued(t, itemStore, "b.mp4", "sub_b")

	score := 88.5
	completed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Batch: dto.BatchAggregate{BatchID: "batch_test", Total: 2, Transcribing: 1, Complete: 1},
		Submissions: []dto.SubmissionStatus{
			pollItem("sub_a", "a.mp4", "TRANSCRIBING"),
			{ID: "sub_b", Filename: "b.mp4", Status: "COMPLETE", Score: &score, CompletedAt: &completed},
		},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)

	settled := svc.tick(context.Background())
	require.False(t, settled, "one item is still transcribing")

	gotA, _ := itemStore.Get(a.ID)
	require.Equal(t, models.StageTranscribing, gotA.Stage)
	require.Nil(t, gotA.Score, "no score reported means no score written")

	gotB, _ := itemStore.Get(b.ID)
	require.Equal(t, models.StageComplete, gotB.Stage)
	require.NotNil(t, gotB.Score)
	require.Equal(t, 88.5, *gotB.Score)
	require.NotNil(t, gotB.CompletedAt)
	require.True(t, gotB.CompletedAt.Equal(completed))

	snap := itemStore.Snapshot()
	require.NotNil(t, snap.Batch)
	require.Equal(t, 2, snap.Batch.Total)
	require.Equal(t, 1, snap.Batch.Complete)

	// The remaining item finishing flips the tick to settled.
	api.push(&dto.PollResponse{
		Batch:       dto.BatchAggregate{BatchID: "batch_test", Total: 2, Complete: 2},
		Submissions: []dto.SubmissionStatus{pollItem("sub_a", "a.mp4", "COMPLETE")},
	})
	require.True(t, svc.tick(context.Background()))
}

func TestReconcileFilenameFallback(t *testing.T) {
	itemStore := store.NewItemStore()
	// Registered item: remote id known.
	registered := seedQueued(t, itemStore, "shared.mp4", "sub_1")
	// Unregistered item with the same filename: only the fallback can match it.
	created, err := itemStore.Add([]models.AddRequest{{Filename: "orphan.mp4", ContentType: "video/mp4"}})
	require.NoError(t, err)
	uploading := models.StageUploading
	_, ok := itemStore.Apply(created[0].ID, models.ItemPatch{Stage: &uploading})
	require.True(t, ok)

	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{
			pollItem("sub_1", "shared.mp4", "ANALYZING"),
			pollItem("sub_unseen", "orphan.mp4", "TRANSCRIBING"),
			pollItem("sub_other", "nobody-has-this.mp4", "COMPLETE"),
		},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)
	svc.tick(context.Background())

	gotReg, _ := itemStore.Get(registered.ID)
	require.Equal(t, models.StageAnalyzing, gotReg.Stage)

	gotOrphan, _ := itemStore.Get(created[0].ID)
	require.Equal(t, models.StageTranscribing, gotOrphan.Stage, "filename fallback must match unregistered items")
	require.Empty(t, gotOrphan.RemoteID, "reconciliation never assigns remote ids")

	require.Equal(t, 2, itemStore.Len(), "unmatched remote submissions are ignored")
}

func TestReconcileFallbackSkipsRegisteredItems(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_real")

	// A submission with a stale id but a matching filename must not touch an
	// item that already has its authoritative identifier.
	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{pollItem("sub_stale", "a.mp4", "FAILED")},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)
	svc.tick(context.Background())

	got, _ := itemStore.Get(item.ID)
	require.Equal(t, models.StageQueued, got.Stage)
}

func TestReconcileStaleStatusNeverRegresses(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_a")
	analyzing := models.StageAnalyzing
	_, ok := itemStore.Apply(item.ID, models.ItemPatch{Stage: &analyzing})
	require.True(t, ok)

	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{pollItem("sub_a", "a.mp4", "QUEUED")},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)
	svc.tick(context.Background())

	got, _ := itemStore.Get(item.ID)
	require.Equal(t, models.StageAnalyzing, got.Stage)
}

func TestReconcileTerminalTieKeepsLocal(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_a")
	complete := models.StageComplete
	_, ok := itemStore.Apply(item.ID, models.ItemPatch{Stage: &complete})
	require.True(t, ok)

	remoteErr := "grader crashed"
	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{
			{ID: "sub_a", Filename: "a.mp4", Status: "FAILED", Error: &remoteErr},
		},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)
	svc.tick(context.Background())

	got, _ := itemStore.Get(item.ID)
	require.Equal(t, models.StageComplete, got.Stage, "first terminal result wins")
	require.Empty(t, got.Error, "a losing failure report must not leave its message behind")
}

func TestReconcileFailureReportCarriesError(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_a")

	remoteErr := "transcription failed: unreadable audio"
	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{
			{ID: "sub_a", Filename: "a.mp4", Status: "FAILED", Error: &remoteErr},
		},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)
	svc.tick(context.Background())

	got, _ := itemStore.Get(item.ID)
	require.Equal(t, models.StageFailed, got.Stage)
	require.Equal(t, remoteErr, got.Error)
}

func TestReconcilePollFailureKeepsLocalState(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_a")

	api := &fakePollAPI{errs: []error{errors.New("bad gateway")}}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{pollItem("sub_a", "a.mp4", "COMPLETE")},
	})
	svc, metrics := newReconcileForTest(itemStore, api, time.Second)

	require.False(t, svc.tick(context.Background()), "a failed poll is skipped, not fatal")
	got, _ := itemStore.Get(item.ID)
	require.Equal(t, models.StageQueued, got.Stage)

	require.True(t, svc.tick(context.Background()), "the next poll succeeds and settles the batch")
	got, _ = itemStore.Get(item.ID)
	require.Equal(t, models.StageComplete, got.Stage)

	snap := metrics.Snapshot()
	require.Equal(t, uint64(2), snap.Polls)
	require.Equal(t, uint64(1), snap.PollFailures)
}

func TestReconcileIdempotentReplay(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_a")

	score := 91.0
	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{
			{ID: "sub_a", Filename: "a.mp4", Status: "COMPLETE", Score: &score},
		},
	})
	svc, _ := newReconcileForTest(itemStore, api, time.Second)

	require.True(t, svc.tick(context.Background()))
	first, _ := itemStore.Get(item.ID)

	// Replaying the identical response must change nothing. The fake keeps
	// returning its last response, but a settled snapshot short-circuits
	// before polling; apply the merge directly to prove idempotence.
	svc.merge(itemStore.Snapshot(), &dto.PollResponse{
		Submissions: []dto.SubmissionStatus{
			{ID: "sub_a", Filename: "a.mp4", Status: "COMPLETE", Score: &score},
		},
	})
	second, _ := itemStore.Get(item.ID)
	require.Equal(t, first.Stage, second.Stage)
	require.Equal(t, *first.Score, *second.Score)
}

func TestReconcileLoopRunsUntilSettledAndRestarts(t *testing.T) {
	itemStore := store.NewItemStore()
	item := seedQueued(t, itemStore, "a.mp4", "sub_a")

	api := &fakePollAPI{}
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{pollItem("sub_a", "a.mp4", "TRANSCRIBING")},
	})
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{pollItem("sub_a", "a.mp4", "COMPLETE")},
	})
	svc, _ := newReconcileForTest(itemStore, api, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.EnsureRunning(ctx)
	svc.EnsureRunning(ctx) // second call must not spawn a second loop
	require.NoError(t, svc.WaitIdle(ctx))

	got, _ := itemStore.Get(item.ID)
	require.Equal(t, models.StageComplete, got.Stage)

	// New outstanding work restarts the loop from scratch.
	fresh := seedQueued(t, itemStore, "b.mp4", "sub_b")
	api.push(&dto.PollResponse{
		Submissions: []dto.SubmissionStatus{pollItem("sub_b", "b.mp4", "COMPLETE")},
	})
	svc.EnsureRunning(ctx)
	require.NoError(t, svc.WaitIdle(ctx))

	gotFresh, _ := itemStore.Get(fresh.ID)
	require.Equal(t, models.StageComplete, gotFresh.Stage)
}
