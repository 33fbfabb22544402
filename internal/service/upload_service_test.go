package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/client"
	"github.com/podiumlabs/podium-uploader/internal/dto"
	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/internal/store"
)

// fakeUploadAPI keys per-file behavior off the filename, which Presign
// threads into the upload URL.
type fakeUploadAPI struct {
	mu         sync.Mutex
	presigns   int
	registered []dto.RegisterRequest

	inFlight    int32
	maxInFlight int32

	transferDelay time.Duration
	blockTransfer chan struct{}
	failTransfer  map[string]error
	failRegister  map[string]error
	fullProgress  bool
}

func (f *fakeUploadAPI) Presign(ctx context.Context, batchID string, req dto.PresignRequest) (*dto.PresignResponse, error) {
	f.mu.Lock()
	f.presigns++
	n := f.presigns
	f.mu.Unlock()
	return &dto.PresignResponse{
		UploadURL:    "http://upload.test/" + req.Filename,
		SubmissionID: fmt.Sprintf("prov_%d", n),
		ObjectKey:    "batch/" + req.Filename,
	}, nil
}

func (f *fakeUploadAPI) Transfer(ctx context.Context, uploadURL string, payload models.Payload, contentType string, onProgress client.TransferProgress) error {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&f.maxInFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxInFlight, prev, cur) {
			break
		}
	}

	if f.blockTransfer != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.blockTransfer:
		}
	}
	if f.transferDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.transferDelay):
		}
	}

	total := payload.Size()
	if onProgress != nil {
		onProgress(total/2, total, 1<<20)
		if f.fullProgress {
			onProgress(total, total, 1<<20)
		}
	}

	if err := f.failTransfer[path.Base(uploadURL)]; err != nil {
		return err
	}
	return nil
}

func (f *fakeUploadAPI) Register(ctx context.Context, batchID string, req dto.RegisterRequest) (*dto.RegisterResponse, error) {
	if err := f.failRegister[req.Filename]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.registered = append(f.registered, req)
	n := len(f.registered)
	f.mu.Unlock()
	return &dto.RegisterResponse{SubmissionID: fmt.Sprintf("sub_%d", n)}, nil
}

func seedPending(t *testing.T, s *store.ItemStore, n int) []models.PipelineItem {
	t.Helper()
	reqs := make([]models.AddRequest, 0, n)
	for i := 1; i <= n; i++ {
		reqs = append(reqs, models.AddRequest{
			Filename:     fmt.Sprintf("take_%02d.mp4", i),
			ContentType:  "video/mp4",
			StudentLabel: fmt.Sprintf("Student %d", i),
			Payload:      models.BytesPayload("0123456789abcdef"),
		})
	}
	created, err := s.Add(reqs)
	require.NoError(t, err)
	return created
}

func newUploadServiceForTest(s *store.ItemStore, api uploadAPI, concurrency int) (*UploadService, *MetricsService) {
	metrics := NewMetricsService()
	svc := NewUploadService(s, api, UploadServiceConfig{
		BatchID:     "batch_test",
		Concurrency: concurrency,
	}, zap.NewNop(), metrics)
	return svc, metrics
}

func TestUploadServiceHappyPath(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 3)
	api := &fakeUploadAPI{}
	svc, metrics := newUploadServiceForTest(itemStore, api, 2)

	require.NoError(t, svc.Run(context.Background()))

	for _, seeded := range items {
		got, ok := itemStore.Get(seeded.ID)
		require.True(t, ok)
		require.Equal(t, models.StageQueued, got.Stage)
		require.Equal(t, 100, got.Progress)
		require.NotEmpty(t, got.RemoteID)
		require.NotEmpty(t, got.ProvisionalID)
		require.NotEqual(t, got.ProvisionalID, got.RemoteID, "registration must supersede the provisional id")
		require.Equal(t, "batch/"+got.Filename, got.ObjectKey)
		require.NotNil(t, got.UploadStartedAt)
		require.NotNil(t, got.UploadEndedAt)
		require.Empty(t, got.Error)

		_, ok = itemStore.Payload(seeded.ID)
		require.False(t, ok, "payload must be released once the item is queued")
	}

	require.Len(t, api.registered, 3)
	for _, reg := range api.registered {
		require.NotEmpty(t, reg.StudentName)
		require.Equal(t, int64(16), reg.Size)
	}

	snap := metrics.Snapshot()
	require.Equal(t, uint64(3), snap.UploadsStarted)
	require.Equal(t, uint64(3), snap.UploadsCompleted)
	require.Equal(t, uint64(0), snap.UploadsFailed)
	require.Equal(t, uint64(48), snap.BytesSent)
}

func TestUploadServiceConcurrencyBound(t *testing.T) {
	tests := []struct {
		name        string
		items       int
		concurrency int
		wantMax     int32
	}{
		{"single worker", 4, 1, 1},
		{"default pool", 9, 3, 3},
		{"more workers than items", 2, 8, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			itemStore := store.NewItemStore()
			seedPending(t, itemStore, tt.items)
			api := &fakeUploadAPI{transferDelay: 20 * time.Millisecond}
			svc, _ := newUploadServiceForTest(itemStore, api, tt.concurrency)

			require.NoError(t, svc.Run(context.Background()))

			require.LessOrEqual(t, atomic.LoadInt32(&api.maxInFlight), tt.wantMax)
			require.Equal(t, tt.items, len(api.registered))
		})
	}
}

func TestUploadServiceSaturatesPool(t *testing.T) {
	itemStore := store.NewItemStore()
	seedPending(t, itemStore, 5)
	api := &fakeUploadAPI{blockTransfer: make(chan struct{})}
	svc, _ := newUploadServiceForTest(itemStore, api, 3)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&api.inFlight) == 3
	}, 2*time.Second, 10*time.Millisecond, "pool never filled its three slots")

	// Hold the gate shut a beat: every slot stays occupied and nothing
	// beyond the bound is admitted.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&api.inFlight))

	counts := itemStore.Snapshot().CountByStage()
	require.Equal(t, 3, counts[models.StageUploading])
	require.Equal(t, 2, counts[models.StagePending])
	require.Zero(t, counts[models.StageQueued], "no item may finish while all transfers are gated")

	close(api.blockTransfer)
	require.NoError(t, <-done)

	require.Equal(t, int32(3), atomic.LoadInt32(&api.maxInFlight))
	require.Len(t, api.registered, 5)
	counts = itemStore.Snapshot().CountByStage()
	require.Equal(t, 5, counts[models.StageQueued])
}

func TestUploadServiceZeroConcurrencyAdmitsNothing(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 2)
	api := &fakeUploadAPI{}
	svc, _ := newUploadServiceForTest(itemStore, api, 0)

	require.NoError(t, svc.Run(context.Background()))

	for _, seeded := range items {
		got, ok := itemStore.Get(seeded.ID)
		require.True(t, ok)
		require.Equal(t, models.StagePending, got.Stage)
	}
	require.Zero(t, api.presigns)
}

func TestUploadServiceFailureIsolation(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 3)
	api := &fakeUploadAPI{
		failTransfer: map[string]error{"take_02.mp4": errors.New("connection reset by peer")},
	}
	svc, metrics := newUploadServiceForTest(itemStore, api, 3)

	require.NoError(t, svc.Run(context.Background()))

	byName := make(map[string]models.PipelineItem)
	for _, seeded := range items {
		got, ok := itemStore.Get(seeded.ID)
		require.True(t, ok)
		byName[got.Filename] = got
	}

	require.Equal(t, models.StageFailed, byName["take_02.mp4"].Stage)
	require.Contains(t, byName["take_02.mp4"].Error, "connection reset")
	require.Equal(t, models.StageQueued, byName["take_01.mp4"].Stage)
	require.Equal(t, models.StageQueued, byName["take_03.mp4"].Stage)

	snap := metrics.Snapshot()
	require.Equal(t, uint64(2), snap.UploadsCompleted)
	require.Equal(t, uint64(1), snap.UploadsFailed)
}

func TestUploadServiceRegisterFailureFailsItem(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 1)
	api := &fakeUploadAPI{
		failRegister: map[string]error{"take_01.mp4": errors.New("batch is closed")},
	}
	svc, _ := newUploadServiceForTest(itemStore, api, 1)

	require.NoError(t, svc.Run(context.Background()))

	got, ok := itemStore.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, models.StageFailed, got.Stage)
	require.Contains(t, got.Error, "batch is closed")
	require.Empty(t, got.RemoteID)
}

func TestUploadServiceProgressCappedUntilRegistered(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 1)
	// Full bytes reported, then the transfer dies: the recorded progress must
	// still sit at the cap because registration never confirmed the file.
	api := &fakeUploadAPI{
		fullProgress: true,
		failTransfer: map[string]error{"take_01.mp4": errors.New("stream truncated")},
	}
	svc, _ := newUploadServiceForTest(itemStore, api, 1)

	require.NoError(t, svc.Run(context.Background()))

	got, ok := itemStore.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, models.StageFailed, got.Stage)
	require.Equal(t, 95, got.Progress)
	require.Greater(t, got.RateBps, 0.0)
}

func TestUploadServiceCancelItem(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 1)
	api := &fakeUploadAPI{blockTransfer: make(chan struct{})}
	svc, _ := newUploadServiceForTest(itemStore, api, 1)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		got, ok := itemStore.Get(items[0].ID)
		return ok && got.Stage == models.StageUploading
	}, 2*time.Second, 10*time.Millisecond)

	svc.CancelItem(items[0].ID)
	require.NoError(t, <-done)

	got, ok := itemStore.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, models.StageFailed, got.Stage)
	require.Equal(t, "upload cancelled", got.Error)
}

func TestUploadServiceCancelPool(t *testing.T) {
	itemStore := store.NewItemStore()
	items := seedPending(t, itemStore, 4)
	api := &fakeUploadAPI{blockTransfer: make(chan struct{})}
	svc, _ := newUploadServiceForTest(itemStore, api, 1)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		got, ok := itemStore.Get(items[0].ID)
		return ok && got.Stage == models.StageUploading
	}, 2*time.Second, 10*time.Millisecond)

	svc.Cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The interrupted upload fails, everything that never started is gone.
	got, ok := itemStore.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, models.StageFailed, got.Stage)
	require.Equal(t, "upload cancelled", got.Error)

	snap := itemStore.Snapshot()
	require.Len(t, snap.Items, 1)
	require.Zero(t, snap.CountByStage()[models.StagePending])
}
