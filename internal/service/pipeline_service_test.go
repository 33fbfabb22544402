package service

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/client"
	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/internal/store"
	"github.com/podiumlabs/podium-uploader/internal/stub"
	"github.com/podiumlabs/podium-uploader/pkg/config"
)

const pipelineTestToken = "pipeline-test-token"

// newStubBackend stands up the full stub grading API over httptest,
// grading workers included.
func newStubBackend(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := stub.NewServer(config.StubConfig{
		AuthToken:      pipelineTestToken,
		SignSecret:     "pipeline-test-secret",
		SpoolDir:       t.TempDir(),
		ProcessLatency: 20 * time.Millisecond,
		ProcessWorkers: 2,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.StartWorkers(ctx)

	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.StopWorkers()
	})
	return ts
}

func newPipelineForTest(t *testing.T, baseURL, batchID string) (*PipelineService, *store.ItemStore, *MetricsService) {
	t.Helper()
	log := zap.NewNop()
	api := client.NewSubmissionClient(client.Options{
		BaseURL: baseURL,
		Token:   pipelineTestToken,
		Timeout: 5 * time.Second,
		Logger:  log,
	})
	itemStore := store.NewItemStore()
	metrics := NewMetricsService()

	uploads := NewUploadService(itemStore, api, UploadServiceConfig{
		BatchID:     batchID,
		Concurrency: 3,
	}, log, metrics)
	reconciler := NewReconcileService(itemStore, api, batchID, 50*time.Millisecond, log, metrics)
	trigger := NewTriggerService(itemStore, api, batchID, 10*time.Millisecond, log, metrics)
	eta := NewEtaService(itemStore, 0, 0)

	return NewPipelineService(itemStore, uploads, reconciler, trigger, eta, log), itemStore, metrics
}

func waitSettled(t *testing.T, pipeline *PipelineService) {
	t.Helper()
	select {
	case <-pipeline.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("pipeline did not settle in time")
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	backend := newStubBackend(t)
	pipeline, _, metrics := newPipelineForTest(t, backend.URL, "batch_e2e")

	reqs := make([]models.AddRequest, 0, 5)
	for i := 1; i <= 4; i++ {
		reqs = append(reqs, models.AddRequest{
			Filename:     fmt.Sprintf("student_%d.mp4", i),
			ContentType:  "video/mp4",
			StudentLabel: fmt.Sprintf("Student %d", i),
			Payload:      models.BytesPayload("pretend this is a recording"),
		})
	}
	reqs = append(reqs, models.AddRequest{
		Filename:    "broken_fail.mp4",
		ContentType: "video/mp4",
		Payload:     models.BytesPayload("the stub fails filenames marked this way"),
	})

	_, err := pipeline.AddFiles(reqs)
	require.NoError(t, err)

	require.NoError(t, pipeline.Start(context.Background()))
	require.Error(t, pipeline.Start(context.Background()), "a second start while running must be rejected")

	waitSettled(t, pipeline)

	snap := pipeline.Snapshot()
	counts := snap.CountByStage()
	require.Equal(t, 4, counts[models.StageComplete])
	require.Equal(t, 1, counts[models.StageFailed])

	for _, item := range snap.Items {
		require.NotEmpty(t, item.RemoteID, "every item must carry the authoritative id after the run")
		require.Equal(t, 100, item.Progress)
		switch item.Stage {
		case models.StageComplete:
			require.NotNil(t, item.Score)
			require.GreaterOrEqual(t, *item.Score, 60.0)
			require.Less(t, *item.Score, 100.0)
			require.NotNil(t, item.CompletedAt)
		case models.StageFailed:
			require.Equal(t, "broken_fail.mp4", item.Filename)
			require.Contains(t, item.Error, "transcription failed")
		}
	}

	require.NotNil(t, snap.Batch)
	require.Equal(t, 5, snap.Batch.Total)
	require.Equal(t, 4, snap.Batch.Complete)
	require.Equal(t, 1, snap.Batch.Failed)

	require.False(t, pipeline.Eta().Known, "a settled batch has no estimate")

	m := metrics.Snapshot()
	require.Equal(t, uint64(5), m.UploadsCompleted)
	require.GreaterOrEqual(t, m.TriggerRounds, uint64(1))
	require.GreaterOrEqual(t, m.Polls, uint64(1))

	// The run is over, a fresh start with nothing pending settles right away.
	require.NoError(t, pipeline.Start(context.Background()))
	waitSettled(t, pipeline)
}

func TestPipelineCancelAll(t *testing.T) {
	backend := newStubBackend(t)
	pipeline, itemStore, _ := newPipelineForTest(t, backend.URL, "batch_cancel")

	reqs := make([]models.AddRequest, 0, 6)
	for i := 1; i <= 6; i++ {
		reqs = append(reqs, models.AddRequest{
			Filename:    fmt.Sprintf("take_%d.mp4", i),
			ContentType: "video/mp4",
			Payload:     models.BytesPayload("bytes"),
		})
	}
	_, err := pipeline.AddFiles(reqs)
	require.NoError(t, err)

	require.NoError(t, pipeline.Start(context.Background()))
	pipeline.CancelAll()
	waitSettled(t, pipeline)

	snap := itemStore.Snapshot()
	counts := snap.CountByStage()
	require.Zero(t, counts[models.StagePending], "cancelled runs leave no pending items behind")
	require.Zero(t, counts[models.StageUploading])
}

func TestPipelineRemoveItem(t *testing.T) {
	backend := newStubBackend(t)
	pipeline, itemStore, _ := newPipelineForTest(t, backend.URL, "batch_remove")

	items, err := pipeline.AddFiles([]models.AddRequest{
		{Filename: "keep.mp4", ContentType: "video/mp4", Payload: models.BytesPayload("keep")},
		{Filename: "drop.mp4", ContentType: "video/mp4", Payload: models.BytesPayload("drop")},
	})
	require.NoError(t, err)

	require.True(t, pipeline.RemoveItem(items[1].ID))
	require.False(t, pipeline.RemoveItem(items[1].ID), "removal is final")
	require.Equal(t, 1, itemStore.Len())

	require.NoError(t, pipeline.Start(context.Background()))
	waitSettled(t, pipeline)

	snap := pipeline.Snapshot()
	require.Len(t, snap.Items, 1)
	require.Equal(t, "keep.mp4", snap.Items[0].Filename)
	require.Equal(t, models.StageComplete, snap.Items[0].Stage)
}

func TestPipelineDoneBeforeAnyRun(t *testing.T) {
	backend := newStubBackend(t)
	pipeline, _, _ := newPipelineForTest(t, backend.URL, "batch_idle")

	select {
	case <-pipeline.Done():
	default:
		t.Fatal("Done must report a closed channel before the first run")
	}
	require.False(t, pipeline.Eta().Known)
}
