package service

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/pkg/storage"
)

func newExportServiceForTest(t *testing.T) (*ExportService, *storage.ObjectStore) {
	t.Helper()
	out, err := storage.NewObjectStore(t.TempDir())
	require.NoError(t, err)
	svc := NewExportService(out, zap.NewNop(), nil, nil)
	return svc, out
}

func resultsSnapshotForTest() models.PipelineSnapshot {
	score := 87.5
	completed := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	errMsg := "transcription failed: unreadable audio"
	return models.PipelineSnapshot{
		Items: []models.PipelineItem{
			{
				ID:           "it_1",
				Filename:     "alice_take1.mp4",
				StudentLabel: "Alice",
				Stage:        models.StageComplete,
				Progress:     100,
				Score:        &score,
				CompletedAt:  &completed,
			},
			{
				ID:       "it_2",
				Filename: "bob_take2.mp4",
				Stage:    models.StageFailed,
				Progress: 100,
				Error:    errMsg,
			},
			{
				ID:       "it_3",
				Filename: "carol_take1.mp4",
				Stage:    models.StageAnalyzing,
				Progress: 100,
			},
		},
		TakenAt: time.Now().UTC(),
	}
}

func TestExportServiceGenerateCSV(t *testing.T) {
	svc, out := newExportServiceForTest(t)

	result, err := svc.Generate("batch_42", resultsSnapshotForTest(), ResultsFormatCSV)
	require.NoError(t, err)
	require.Equal(t, ResultsFormatCSV, result.Format)
	require.Equal(t, 3, result.Rows)
	require.Contains(t, result.Filename, "batch_42")

	info, err := os.Stat(out.Path(result.Filename))
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceGeneratePDF(t *testing.T) {
	svc, out := newExportServiceForTest(t)

	result, err := svc.Generate("batch_42", resultsSnapshotForTest(), ResultsFormatPDF)
	require.NoError(t, err)
	require.Equal(t, ResultsFormatPDF, result.Format)

	info, err := os.Stat(out.Path(result.Filename))
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceRejectsUnknownFormat(t *testing.T) {
	svc, _ := newExportServiceForTest(t)

	_, err := svc.Generate("batch_42", resultsSnapshotForTest(), ResultsFormat("xlsx"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported format")
}
