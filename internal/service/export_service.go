package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/models"
	"github.com/podiumlabs/podium-uploader/pkg/export"
)

// ResultsFormat selects the rendering backend for batch exports.
type ResultsFormat string

const (
	ResultsFormatCSV ResultsFormat = "csv"
	ResultsFormatPDF ResultsFormat = "pdf"
)

type resultsStorage interface {
	Save(filename string, data []byte) (string, error)
	Path(filename string) string
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	Filename string
	Path     string
	Format   ResultsFormat
	Rows     int
}

// ExportService renders a batch snapshot into a shareable results file.
type ExportService struct {
	storage resultsStorage
	csv     csvRenderer
	pdf     pdfRenderer
	logger  *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(storage resultsStorage, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		storage: storage,
		csv:     csv,
		pdf:     pdf,
		logger:  logger,
	}
}

// Generate renders the snapshot in the requested format and stores the file.
func (s *ExportService) Generate(batchID string, snap models.PipelineSnapshot, format ResultsFormat) (*ExportResult, error) {
	dataset := s.buildDataset(batchID, snap)

	var payload []byte
	var err error
	switch format {
	case ResultsFormatCSV:
		payload, err = s.csv.Render(dataset)
	case ResultsFormatPDF:
		payload, err = s.pdf.Render(dataset)
	default:
		err = fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(batchID, format)
	rel, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("results exported", "batch_id", batchID, "file", rel, "rows", len(dataset.Rows))

	return &ExportResult{
		Filename: rel,
		Path:     s.storage.Path(rel),
		Format:   format,
		Rows:     len(dataset.Rows),
	}, nil
}

func (s *ExportService) buildDataset(batchID string, snap models.PipelineSnapshot) export.Dataset {
	rows := make([]map[string]string, 0, len(snap.Items))
	for _, item := range snap.Items {
		rows = append(rows, map[string]string{
			"Filename":     item.Filename,
			"Student":      item.StudentLabel,
			"Stage":        string(item.Stage),
			"Progress":     fmt.Sprintf("%d%%", item.Progress),
			"Score":        formatScore(item.Score),
			"Completed At": formatResultTime(item.CompletedAt),
			"Error":        item.Error,
		})
	}
	return export.Dataset{
		Title:   fmt.Sprintf("Batch Results %s", batchID),
		Headers: []string{"Filename", "Student", "Stage", "Progress", "Score", "Completed At", "Error"},
		Rows:    rows,
	}
}

func (s *ExportService) buildFilename(batchID string, format ResultsFormat) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("results_%s_%s.%s", sanitizeFilename(batchID), timestamp, format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.1f", *score)
}

func formatResultTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
