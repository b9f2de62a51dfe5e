package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/internal/repository"
	"github.com/noah-isme/lms-enrolment-api/pkg/export"
	"github.com/noah-isme/lms-enrolment-api/pkg/storage"
)

type reportDataRepository interface {
	ProgressSummary(ctx context.Context, filter repository.ProgressFilter) ([]repository.ProgressRow, error)
	PlanSummary(ctx context.Context, portalID string) ([]repository.PlanRow, error)
	OverdueSummary(ctx context.Context, portalID string, asOf time.Time) ([]repository.ProgressRow, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets and persists rendered files.
type ExportService struct {
	data    reportDataRepository
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// NewExportService constructs an ExportService.
func NewExportService(data reportDataRepository, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		data:    data,
		storage: storage,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate builds dataset according to job definition and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/export/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	portalPart := sanitizeFilename(job.Params.PortalID)
	name := fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), portalPart, timestamp, job.Params.Format)
	return name
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

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeProgress:
		return s.buildProgressDataset(ctx, job.Params)
	case models.ReportTypePlans:
		return s.buildPlanDataset(ctx, job.Params)
	case models.ReportTypeOverdue:
		return s.buildOverdueDataset(ctx, job.Params)
	case models.ReportTypeSummary:
		return s.buildSummaryDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

var progressHeaders = []string{"User", "Learning Object", "Type", "Status", "Pass", "Result", "Due Date", "Updated At"}

func progressDataRows(rows []repository.ProgressRow) []map[string]string {
	dataRows := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		dataRows = append(dataRows, map[string]string{
			"User":            row.UserName,
			"Learning Object": row.LOName,
			"Type":            row.LOType,
			"Status":          row.Status,
			"Pass":            row.Pass,
			"Result":          formatResult(row.Result),
			"Due Date":        formatReportTime(row.DueDate),
			"Updated At":      row.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return dataRows
}

func (s *ExportService) buildProgressDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	rows, err := s.data.ProgressSummary(ctx, repository.ProgressFilter{
		PortalID: params.PortalID,
		UserID:   params.UserID,
		LOID:     params.LOID,
	})
	if err != nil {
		return export.Dataset{}, "", err
	}
	dataset := export.Dataset{Headers: progressHeaders, Rows: progressDataRows(rows)}
	title := fmt.Sprintf("Progress Report %s", params.PortalID)
	return dataset, title, nil
}

func (s *ExportService) buildPlanDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	rows, err := s.data.PlanSummary(ctx, params.PortalID)
	if err != nil {
		return export.Dataset{}, "", err
	}
	dataRows := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		dataRows = append(dataRows, map[string]string{
			"Plan ID":    row.PlanID,
			"User":       row.UserName,
			"Entity ID":  row.EntityID,
			"Status":     row.Status,
			"Type":       row.Type,
			"Due Date":   formatReportTime(row.DueDate),
			"Created At": row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Plan ID", "User", "Entity ID", "Status", "Type", "Due Date", "Created At"},
		Rows:    dataRows,
	}
	title := fmt.Sprintf("Plan Assignment Report %s", params.PortalID)
	return dataset, title, nil
}

func (s *ExportService) buildOverdueDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	rows, err := s.data.OverdueSummary(ctx, params.PortalID, time.Now().UTC())
	if err != nil {
		return export.Dataset{}, "", err
	}
	dataset := export.Dataset{Headers: progressHeaders, Rows: progressDataRows(rows)}
	title := fmt.Sprintf("Overdue Report %s", params.PortalID)
	return dataset, title, nil
}

func (s *ExportService) buildSummaryDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	progressRows, err := s.data.ProgressSummary(ctx, repository.ProgressFilter{PortalID: params.PortalID})
	if err != nil {
		return export.Dataset{}, "", err
	}
	overdueRows, err := s.data.OverdueSummary(ctx, params.PortalID, time.Now().UTC())
	if err != nil {
		return export.Dataset{}, "", err
	}
	planRows, err := s.data.PlanSummary(ctx, params.PortalID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	completed := 0
	passed := 0
	for _, row := range progressRows {
		if row.Status == string(models.EnrolmentStatusCompleted) {
			completed++
		}
		if row.Pass == string(models.PassPassed) {
			passed++
		}
	}
	completionRate := 0.0
	if len(progressRows) > 0 {
		completionRate = float64(completed) / float64(len(progressRows)) * 100
	}

	rows := []map[string]string{
		{"Metric": "Enrolments", "Portal ID": params.PortalID, "Value": fmt.Sprintf("%d", len(progressRows))},
		{"Metric": "Completed", "Portal ID": params.PortalID, "Value": fmt.Sprintf("%d", completed)},
		{"Metric": "Passed", "Portal ID": params.PortalID, "Value": fmt.Sprintf("%d", passed)},
		{"Metric": "Completion Rate (%)", "Portal ID": params.PortalID, "Value": fmt.Sprintf("%.2f", completionRate)},
		{"Metric": "Active Plans", "Portal ID": params.PortalID, "Value": fmt.Sprintf("%d", len(planRows))},
		{"Metric": "Overdue", "Portal ID": params.PortalID, "Value": fmt.Sprintf("%d", len(overdueRows))},
	}

	dataset := export.Dataset{
		Headers: []string{"Metric", "Portal ID", "Value"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Summary Report %s", params.PortalID)
	return dataset, title, nil
}

func formatResult(value *float64) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *value)
}

func formatReportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
