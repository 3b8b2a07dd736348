package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/pkg/export"
	"github.com/lyceum-overseas/visa-ops-api/pkg/storage"
)

type caseExportSource interface {
	GetByID(ctx context.Context, id string) (*models.VisaOperation, error)
	List(ctx context.Context, filter models.CaseFilter) ([]models.CaseSummary, error)
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
	Format       models.ExportFormat
	ExpiresAt    time.Time
}

// ExportService builds export datasets from case data and persists rendered
// files.
type ExportService struct {
	cases   caseExportSource
	ds      dsReader
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
func NewExportService(cases caseExportSource, ds dsReader, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
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
		cases:   cases,
		ds:      ds,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate builds the dataset for a job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ExportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ExportFormatPDF:
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
	signedURL = fmt.Sprintf("%s/exports/download/%s", signedURL, token)

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

func (s *ExportService) buildFilename(job *models.ExportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	scope := "all"
	if job.Params.CaseID != nil {
		scope = sanitizeFilename(*job.Params.CaseID)
	}
	return fmt.Sprintf("%s_%s_%s.%s", string(job.Type), scope, timestamp, job.Params.Format)
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

func (s *ExportService) buildDataset(ctx context.Context, job *models.ExportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ExportTypeCaseRegister:
		return s.buildRegisterDataset(ctx, job.Params)
	case models.ExportTypeCaseSummary:
		return s.buildCaseSummaryDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported export type %s", job.Type)
	}
}

// buildRegisterDataset exports the register projection. Credentials and
// security answers never reach an export file.
func (s *ExportService) buildRegisterDataset(ctx context.Context, params models.ExportJobParams) (export.Dataset, string, error) {
	filter := models.CaseFilter{
		Text:     params.Text,
		DateFrom: params.DateFrom,
		DateTo:   params.DateTo,
		Limit:    10000,
	}
	summaries, err := s.cases.List(ctx, filter)
	if err != nil {
		return export.Dataset{}, "", err
	}
	rows := make([]map[string]string, 0, len(summaries))
	for i := range summaries {
		summary := &summaries[i]
		summary.DeriveStatusLabel()
		outcome := ""
		if summary.VisaOutcome != nil {
			outcome = string(*summary.VisaOutcome)
		}
		rows = append(rows, map[string]string{
			"VOP Number": summary.VopNumber,
			"Name":       summary.Name,
			"Phone":      summary.Phone,
			"Country":    summary.Country,
			"Created":    summary.CreatedAt.UTC().Format("2006-01-02"),
			"Status":     summary.StatusLabel,
			"Outcome":    outcome,
		})
	}
	dataset := export.Dataset{
		Headers: []string{"VOP Number", "Name", "Phone", "Country", "Created", "Status", "Outcome"},
		Rows:    rows,
	}
	return dataset, "Visa Operation Register", nil
}

// buildCaseSummaryDataset exports one case as a field/value sheet.
func (s *ExportService) buildCaseSummaryDataset(ctx context.Context, params models.ExportJobParams) (export.Dataset, string, error) {
	if params.CaseID == nil || *params.CaseID == "" {
		return export.Dataset{}, "", fmt.Errorf("case id required for summary export")
	}
	op, err := s.cases.GetByID(ctx, *params.CaseID)
	if err != nil {
		return export.Dataset{}, "", err
	}
	if ds, err := s.ds.Get(ctx, op.ID); err == nil {
		op.DsData = ds
	}

	rows := []map[string]string{
		{"Field": "VOP Number", "Value": op.VopNumber},
		{"Field": "Name", "Value": op.Name},
		{"Field": "Phone", "Value": op.Phone},
		{"Field": "Country", "Value": op.Country},
		{"Field": "Created", "Value": op.CreatedAt.UTC().Format("2006-01-02")},
	}
	if slot := op.SlotBookingData; slot != nil {
		rows = append(rows,
			map[string]string{"Field": "VAC Consulate", "Value": slot.VacConsulate},
			map[string]string{"Field": "VAC Date", "Value": formatExportDate(slot.VacDate)},
			map[string]string{"Field": "VI Consulate", "Value": slot.ViConsulate},
			map[string]string{"Field": "VI Date", "Value": formatExportDate(slot.ViDate)},
			map[string]string{"Field": "Booked By", "Value": slot.BookedBy},
		)
	}
	if iv := op.VisaInterviewData; iv != nil {
		rows = append(rows,
			map[string]string{"Field": "Visa Outcome", "Value": string(iv.VisaOutcome)},
			map[string]string{"Field": "Interview Remarks", "Value": iv.Remarks},
		)
	}
	if ds := op.DsData; ds != nil {
		rows = append(rows,
			map[string]string{"Field": "DS-160 Confirmation No", "Value": ds.ConfirmationNumber},
			map[string]string{"Field": "DS-160 Start Date", "Value": formatExportDate(ds.StartDate)},
			map[string]string{"Field": "DS-160 Expiry Date", "Value": formatExportDate(ds.ExpiryDate)},
			map[string]string{"Field": "Student Status", "Value": string(ds.StudentStatus)},
			map[string]string{"Field": "Admin Status", "Value": string(ds.AdminStatus)},
			map[string]string{"Field": "Status", "Value": ds.StatusLabel()},
		)
	}

	dataset := export.Dataset{
		Headers: []string{"Field", "Value"},
		Rows:    rows,
	}
	return dataset, fmt.Sprintf("Case Summary %s", op.VopNumber), nil
}

func formatExportDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
