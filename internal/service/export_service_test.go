package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/pkg/storage"
)

type mockExportSource struct {
	ops       map[string]*models.VisaOperation
	summaries []models.CaseSummary
	ds        map[string]*models.DsData
}

func (m *mockExportSource) GetByID(ctx context.Context, id string) (*models.VisaOperation, error) {
	if op, ok := m.ops[id]; ok {
		copy := *op
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockExportSource) List(ctx context.Context, filter models.CaseFilter) ([]models.CaseSummary, error) {
	return m.summaries, nil
}

func (m *mockExportSource) Get(ctx context.Context, caseID string) (*models.DsData, error) {
	if ds, ok := m.ds[caseID]; ok {
		copy := *ds
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func newExportFixture(t *testing.T, source *mockExportSource) *ExportService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	return NewExportService(source, source, store, signer, ExportConfig{APIPrefix: "/api/v1"}, zap.NewNop(), nil, nil)
}

func TestGenerateRegisterExportCSV(t *testing.T) {
	accepted := string(models.ApprovalAccepted)
	outcome := models.OutcomeApproved
	source := &mockExportSource{
		summaries: []models.CaseSummary{
			{
				VopNumber: "VOP-2026-00001", Name: "Asha Rao", Phone: "+91 98200 00000",
				Country: "USA", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
				StudentStatus: &accepted, AdminStatus: &accepted, HasConfirmDoc: true,
				VisaOutcome: &outcome,
			},
		},
	}
	svc := newExportFixture(t, source)

	job := &models.ExportJob{
		ID:     "job-1",
		Type:   models.ExportTypeCaseRegister,
		Params: models.ExportJobParams{Format: models.ExportFormatCSV},
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.ExportFormatCSV, result.Format)
	assert.True(t, strings.HasPrefix(result.URL, "/api/v1/exports/download/"))

	file, err := svc.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	buf := make([]byte, 4096)
	n, _ := file.Read(buf)
	content := string(buf[:n])

	assert.Contains(t, content, "VOP-2026-00001")
	assert.Contains(t, content, models.StatusLabelCompleted)
	assert.Contains(t, content, "Approved")
}

func TestGenerateCaseSummaryIncludesDsState(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expiry := start.AddDate(0, 0, models.DsExpiryDays)
	source := &mockExportSource{
		ops: map[string]*models.VisaOperation{
			"case-1": {
				ID: "case-1", VopNumber: "VOP-2026-00001", Name: "Asha Rao",
				Country: "USA", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			},
		},
		ds: map[string]*models.DsData{
			"case-1": {
				CaseID: "case-1", ConfirmationNumber: "AA00BB11CC",
				StartDate: &start, ExpiryDate: &expiry,
				StudentStatus: models.ApprovalAccepted, AdminStatus: models.ApprovalAccepted,
			},
		},
	}
	svc := newExportFixture(t, source)

	caseID := "case-1"
	job := &models.ExportJob{
		ID:     "job-2",
		Type:   models.ExportTypeCaseSummary,
		Params: models.ExportJobParams{CaseID: &caseID, Format: models.ExportFormatCSV},
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)

	file, err := svc.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	buf := make([]byte, 8192)
	n, _ := file.Read(buf)
	content := string(buf[:n])

	assert.Contains(t, content, "AA00BB11CC")
	assert.Contains(t, content, "2026-03-21")
	assert.Contains(t, content, models.StatusLabelAwaitingSubmission)
}

func TestGenerateCaseSummaryPDF(t *testing.T) {
	source := &mockExportSource{
		ops: map[string]*models.VisaOperation{
			"case-1": {ID: "case-1", VopNumber: "VOP-2026-00001", Name: "Asha Rao"},
		},
	}
	svc := newExportFixture(t, source)

	caseID := "case-1"
	job := &models.ExportJob{
		ID:     "job-3",
		Type:   models.ExportTypeCaseSummary,
		Params: models.ExportJobParams{CaseID: &caseID, Format: models.ExportFormatPDF},
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.RelativePath, ".pdf"))

	file, err := svc.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	header := make([]byte, 4)
	_, err = file.Read(header)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(header))
}

func TestGenerateTokenRoundTrip(t *testing.T) {
	source := &mockExportSource{summaries: nil}
	svc := newExportFixture(t, source)

	job := &models.ExportJob{
		ID:     "job-4",
		Type:   models.ExportTypeCaseRegister,
		Params: models.ExportJobParams{Format: models.ExportFormatCSV},
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)

	jobID, relPath, _, err := svc.ParseToken(result.Token, false)
	require.NoError(t, err)
	assert.Equal(t, "job-4", jobID)
	assert.Equal(t, result.RelativePath, relPath)

	_, _, _, err = svc.ParseToken(result.Token+"tampered", false)
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "na", sanitizeFilename(""))
	assert.Equal(t, "a_b-c", sanitizeFilename("a b/c"))
	assert.NotContains(t, sanitizeFilename("../../etc/passwd"), "..")
}
