package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/repository"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
)

type mockDsStore struct {
	rows        map[string]*models.DsData
	docs        map[string]*models.DocumentRef
	ensureErr   error
	approvalErr error
	insertErr   error
	replaced    *models.DocumentRef
	applied     []repository.UpdateApprovalParams
}

func newMockDsStore(caseIDs ...string) *mockDsStore {
	m := &mockDsStore{rows: make(map[string]*models.DsData), docs: make(map[string]*models.DocumentRef)}
	for _, id := range caseIDs {
		m.rows[id] = &models.DsData{
			CaseID:        id,
			StudentStatus: models.ApprovalPending,
			AdminStatus:   models.ApprovalPending,
			Version:       1,
		}
	}
	return m
}

func (m *mockDsStore) EnsureRow(ctx context.Context, caseID string) (*models.DsData, error) {
	if m.ensureErr != nil {
		return nil, m.ensureErr
	}
	if ds, ok := m.rows[caseID]; ok {
		copy := *ds
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockDsStore) Get(ctx context.Context, caseID string) (*models.DsData, error) {
	return m.EnsureRow(ctx, caseID)
}

func (m *mockDsStore) UpdateMeta(ctx context.Context, ds *models.DsData) error {
	row, ok := m.rows[ds.CaseID]
	if !ok {
		return sql.ErrNoRows
	}
	row.ConfirmationNumber = ds.ConfirmationNumber
	row.SecurityQuestion = ds.SecurityQuestion
	row.SecurityAnswer = ds.SecurityAnswer
	row.BasicDsBox = ds.BasicDsBox
	return nil
}

func (m *mockDsStore) SetStartDate(ctx context.Context, caseID string, start, expiry time.Time) error {
	row, ok := m.rows[caseID]
	if !ok {
		return sql.ErrNoRows
	}
	row.StartDate = &start
	row.ExpiryDate = &expiry
	return nil
}

func (m *mockDsStore) UpdateApproval(ctx context.Context, params repository.UpdateApprovalParams) error {
	if m.approvalErr != nil {
		return m.approvalErr
	}
	row, ok := m.rows[params.CaseID]
	if !ok {
		return sql.ErrNoRows
	}
	if row.Version != params.Version {
		return repository.ErrVersionConflict
	}
	if params.StudentStatus != nil {
		row.StudentStatus = *params.StudentStatus
	}
	if params.AdminStatus != nil {
		row.AdminStatus = *params.AdminStatus
	}
	if params.RejectionReason != nil {
		row.RejectionReason = *params.RejectionReason
	}
	if params.AdminName != nil {
		row.AdminName = *params.AdminName
	}
	row.Version++
	m.applied = append(m.applied, params)
	return nil
}

func (m *mockDsStore) InsertFillingDocument(ctx context.Context, doc *models.DocumentRef) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	copy := *doc
	m.docs[doc.ID] = &copy
	return nil
}

func (m *mockDsStore) ReplaceSingletonDocument(ctx context.Context, doc *models.DocumentRef) (*models.DocumentRef, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	var prior *models.DocumentRef
	for id, existing := range m.docs {
		if existing.CaseID == doc.CaseID && existing.Kind == doc.Kind {
			prior = existing
			delete(m.docs, id)
			break
		}
	}
	copy := *doc
	m.docs[doc.ID] = &copy
	m.replaced = prior
	return prior, nil
}

func (m *mockDsStore) GetDocument(ctx context.Context, caseID, docID string) (*models.DocumentRef, error) {
	if doc, ok := m.docs[docID]; ok && doc.CaseID == caseID {
		copy := *doc
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockDsStore) GetDocumentByID(ctx context.Context, docID string) (*models.DocumentRef, error) {
	if doc, ok := m.docs[docID]; ok {
		copy := *doc
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockDsStore) DeleteDocument(ctx context.Context, caseID, docID string) error {
	if doc, ok := m.docs[docID]; ok && doc.CaseID == caseID {
		delete(m.docs, docID)
		return nil
	}
	return sql.ErrNoRows
}

type mockCaseLoader struct {
	ops map[string]*models.VisaOperation
}

func (m *mockCaseLoader) GetByID(ctx context.Context, id string) (*models.VisaOperation, error) {
	if op, ok := m.ops[id]; ok {
		copy := *op
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

type mockBlobStorage struct {
	dir     string
	saved   []string
	deleted []string
	saveErr error
}

func (m *mockBlobStorage) SaveStream(filename string, r io.Reader) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.saved = append(m.saved, filename)
	if m.dir != "" {
		full := filepath.Join(m.dir, filename)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", err
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return "", err
		}
	}
	return filename, nil
}

func (m *mockBlobStorage) Open(filename string) (*os.File, error) {
	return os.Open(filepath.Join(m.dir, filename))
}

func (m *mockBlobStorage) Delete(filename string) error {
	m.deleted = append(m.deleted, filename)
	return nil
}

type mockSigner struct {
	parseID  string
	parseErr error
}

func (m *mockSigner) Generate(id, relPath string) (string, time.Time, error) {
	return "token-" + id, time.Now().Add(time.Hour), nil
}

func (m *mockSigner) Parse(token string, allowExpired bool) (string, string, time.Time, error) {
	if m.parseErr != nil {
		return "", "", time.Time{}, m.parseErr
	}
	return m.parseID, "", time.Now().Add(time.Hour), nil
}

type mockAuditSink struct {
	logs []*models.AuditLog
}

func (m *mockAuditSink) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockAuditSink) actions() []string {
	var out []string
	for _, l := range m.logs {
		out = append(out, l.Action)
	}
	return out
}

type dsFixture struct {
	store   *mockDsStore
	cases   *mockCaseLoader
	storage *mockBlobStorage
	signer  *mockSigner
	audit   *mockAuditSink
	svc     *DsService
}

func newDsFixture(t *testing.T, caseIDs ...string) *dsFixture {
	t.Helper()
	store := newMockDsStore(caseIDs...)
	loader := &mockCaseLoader{ops: make(map[string]*models.VisaOperation)}
	for _, id := range caseIDs {
		loader.ops[id] = &models.VisaOperation{ID: id, VopNumber: "VOP-2026-00001", ContactID: "contact-1"}
	}
	storage := &mockBlobStorage{dir: t.TempDir()}
	signer := &mockSigner{}
	audit := &mockAuditSink{}
	svc := NewDsService(store, loader, storage, signer, audit, nil, nil, zap.NewNop(), DsServiceConfig{})
	return &dsFixture{store: store, cases: loader, storage: storage, signer: signer, audit: audit, svc: svc}
}

func studentClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, FullName: "Asha Rao", ContactID: "contact-1"}
}

// strangerClaims is a student account linked to a different contact than the
// fixture cases.
func strangerClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "student-2", Role: models.RoleStudent, FullName: "Rohit Menon", ContactID: "contact-2"}
}

func staffClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff, FullName: "Counsellor"}
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin, FullName: "Branch Head"}
}

func pdfUpload(name string) DocumentUpload {
	content := []byte("%PDF-1.4 test")
	return DocumentUpload{
		Filename: name,
		Size:     int64(len(content)),
		MimeType: "application/pdf",
		Content:  bytes.NewReader(content),
	}
}

func assertErrCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "expected typed error, got %v", err)
	assert.Equal(t, code, appErr.Code)
}

func TestSetStartDateDerivesExpiry(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.SetStartDate(context.Background(), "case-1", dto.StartDateRequest{StartDate: "2026-03-01"}, staffClaims())
	require.NoError(t, err)

	row := f.store.rows["case-1"]
	require.NotNil(t, row.StartDate)
	require.NotNil(t, row.ExpiryDate)
	assert.Equal(t, "2026-03-21", row.ExpiryDate.Format("2006-01-02"))
}

func TestSetStartDateRejectsBadFormat(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.SetStartDate(context.Background(), "case-1", dto.StartDateRequest{StartDate: "01/03/2026"}, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestStudentAcceptRequiresStudentRole(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.StudentAccept(context.Background(), "case-1", staffClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)
}

func TestAdminAcceptRequiresAdminRole(t *testing.T) {
	f := newDsFixture(t, "case-1")
	for _, actor := range []*models.JWTClaims{staffClaims(), studentClaims()} {
		_, err := f.svc.AdminAccept(context.Background(), "case-1", actor)
		assertErrCode(t, err, appErrors.ErrForbidden.Code)
	}
}

func TestAdminAcceptSnapshotsAdminName(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.AdminAccept(context.Background(), "case-1", adminClaims())
	require.NoError(t, err)

	row := f.store.rows["case-1"]
	assert.Equal(t, models.ApprovalAccepted, row.AdminStatus)
	assert.Equal(t, "Branch Head", row.AdminName)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newDsFixture(t, "case-1")

	_, err := f.svc.StudentReject(context.Background(), "case-1", dto.RejectRequest{Reason: "  "}, studentClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)

	_, err = f.svc.AdminReject(context.Background(), "case-1", dto.RejectRequest{}, adminClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestStudentRejectStoresReason(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.StudentReject(context.Background(), "case-1", dto.RejectRequest{Reason: "passport number is wrong"}, studentClaims())
	require.NoError(t, err)

	row := f.store.rows["case-1"]
	assert.Equal(t, models.ApprovalRejected, row.StudentStatus)
	assert.Equal(t, "passport number is wrong", row.RejectionReason)
}

func TestReacceptAfterRejection(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.StudentReject(context.Background(), "case-1", dto.RejectRequest{Reason: "typo in name"}, studentClaims())
	require.NoError(t, err)

	_, err = f.svc.StudentAccept(context.Background(), "case-1", studentClaims())
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalAccepted, f.store.rows["case-1"].StudentStatus)
}

func TestStaffAcceptOnBehalfAuditsOverride(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.StaffAcceptOnBehalf(context.Background(), "case-1", staffClaims())
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalAccepted, f.store.rows["case-1"].StudentStatus)
	assert.Contains(t, f.audit.actions(), models.AuditActionDsStaffAcceptOverride)
	assert.NotContains(t, f.audit.actions(), models.AuditActionDsStudentAccept)
}

func TestStudentDecisionScopedToOwnCase(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	_, err := f.svc.StudentAccept(ctx, "case-1", strangerClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	_, err = f.svc.StudentReject(ctx, "case-1", dto.RejectRequest{Reason: "not my form"}, strangerClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	row := f.store.rows["case-1"]
	assert.Equal(t, models.ApprovalPending, row.StudentStatus, "a foreign applicant must not move the state machine")
	assert.Empty(t, f.store.applied)

	// An account never linked to a contact reaches nothing either.
	unlinked := studentClaims()
	unlinked.ContactID = ""
	_, err = f.svc.StudentAccept(ctx, "case-1", unlinked)
	assertErrCode(t, err, appErrors.ErrForbidden.Code)
}

func TestDownloadScopedToApplicantCase(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	_, err := f.svc.AttachFillingDocument(ctx, "case-1", pdfUpload("draft.pdf"), staffClaims())
	require.NoError(t, err)
	var docID string
	for id := range f.store.docs {
		docID = id
	}

	_, err = f.svc.GetDownloadURL(ctx, docID, strangerClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	_, err = f.svc.Download(ctx, docID, "", strangerClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	token, err := f.svc.GetDownloadURL(ctx, docID, studentClaims())
	require.NoError(t, err)
	assert.Equal(t, "token-"+docID, token)
}

func TestTransitionVersionConflict(t *testing.T) {
	f := newDsFixture(t, "case-1")
	f.store.approvalErr = repository.ErrVersionConflict
	_, err := f.svc.StudentAccept(context.Background(), "case-1", studentClaims())
	assertErrCode(t, err, appErrors.ErrConflict.Code)
}

func TestTransitionUnknownCase(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.StudentAccept(context.Background(), "missing", studentClaims())
	assertErrCode(t, err, appErrors.ErrNotFound.Code)
}

func TestConfirmationGate(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		student models.ApprovalStatus
		admin   models.ApprovalStatus
	}{
		{"both pending", models.ApprovalPending, models.ApprovalPending},
		{"student only", models.ApprovalAccepted, models.ApprovalPending},
		{"admin only", models.ApprovalPending, models.ApprovalAccepted},
		{"student rejected", models.ApprovalRejected, models.ApprovalAccepted},
		{"admin rejected", models.ApprovalAccepted, models.ApprovalRejected},
		{"student rejected admin pending", models.ApprovalRejected, models.ApprovalPending},
		{"admin rejected student pending", models.ApprovalPending, models.ApprovalRejected},
		{"both rejected", models.ApprovalRejected, models.ApprovalRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newDsFixture(t, "case-1")
			f.store.rows["case-1"].StudentStatus = tc.student
			f.store.rows["case-1"].AdminStatus = tc.admin

			_, err := f.svc.AttachConfirmationDocument(ctx, "case-1", pdfUpload("ds160.pdf"), staffClaims())
			assertErrCode(t, err, appErrors.ErrPreconditionFailed.Code)
			assert.Empty(t, f.storage.saved, "nothing may reach storage when the gate blocks")
		})
	}
}

func TestConfirmationUploadWhenGateSatisfied(t *testing.T) {
	f := newDsFixture(t, "case-1")
	f.store.rows["case-1"].StudentStatus = models.ApprovalAccepted
	f.store.rows["case-1"].AdminStatus = models.ApprovalAccepted

	_, err := f.svc.AttachConfirmationDocument(context.Background(), "case-1", pdfUpload("ds160.pdf"), staffClaims())
	require.NoError(t, err)
	require.Len(t, f.store.docs, 1)
	for _, doc := range f.store.docs {
		assert.Equal(t, models.DocumentKindConfirmation, doc.Kind)
	}
}

func TestFillingUploadAlwaysLegal(t *testing.T) {
	f := newDsFixture(t, "case-1")
	_, err := f.svc.AttachFillingDocument(context.Background(), "case-1", pdfUpload("draft-1.pdf"), staffClaims())
	require.NoError(t, err)
	_, err = f.svc.AttachFillingDocument(context.Background(), "case-1", pdfUpload("draft-2.pdf"), staffClaims())
	require.NoError(t, err)
	assert.Len(t, f.store.docs, 2)
}

func TestSingletonReplacementDiscardsPriorBlob(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	_, err := f.svc.AttachInternalDocument(ctx, "case-1", pdfUpload("notes-v1.pdf"), staffClaims())
	require.NoError(t, err)
	_, err = f.svc.AttachInternalDocument(ctx, "case-1", pdfUpload("notes-v2.pdf"), staffClaims())
	require.NoError(t, err)

	assert.Len(t, f.store.docs, 1)
	require.NotNil(t, f.store.replaced)
	assert.Contains(t, f.storage.deleted, f.store.replaced.StoragePath)
}

func TestUploadValidation(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	tooBig := pdfUpload("big.pdf")
	tooBig.Size = 11 * 1024 * 1024
	_, err := f.svc.AttachFillingDocument(ctx, "case-1", tooBig, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)

	exe := pdfUpload("tool.exe")
	exe.MimeType = "application/x-msdownload"
	_, err = f.svc.AttachFillingDocument(ctx, "case-1", exe, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)

	empty := DocumentUpload{Filename: "empty.pdf", MimeType: "application/pdf"}
	_, err = f.svc.AttachFillingDocument(ctx, "case-1", empty, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)

	assert.Empty(t, f.storage.saved)
}

func TestUploadAcceptsMimeWithParams(t *testing.T) {
	f := newDsFixture(t, "case-1")
	up := pdfUpload("scan.pdf")
	up.MimeType = "Application/PDF; charset=binary"
	_, err := f.svc.AttachFillingDocument(context.Background(), "case-1", up, staffClaims())
	require.NoError(t, err)
}

func TestFailedReferenceWriteRollsBackBlob(t *testing.T) {
	f := newDsFixture(t, "case-1")
	f.store.insertErr = errors.New("db down")

	_, err := f.svc.AttachFillingDocument(context.Background(), "case-1", pdfUpload("draft.pdf"), staffClaims())
	assertErrCode(t, err, appErrors.ErrInternal.Code)
	require.Len(t, f.storage.saved, 1)
	assert.Equal(t, f.storage.saved, f.storage.deleted)
}

func TestStorageFailureSurfacesAsStorageError(t *testing.T) {
	f := newDsFixture(t, "case-1")
	f.storage.saveErr = errors.New("disk full")
	_, err := f.svc.AttachFillingDocument(context.Background(), "case-1", pdfUpload("draft.pdf"), staffClaims())
	assertErrCode(t, err, appErrors.ErrStorage.Code)
}

func TestDeleteDocumentScopedToCase(t *testing.T) {
	f := newDsFixture(t, "case-1", "case-2")
	ctx := context.Background()

	_, err := f.svc.AttachFillingDocument(ctx, "case-2", pdfUpload("other.pdf"), staffClaims())
	require.NoError(t, err)
	var otherID string
	for id := range f.store.docs {
		otherID = id
	}

	// Deleting through the wrong case must not touch the sibling's document.
	_, err = f.svc.DeleteDocument(ctx, "case-1", otherID, staffClaims())
	assertErrCode(t, err, appErrors.ErrNotFound.Code)
	assert.Len(t, f.store.docs, 1)

	_, err = f.svc.DeleteDocument(ctx, "case-2", otherID, staffClaims())
	require.NoError(t, err)
	assert.Empty(t, f.store.docs)
	assert.NotEmpty(t, f.storage.deleted)
}

func TestDownloadURLForbiddenForStudentInternalDoc(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	_, err := f.svc.AttachInternalDocument(ctx, "case-1", pdfUpload("notes.pdf"), staffClaims())
	require.NoError(t, err)
	var docID string
	for id := range f.store.docs {
		docID = id
	}

	_, err = f.svc.GetDownloadURL(ctx, docID, studentClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	token, err := f.svc.GetDownloadURL(ctx, docID, staffClaims())
	require.NoError(t, err)
	assert.Equal(t, "token-"+docID, token)
}

func TestDownloadWithToken(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	_, err := f.svc.AttachFillingDocument(ctx, "case-1", pdfUpload("draft.pdf"), staffClaims())
	require.NoError(t, err)
	var docID string
	for id := range f.store.docs {
		docID = id
	}
	f.signer.parseID = docID

	dl, err := f.svc.Download(ctx, docID, "signed-token", nil)
	require.NoError(t, err)
	defer dl.File.Close()
	assert.Equal(t, "draft.pdf", dl.Filename)
	assert.Equal(t, "application/pdf", dl.ContentType)

	// A token minted for another document must not open this one.
	f.signer.parseID = "other-doc"
	_, err = f.svc.Download(ctx, docID, "signed-token", nil)
	assertErrCode(t, err, appErrors.ErrUnauthorized.Code)
}

func TestFullWorkflowToCompletion(t *testing.T) {
	f := newDsFixture(t, "case-1")
	ctx := context.Background()

	_, err := f.svc.SetDsData(ctx, "case-1", dto.DsDataRequest{ConfirmationNumber: "AA00BB11CC"}, staffClaims())
	require.NoError(t, err)
	_, err = f.svc.SetStartDate(ctx, "case-1", dto.StartDateRequest{StartDate: "2026-03-01"}, staffClaims())
	require.NoError(t, err)
	_, err = f.svc.AttachFillingDocument(ctx, "case-1", pdfUpload("draft.pdf"), staffClaims())
	require.NoError(t, err)

	_, err = f.svc.StudentAccept(ctx, "case-1", studentClaims())
	require.NoError(t, err)
	_, err = f.svc.AdminAccept(ctx, "case-1", adminClaims())
	require.NoError(t, err)

	_, err = f.svc.AttachConfirmationDocument(ctx, "case-1", pdfUpload("confirmation.pdf"), staffClaims())
	require.NoError(t, err)

	row := f.store.rows["case-1"]
	assert.True(t, row.GateSatisfied())
	assert.Equal(t, "AA00BB11CC", row.ConfirmationNumber)
	assert.Contains(t, f.audit.actions(), models.AuditActionDsStudentAccept)
	assert.Contains(t, f.audit.actions(), models.AuditActionDsAdminAccept)
	assert.Contains(t, f.audit.actions(), models.AuditActionDocumentAttach)
}
