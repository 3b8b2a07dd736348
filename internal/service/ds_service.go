package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/repository"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
)

type dsStore interface {
	EnsureRow(ctx context.Context, caseID string) (*models.DsData, error)
	Get(ctx context.Context, caseID string) (*models.DsData, error)
	UpdateMeta(ctx context.Context, ds *models.DsData) error
	SetStartDate(ctx context.Context, caseID string, start, expiry time.Time) error
	UpdateApproval(ctx context.Context, params repository.UpdateApprovalParams) error
	InsertFillingDocument(ctx context.Context, doc *models.DocumentRef) error
	ReplaceSingletonDocument(ctx context.Context, doc *models.DocumentRef) (*models.DocumentRef, error)
	GetDocument(ctx context.Context, caseID, docID string) (*models.DocumentRef, error)
	GetDocumentByID(ctx context.Context, docID string) (*models.DocumentRef, error)
	DeleteDocument(ctx context.Context, caseID, docID string) error
}

type caseLoader interface {
	GetByID(ctx context.Context, id string) (*models.VisaOperation, error)
}

type documentStorage interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type documentSigner interface {
	Generate(id, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (id, relPath string, expiresAt time.Time, err error)
}

// DocumentUpload carries upload metadata and the stream reader.
type DocumentUpload struct {
	Filename string
	Size     int64
	MimeType string
	Content  io.ReadSeeker
}

// DocumentDownload bundles a blob reader with its metadata for streaming.
type DocumentDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	SizeBytes   int64
}

// DsServiceConfig holds document validation parameters.
type DsServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
}

// DsService implements the DS-160 workflow: form metadata, the dual-approval
// gate and document management. Role checks happen here, not only at the
// router, so a client bypassing the UI still cannot drive illegal
// transitions.
type DsService struct {
	ds      dsStore
	cases   caseLoader
	dsRead  dsReader
	storage documentStorage
	signer  documentSigner
	audit   auditLogger
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	cfg     DsServiceConfig
	mimeSet map[string]struct{}
}

// NewDsService constructs the service with defaults.
func NewDsService(ds dsStore, cases caseLoader, storage documentStorage, signer documentSigner, audit auditLogger, cache *CacheService, metrics *MetricsService, logger *zap.Logger, cfg DsServiceConfig) *DsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{"application/pdf", "image/jpeg", "image/png"}
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &DsService{
		ds:      ds,
		cases:   cases,
		dsRead:  ds,
		storage: storage,
		signer:  signer,
		audit:   audit,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		mimeSet: mimeSet,
	}
}

// SetDsData overwrites the form metadata, creating the sub-record on first
// save.
func (s *DsService) SetDsData(ctx context.Context, caseID string, req dto.DsDataRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	if _, err := s.ensureRow(ctx, caseID); err != nil {
		return nil, err
	}
	ds := &models.DsData{
		CaseID:             caseID,
		ConfirmationNumber: req.ConfirmationNumber,
		SecurityQuestion:   req.SecurityQuestion,
		SecurityAnswer:     req.SecurityAnswer,
		BasicDsBox:         req.BasicDsBox,
	}
	if err := s.ds.UpdateMeta(ctx, ds); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save ds data")
	}
	s.emitAudit(ctx, actor, models.AuditActionDsUpdate, caseID, nil)
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// SetStartDate stores the session start date and derives the expiry as
// startDate plus twenty days. The expiry is never writable directly.
func (s *DsService) SetStartDate(ctx context.Context, caseID string, req dto.StartDateRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "startDate must be YYYY-MM-DD")
	}
	if _, err := s.ensureRow(ctx, caseID); err != nil {
		return nil, err
	}
	expiry := start.AddDate(0, 0, models.DsExpiryDays)
	if err := s.ds.SetStartDate(ctx, caseID, start, expiry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save start date")
	}
	s.emitAudit(ctx, actor, models.AuditActionDsUpdate, caseID, map[string]interface{}{"startDate": req.StartDate})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// StudentAccept records the applicant's acceptance of the filling documents.
// Legal from pending or rejected; re-review after a rejection is permitted.
func (s *DsService) StudentAccept(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleStudent); err != nil {
		return nil, err
	}
	if err := s.requireApplicantAccess(ctx, caseID, actor); err != nil {
		return nil, err
	}
	return s.applyStudentAccept(ctx, caseID, actor, models.AuditActionDsStudentAccept)
}

// StudentReject records the applicant's rejection with a mandatory reason.
func (s *DsService) StudentReject(ctx context.Context, caseID string, req dto.RejectRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleStudent); err != nil {
		return nil, err
	}
	if err := s.requireApplicantAccess(ctx, caseID, actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rejection reason is required")
	}
	status := models.ApprovalRejected
	if err := s.transition(ctx, caseID, repository.UpdateApprovalParams{
		StudentStatus:   &status,
		RejectionReason: &req.Reason,
	}); err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionDsStudentReject, caseID, map[string]interface{}{"reason": req.Reason})
	s.observeTransition("student_reject")
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// StaffAcceptOnBehalf is the administrative override of the applicant's
// acceptance. Its audit action is distinct so the override path stays
// traceable.
func (s *DsService) StaffAcceptOnBehalf(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	return s.applyStudentAccept(ctx, caseID, actor, models.AuditActionDsStaffAcceptOverride)
}

func (s *DsService) applyStudentAccept(ctx context.Context, caseID string, actor *models.JWTClaims, auditAction string) (*models.VisaOperation, error) {
	status := models.ApprovalAccepted
	if err := s.transition(ctx, caseID, repository.UpdateApprovalParams{StudentStatus: &status}); err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, auditAction, caseID, nil)
	s.observeTransition("student_accept")
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// AdminAccept records the administrator's acceptance and snapshots who made
// it. Admin only; the check is enforced here regardless of what the UI shows.
func (s *DsService) AdminAccept(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	status := models.ApprovalAccepted
	adminName := actor.FullName
	if err := s.transition(ctx, caseID, repository.UpdateApprovalParams{
		AdminStatus: &status,
		AdminName:   &adminName,
	}); err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionDsAdminAccept, caseID, map[string]interface{}{"adminName": adminName})
	s.observeTransition("admin_accept")
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// AdminReject records the administrator's rejection with a mandatory reason.
func (s *DsService) AdminReject(ctx context.Context, caseID string, req dto.RejectRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rejection reason is required")
	}
	status := models.ApprovalRejected
	if err := s.transition(ctx, caseID, repository.UpdateApprovalParams{
		AdminStatus:     &status,
		RejectionReason: &req.Reason,
	}); err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionDsAdminReject, caseID, map[string]interface{}{"reason": req.Reason})
	s.observeTransition("admin_reject")
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// transition applies one CAS-guarded approval update against the current
// version of the sub-record.
func (s *DsService) transition(ctx context.Context, caseID string, params repository.UpdateApprovalParams) error {
	ds, err := s.ensureRow(ctx, caseID)
	if err != nil {
		return err
	}
	params.CaseID = caseID
	params.Version = ds.Version
	if err := s.ds.UpdateApproval(ctx, params); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return appErrors.Clone(appErrors.ErrConflict, "approval state changed concurrently, retry")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update approval state")
	}
	return nil
}

// AttachFillingDocument appends a document presented to the applicant. Always
// legal regardless of the gate: staff may keep revising while decisions are
// pending.
func (s *DsService) AttachFillingDocument(ctx context.Context, caseID string, upload DocumentUpload, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	if _, err := s.ensureRow(ctx, caseID); err != nil {
		return nil, err
	}
	doc, err := s.storeBlob(caseID, upload, models.DocumentKindFilling)
	if err != nil {
		return nil, err
	}
	if err := s.ds.InsertFillingDocument(ctx, doc); err != nil {
		s.discardBlob(doc.StoragePath)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record document")
	}
	s.emitAudit(ctx, actor, models.AuditActionDocumentAttach, caseID, map[string]interface{}{"kind": string(doc.Kind), "documentId": doc.ID})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// AttachInternalDocument sets the staff-only attachment, replacing any prior
// one.
func (s *DsService) AttachInternalDocument(ctx context.Context, caseID string, upload DocumentUpload, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	if _, err := s.ensureRow(ctx, caseID); err != nil {
		return nil, err
	}
	return s.attachSingleton(ctx, caseID, upload, models.DocumentKindInternal, actor)
}

// AttachConfirmationDocument sets the final proof-of-submission document.
// Precondition: both approval statuses accepted.
func (s *DsService) AttachConfirmationDocument(ctx context.Context, caseID string, upload DocumentUpload, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	ds, err := s.ensureRow(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !ds.GateSatisfied() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student and admin acceptance required before confirmation upload")
	}
	return s.attachSingleton(ctx, caseID, upload, models.DocumentKindConfirmation, actor)
}

func (s *DsService) attachSingleton(ctx context.Context, caseID string, upload DocumentUpload, kind models.DocumentKind, actor *models.JWTClaims) (*models.VisaOperation, error) {
	doc, err := s.storeBlob(caseID, upload, kind)
	if err != nil {
		return nil, err
	}
	replaced, err := s.ds.ReplaceSingletonDocument(ctx, doc)
	if err != nil {
		s.discardBlob(doc.StoragePath)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record document")
	}
	if replaced != nil {
		s.discardBlob(replaced.StoragePath)
	}
	s.emitAudit(ctx, actor, models.AuditActionDocumentAttach, caseID, map[string]interface{}{"kind": string(kind), "documentId": doc.ID})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// DeleteDocument removes a reference held by this case and the underlying
// blob. Ids not referenced by the case fail with not found rather than
// silently succeeding.
func (s *DsService) DeleteDocument(ctx context.Context, caseID, docID string, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	doc, err := s.ds.GetDocument(ctx, caseID, docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document is not referenced by this case")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	if err := s.ds.DeleteDocument(ctx, caseID, docID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document is not referenced by this case")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete document")
	}
	s.discardBlob(doc.StoragePath)
	s.emitAudit(ctx, actor, models.AuditActionDocumentDelete, caseID, map[string]interface{}{"documentId": docID})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// GetDownloadURL issues a signed token for a document the actor may read.
func (s *DsService) GetDownloadURL(ctx context.Context, docID string, actor *models.JWTClaims) (string, error) {
	doc, err := s.resolveReadable(ctx, docID, actor)
	if err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(doc.ID, doc.StoragePath)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}
	return token, nil
}

// Download streams a document blob. Either a valid signed token or an
// authorized actor is required.
func (s *DsService) Download(ctx context.Context, docID, token string, actor *models.JWTClaims) (*DocumentDownload, error) {
	var doc *models.DocumentRef
	if token != "" {
		tokenID, _, _, err := s.signer.Parse(token, false)
		if err != nil || tokenID != docID {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download token")
		}
		doc, err = s.ds.GetDocumentByID(ctx, docID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
		}
	} else {
		var err error
		doc, err = s.resolveReadable(ctx, docID, actor)
		if err != nil {
			return nil, err
		}
	}

	file, err := s.storage.Open(doc.StoragePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to open document")
	}
	return &DocumentDownload{
		File:        file,
		Filename:    doc.Name,
		ContentType: doc.ContentType,
		SizeBytes:   doc.SizeBytes,
	}, nil
}

// resolveReadable loads a document reference and applies read authorization:
// staff and admin read everything, applicants never see internal documents
// and only reach documents on their own case.
func (s *DsService) resolveReadable(ctx context.Context, docID string, actor *models.JWTClaims) (*models.DocumentRef, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	doc, err := s.ds.GetDocumentByID(ctx, docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	if actor.Role == models.RoleStudent {
		if doc.Kind == models.DocumentKindInternal {
			return nil, appErrors.ErrForbidden
		}
		if err := s.requireApplicantAccess(ctx, doc.CaseID, actor); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// requireApplicantAccess loads the case and checks the student's contact link
// against it. Non-student actors pass without a lookup.
func (s *DsService) requireApplicantAccess(ctx context.Context, caseID string, actor *models.JWTClaims) error {
	if actor == nil || actor.Role != models.RoleStudent {
		return nil
	}
	op, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	return requireApplicantCase(actor, op)
}

func (s *DsService) ensureRow(ctx context.Context, caseID string) (*models.DsData, error) {
	ds, err := s.ds.EnsureRow(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ds data")
	}
	return ds, nil
}

// storeBlob validates the upload and persists it before any reference is
// written, so a failed write never leaves a dangling reference.
func (s *DsService) storeBlob(caseID string, upload DocumentUpload, kind models.DocumentKind) (*models.DocumentRef, error) {
	if upload.Content == nil || upload.Size <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}
	contentType := strings.ToLower(strings.TrimSpace(upload.MimeType))
	if idx := strings.Index(contentType, ";"); idx > 0 {
		contentType = contentType[:idx]
	}
	if _, allowed := s.mimeSet[contentType]; !allowed {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file type not allowed")
	}
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}

	docID := uuid.NewString()
	ext := filepath.Ext(upload.Filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	path := filepath.Join(caseID, docID+ext)
	if _, err := s.storage.SaveStream(path, upload.Content); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to store document")
	}
	return &models.DocumentRef{
		ID:          docID,
		CaseID:      caseID,
		Kind:        kind,
		Name:        filepath.Base(upload.Filename),
		SizeBytes:   upload.Size,
		ContentType: contentType,
		StoragePath: path,
	}, nil
}

func (s *DsService) discardBlob(path string) {
	if err := s.storage.Delete(path); err != nil {
		s.logger.Warn("document blob delete failed", zap.String("path", path), zap.Error(err))
	}
}

func (s *DsService) loadCase(ctx context.Context, caseID string) (*models.VisaOperation, error) {
	op, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	ds, err := s.dsRead.Get(ctx, caseID)
	switch {
	case err == nil:
		op.DsData = ds
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ds data")
	}
	return op, nil
}

func (s *DsService) observeTransition(name string) {
	if s.metrics != nil {
		s.metrics.RecordWorkflowTransition(name)
	}
}

func (s *DsService) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, caseCachePattern); err != nil {
		s.logger.Warn("case cache invalidation failed", zap.Error(err))
	}
}

func (s *DsService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, caseID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	var payload []byte
	if values != nil {
		payload, _ = json.Marshal(values)
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "visa_operation",
		ResourceID: &caseID,
		NewValues:  payload,
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
