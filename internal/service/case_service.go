package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/repository"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
)

const caseCachePattern = "cases:*"

type caseStore interface {
	NextVopSequence(ctx context.Context) (int64, error)
	Create(ctx context.Context, op *models.VisaOperation) error
	GetByID(ctx context.Context, id string) (*models.VisaOperation, error)
	List(ctx context.Context, filter models.CaseFilter) ([]models.CaseSummary, error)
	ListByContact(ctx context.Context, contactID, excludeCaseID string) ([]models.CaseSummary, error)
	UpsertCgi(ctx context.Context, cgi *models.CgiData, showOnPortal bool) error
	UpsertSlotBooking(ctx context.Context, slot *models.SlotBookingData) error
	SetSlotPreferences(ctx context.Context, caseID string, vacPreferred, viPreferred []string) error
	SetInterviewOutcome(ctx context.Context, caseID string, outcome models.VisaOutcome, remarks string) error
}

type dsReader interface {
	Get(ctx context.Context, caseID string) (*models.DsData, error)
}

type contactResolver interface {
	Resolve(ctx context.Context, contactID string) (*models.Contact, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CaseServiceConfig carries workflow tunables.
type CaseServiceConfig struct {
	VopNumberPrefix string
	Consulates      []string
}

// CaseService is the operation registry: it opens cases and owns the CGI,
// slot-booking and interview-outcome updates. DS-160 transitions live in
// DsService.
type CaseService struct {
	cases     caseStore
	ds        dsReader
	contacts  contactResolver
	audit     auditLogger
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       CaseServiceConfig
}

// NewCaseService constructs the service.
func NewCaseService(cases caseStore, ds dsReader, contacts contactResolver, audit auditLogger, cache *CacheService, logger *zap.Logger, cfg CaseServiceConfig) *CaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VopNumberPrefix == "" {
		cfg.VopNumberPrefix = "VOP"
	}
	return &CaseService{
		cases:     cases,
		ds:        ds,
		contacts:  contacts,
		audit:     audit,
		cache:     cache,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
	}
}

// CreateCase opens a new case for a CRM contact. The stored name, phone and
// country become the immutable filing-time snapshot.
func (s *CaseService) CreateCase(ctx context.Context, req dto.CreateCaseRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid case payload")
	}

	contact, err := s.contacts.Resolve(ctx, req.ContactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "contact does not exist")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve contact")
	}

	seq, err := s.cases.NextVopSequence(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate case number")
	}

	op := &models.VisaOperation{
		VopNumber: fmt.Sprintf("%s-%d-%05d", s.cfg.VopNumberPrefix, time.Now().UTC().Year(), seq),
		ContactID: contact.ID,
		Name:      firstNonEmpty(req.Name, contact.Name),
		Phone:     firstNonEmpty(req.Phone, contact.Phone),
		Country:   firstNonEmpty(req.Country, contact.Country),
	}
	if err := s.cases.Create(ctx, op); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create case")
	}

	s.emitAudit(ctx, actor, models.AuditActionCaseCreate, op.ID, map[string]interface{}{
		"vopNumber": op.VopNumber,
		"contactId": op.ContactID,
	})
	s.invalidate(ctx)
	return op, nil
}

// GetCase returns the full aggregate, redacted for applicant callers.
// Students only reach the case held by their linked contact.
func (s *CaseService) GetCase(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	op, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent {
		if err := requireApplicantCase(actor, op); err != nil {
			return nil, err
		}
		redactForApplicant(op)
	}
	return op, nil
}

// ListCases applies the register filters. Summaries carry no credentials by
// construction.
func (s *CaseService) ListCases(ctx context.Context, query dto.CaseQuery, actor *models.JWTClaims) ([]models.CaseSummary, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	filter, err := parseCaseFilter(query)
	if err != nil {
		return nil, err
	}

	cacheKey := caseListCacheKey(filter)
	var cached []models.CaseSummary
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return cached, nil
	}

	summaries, err := s.cases.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list cases")
	}
	_ = s.cache.Set(ctx, cacheKey, summaries, 0)
	return summaries, nil
}

// CasesForContact surfaces the contact's other applications, excluding the
// case currently open on screen.
func (s *CaseService) CasesForContact(ctx context.Context, contactID, excludeCaseID string, actor *models.JWTClaims) ([]models.CaseSummary, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	summaries, err := s.cases.ListByContact(ctx, contactID, excludeCaseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list contact cases")
	}
	return summaries, nil
}

// SetCgiData overwrites the CGI sub-record. The payload is the whole
// sub-record; absent optional pairs clear their slots.
func (s *CaseService) SetCgiData(ctx context.Context, caseID string, req dto.CgiDataRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "username and password are required")
	}
	cgi := &models.CgiData{
		CaseID:            caseID,
		Username:          req.Username,
		Password:          req.Password,
		SecurityQuestion1: req.SecurityQuestion1,
		SecurityAnswer1:   req.SecurityAnswer1,
		SecurityQuestion2: req.SecurityQuestion2,
		SecurityAnswer2:   req.SecurityAnswer2,
		SecurityQuestion3: req.SecurityQuestion3,
		SecurityAnswer3:   req.SecurityAnswer3,
	}
	if err := s.cases.UpsertCgi(ctx, cgi, req.ShowOnPortal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save cgi data")
	}

	// Credentials and answers stay out of the audit payload.
	s.emitAudit(ctx, actor, models.AuditActionCgiUpdate, caseID, map[string]interface{}{
		"showOnPortal": req.ShowOnPortal,
	})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// SetSlotBooking overwrites the staff-editable booking fields. Applicant
// preferences survive untouched.
func (s *CaseService) SetSlotBooking(ctx context.Context, caseID string, req dto.SlotBookingRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	vacDate, err := parseOptionalDate(req.VacDate, "vacDate")
	if err != nil {
		return nil, err
	}
	viDate, err := parseOptionalDate(req.ViDate, "viDate")
	if err != nil {
		return nil, err
	}
	slot := &models.SlotBookingData{
		CaseID:       caseID,
		VacConsulate: req.VacConsulate,
		VacDate:      vacDate,
		VacTime:      req.VacTime,
		ViConsulate:  req.ViConsulate,
		ViDate:       viDate,
		ViTime:       req.ViTime,
		BookedOn:     req.BookedOn,
		BookedBy:     req.BookedBy,
	}
	if err := s.cases.UpsertSlotBooking(ctx, slot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save slot booking")
	}

	s.emitAudit(ctx, actor, models.AuditActionSlotBookingUpdate, caseID, map[string]interface{}{
		"vacConsulate": req.VacConsulate,
		"viConsulate":  req.ViConsulate,
	})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// SubmitSlotPreferences is the applicant-portal channel: it records the
// preferred consulates and sets the one-way lock. A second submission is
// rejected.
func (s *CaseService) SubmitSlotPreferences(ctx context.Context, caseID string, vacPreferred, viPreferred []string, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleStudent); err != nil {
		return nil, err
	}
	if len(vacPreferred) == 0 && len(viPreferred) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "at least one preference is required")
	}
	current, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	if err := requireApplicantCase(actor, current); err != nil {
		return nil, err
	}
	if err := s.cases.SetSlotPreferences(ctx, caseID, vacPreferred, viPreferred); err != nil {
		if errors.Is(err, repository.ErrPreferencesLocked) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "preferences already submitted")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save preferences")
	}
	s.invalidate(ctx)
	op, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	redactForApplicant(op)
	return op, nil
}

// SetInterviewOutcome records the VI result. No VI booking is required first;
// the register is deliberately permissive here.
func (s *CaseService) SetInterviewOutcome(ctx context.Context, caseID string, req dto.InterviewOutcomeRequest, actor *models.JWTClaims) (*models.VisaOperation, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleStaff); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid interview outcome")
	}
	if err := s.cases.SetInterviewOutcome(ctx, caseID, models.VisaOutcome(req.VisaOutcome), req.Remarks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save interview outcome")
	}

	s.emitAudit(ctx, actor, models.AuditActionInterviewOutcome, caseID, map[string]interface{}{
		"visaOutcome": req.VisaOutcome,
	})
	s.invalidate(ctx)
	return s.loadCase(ctx, caseID)
}

// Consulates exposes the configured consulate list for booking forms.
func (s *CaseService) Consulates() []string {
	return s.cfg.Consulates
}

func (s *CaseService) loadCase(ctx context.Context, caseID string) (*models.VisaOperation, error) {
	op, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	ds, err := s.ds.Get(ctx, caseID)
	switch {
	case err == nil:
		op.DsData = ds
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ds data")
	}
	return op, nil
}

func (s *CaseService) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, caseCachePattern); err != nil {
		s.logger.Warn("case cache invalidation failed", zap.Error(err))
	}
}

func (s *CaseService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, caseID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(values)
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

// redactForApplicant strips staff-internal and credential data from a case
// before it is returned to the applicant portal.
func redactForApplicant(op *models.VisaOperation) {
	if op == nil {
		return
	}
	if !op.ShowCgiOnPortal {
		op.CgiData = nil
	}
	if op.DsData != nil {
		op.DsData.SecurityAnswer = ""
		op.DsData.BasicDsBox = ""
		op.DsData.InternalDocument = nil
	}
}

// requireApplicantCase rejects a student token whose linked contact does not
// hold the case. Accounts without a contact link reach nothing. Staff and
// admin tokens pass through.
func requireApplicantCase(actor *models.JWTClaims, op *models.VisaOperation) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil
	}
	if actor.ContactID == "" || actor.ContactID != op.ContactID {
		return appErrors.Clone(appErrors.ErrForbidden, "case belongs to another applicant")
	}
	return nil
}

func requireRole(actor *models.JWTClaims, allowed ...models.UserRole) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	for _, role := range allowed {
		if actor.Role == role {
			return nil
		}
	}
	return appErrors.ErrForbidden
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseOptionalDate(raw, field string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s must be YYYY-MM-DD", field))
	}
	return &t, nil
}

func parseCaseFilter(query dto.CaseQuery) (models.CaseFilter, error) {
	filter := models.CaseFilter{
		Text:   strings.TrimSpace(query.Text),
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	from, err := parseOptionalDate(query.DateFrom, "dateFrom")
	if err != nil {
		return filter, err
	}
	to, err := parseOptionalDate(query.DateTo, "dateTo")
	if err != nil {
		return filter, err
	}
	filter.DateFrom = from
	filter.DateTo = to
	return filter, nil
}

func caseListCacheKey(filter models.CaseFilter) string {
	from, to := "", ""
	if filter.DateFrom != nil {
		from = filter.DateFrom.Format("2006-01-02")
	}
	if filter.DateTo != nil {
		to = filter.DateTo.Format("2006-01-02")
	}
	return fmt.Sprintf("cases:list:%s:%s:%s:%d:%d", strings.ToLower(filter.Text), from, to, filter.Limit, filter.Offset)
}
