package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/repository"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
)

type mockCaseStore struct {
	ops         map[string]*models.VisaOperation
	summaries   []models.CaseSummary
	seq         int64
	prefsLocked map[string]bool
	prefWrites  int
	createdOps  []*models.VisaOperation
}

func newMockCaseStore() *mockCaseStore {
	return &mockCaseStore{
		ops:         make(map[string]*models.VisaOperation),
		prefsLocked: make(map[string]bool),
	}
}

func (m *mockCaseStore) NextVopSequence(ctx context.Context) (int64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockCaseStore) Create(ctx context.Context, op *models.VisaOperation) error {
	if op.ID == "" {
		op.ID = op.VopNumber
	}
	copy := *op
	m.ops[op.ID] = &copy
	m.createdOps = append(m.createdOps, &copy)
	return nil
}

func (m *mockCaseStore) GetByID(ctx context.Context, id string) (*models.VisaOperation, error) {
	if op, ok := m.ops[id]; ok {
		copy := *op
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCaseStore) List(ctx context.Context, filter models.CaseFilter) ([]models.CaseSummary, error) {
	return m.summaries, nil
}

func (m *mockCaseStore) ListByContact(ctx context.Context, contactID, excludeCaseID string) ([]models.CaseSummary, error) {
	var out []models.CaseSummary
	for _, s := range m.summaries {
		if s.ContactID == contactID && s.ID != excludeCaseID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockCaseStore) UpsertCgi(ctx context.Context, cgi *models.CgiData, showOnPortal bool) error {
	op, ok := m.ops[cgi.CaseID]
	if !ok {
		return sql.ErrNoRows
	}
	copy := *cgi
	op.CgiData = &copy
	op.ShowCgiOnPortal = showOnPortal
	return nil
}

func (m *mockCaseStore) UpsertSlotBooking(ctx context.Context, slot *models.SlotBookingData) error {
	op, ok := m.ops[slot.CaseID]
	if !ok {
		return sql.ErrNoRows
	}
	// Preference columns are owned by the portal channel and survive staff
	// saves, mirroring what the SQL upsert does.
	if op.SlotBookingData != nil {
		slot.VacPreferred = op.SlotBookingData.VacPreferred
		slot.ViPreferred = op.SlotBookingData.ViPreferred
		slot.PreferencesLocked = op.SlotBookingData.PreferencesLocked
	}
	copy := *slot
	op.SlotBookingData = &copy
	return nil
}

func (m *mockCaseStore) SetSlotPreferences(ctx context.Context, caseID string, vacPreferred, viPreferred []string) error {
	op, ok := m.ops[caseID]
	if !ok {
		return sql.ErrNoRows
	}
	if m.prefsLocked[caseID] {
		return repository.ErrPreferencesLocked
	}
	if op.SlotBookingData == nil {
		op.SlotBookingData = &models.SlotBookingData{CaseID: caseID}
	}
	op.SlotBookingData.VacPreferred = vacPreferred
	op.SlotBookingData.ViPreferred = viPreferred
	op.SlotBookingData.PreferencesLocked = true
	m.prefsLocked[caseID] = true
	m.prefWrites++
	return nil
}

func (m *mockCaseStore) SetInterviewOutcome(ctx context.Context, caseID string, outcome models.VisaOutcome, remarks string) error {
	op, ok := m.ops[caseID]
	if !ok {
		return sql.ErrNoRows
	}
	op.VisaInterviewData = &models.VisaInterviewData{VisaOutcome: outcome, Remarks: remarks}
	return nil
}

type mockDsRead struct {
	rows map[string]*models.DsData
}

func (m *mockDsRead) Get(ctx context.Context, caseID string) (*models.DsData, error) {
	if ds, ok := m.rows[caseID]; ok {
		copy := *ds
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

type mockContactResolver struct {
	contacts map[string]*models.Contact
}

func (m *mockContactResolver) Resolve(ctx context.Context, contactID string) (*models.Contact, error) {
	if c, ok := m.contacts[contactID]; ok {
		copy := *c
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

type caseFixture struct {
	store    *mockCaseStore
	ds       *mockDsRead
	contacts *mockContactResolver
	audit    *mockAuditSink
	svc      *CaseService
}

func newCaseFixture() *caseFixture {
	store := newMockCaseStore()
	ds := &mockDsRead{rows: make(map[string]*models.DsData)}
	contacts := &mockContactResolver{contacts: map[string]*models.Contact{
		"contact-1": {ID: "contact-1", Name: "Asha Rao", Phone: "+91 98200 00000", Country: "USA"},
	}}
	audit := &mockAuditSink{}
	svc := NewCaseService(store, ds, contacts, audit, nil, zap.NewNop(), CaseServiceConfig{
		Consulates: []string{"Mumbai", "Chennai", "New Delhi"},
	})
	return &caseFixture{store: store, ds: ds, contacts: contacts, audit: audit, svc: svc}
}

func (f *caseFixture) seedCase(id string) {
	f.store.ops[id] = &models.VisaOperation{
		ID: id, VopNumber: "VOP-2026-00001", ContactID: "contact-1",
		Name: "Asha Rao", Phone: "+91 98200 00000", Country: "USA",
	}
}

func TestCreateCaseSnapshotsContact(t *testing.T) {
	f := newCaseFixture()
	op, err := f.svc.CreateCase(context.Background(), dto.CreateCaseRequest{ContactID: "contact-1"}, staffClaims())
	require.NoError(t, err)

	assert.Equal(t, "Asha Rao", op.Name)
	assert.Equal(t, "USA", op.Country)
	assert.Regexp(t, `^VOP-\d{4}-\d{5}$`, op.VopNumber)
	assert.Contains(t, f.audit.actions(), models.AuditActionCaseCreate)
}

func TestCreateCaseOverridesSnapshotFields(t *testing.T) {
	f := newCaseFixture()
	op, err := f.svc.CreateCase(context.Background(), dto.CreateCaseRequest{
		ContactID: "contact-1", Name: "A. Rao", Country: "UK",
	}, staffClaims())
	require.NoError(t, err)
	assert.Equal(t, "A. Rao", op.Name)
	assert.Equal(t, "UK", op.Country)
	assert.Equal(t, "+91 98200 00000", op.Phone)
}

func TestCreateCaseUnknownContact(t *testing.T) {
	f := newCaseFixture()
	_, err := f.svc.CreateCase(context.Background(), dto.CreateCaseRequest{ContactID: "nope"}, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestCreateCaseRequiresStaff(t *testing.T) {
	f := newCaseFixture()
	_, err := f.svc.CreateCase(context.Background(), dto.CreateCaseRequest{ContactID: "contact-1"}, studentClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)
}

func TestSetCgiDataRoundTrip(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	q1, a1 := "mother's maiden name", "Kamala"

	op, err := f.svc.SetCgiData(context.Background(), "case-1", dto.CgiDataRequest{
		Username:          "asha.rao",
		Password:          "s3cret",
		SecurityQuestion1: &q1,
		SecurityAnswer1:   &a1,
		ShowOnPortal:      true,
	}, staffClaims())
	require.NoError(t, err)

	require.NotNil(t, op.CgiData)
	assert.Equal(t, "asha.rao", op.CgiData.Username)
	assert.Equal(t, "s3cret", op.CgiData.Password)
	assert.Equal(t, "Kamala", *op.CgiData.SecurityAnswer1)
	assert.True(t, op.ShowCgiOnPortal)
}

func TestSetCgiDataAuditCarriesNoSecrets(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	_, err := f.svc.SetCgiData(context.Background(), "case-1", dto.CgiDataRequest{
		Username: "asha.rao", Password: "s3cret",
	}, staffClaims())
	require.NoError(t, err)

	require.NotEmpty(t, f.audit.logs)
	for _, log := range f.audit.logs {
		assert.NotContains(t, string(log.NewValues), "s3cret")
		assert.NotContains(t, string(log.NewValues), "asha.rao")
	}
}

func TestSetCgiDataRequiresCredentials(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	_, err := f.svc.SetCgiData(context.Background(), "case-1", dto.CgiDataRequest{Username: "asha.rao"}, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestSlotBookingPreservesApplicantPreferences(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	ctx := context.Background()

	_, err := f.svc.SubmitSlotPreferences(ctx, "case-1", []string{"Mumbai"}, []string{"Chennai"}, studentClaims())
	require.NoError(t, err)

	op, err := f.svc.SetSlotBooking(ctx, "case-1", dto.SlotBookingRequest{
		VacConsulate: "New Delhi", VacDate: "2026-04-10", VacTime: "09:30",
		ViConsulate: "New Delhi", ViDate: "2026-04-12", ViTime: "11:00",
		BookedBy: "Counsellor",
	}, staffClaims())
	require.NoError(t, err)

	require.NotNil(t, op.SlotBookingData)
	assert.Equal(t, "New Delhi", op.SlotBookingData.VacConsulate)
	assert.Equal(t, []string{"Mumbai"}, []string(op.SlotBookingData.VacPreferred))
	assert.Equal(t, []string{"Chennai"}, []string(op.SlotBookingData.ViPreferred))
	assert.True(t, op.SlotBookingData.PreferencesLocked)
}

func TestSlotPreferencesLockIsOneWay(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	ctx := context.Background()

	_, err := f.svc.SubmitSlotPreferences(ctx, "case-1", []string{"Mumbai"}, nil, studentClaims())
	require.NoError(t, err)

	_, err = f.svc.SubmitSlotPreferences(ctx, "case-1", []string{"Chennai"}, nil, studentClaims())
	assertErrCode(t, err, appErrors.ErrConflict.Code)
	assert.Equal(t, 1, f.store.prefWrites)
	assert.Equal(t, []string{"Mumbai"}, []string(f.store.ops["case-1"].SlotBookingData.VacPreferred))
}

func TestSlotPreferencesRequireAtLeastOne(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	_, err := f.svc.SubmitSlotPreferences(context.Background(), "case-1", nil, nil, studentClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestSlotBookingRejectsBadDate(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	_, err := f.svc.SetSlotBooking(context.Background(), "case-1", dto.SlotBookingRequest{VacDate: "10-04-2026"}, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestInterviewOutcomeWithoutBooking(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")

	op, err := f.svc.SetInterviewOutcome(context.Background(), "case-1", dto.InterviewOutcomeRequest{
		VisaOutcome: "221g", Remarks: "additional documents requested",
	}, staffClaims())
	require.NoError(t, err)
	require.NotNil(t, op.VisaInterviewData)
	assert.Equal(t, models.Outcome221g, op.VisaInterviewData.VisaOutcome)
}

func TestInterviewOutcomeRejectsUnknownValue(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	_, err := f.svc.SetInterviewOutcome(context.Background(), "case-1", dto.InterviewOutcomeRequest{VisaOutcome: "Granted"}, staffClaims())
	assertErrCode(t, err, appErrors.ErrValidation.Code)
}

func TestGetCaseRedactsForApplicant(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	f.store.ops["case-1"].CgiData = &models.CgiData{CaseID: "case-1", Username: "asha.rao", Password: "s3cret"}
	f.ds.rows["case-1"] = &models.DsData{
		CaseID:           "case-1",
		SecurityQuestion: "first school",
		SecurityAnswer:   "St. Mary's",
		BasicDsBox:       "staff only notes",
		InternalDocument: &models.DocumentRef{ID: "doc-1"},
		StudentStatus:    models.ApprovalPending,
		AdminStatus:      models.ApprovalPending,
	}

	op, err := f.svc.GetCase(context.Background(), "case-1", studentClaims())
	require.NoError(t, err)

	assert.Nil(t, op.CgiData, "credentials hidden until staff enables portal visibility")
	require.NotNil(t, op.DsData)
	assert.Empty(t, op.DsData.SecurityAnswer)
	assert.Empty(t, op.DsData.BasicDsBox)
	assert.Nil(t, op.DsData.InternalDocument)
	assert.Equal(t, "first school", op.DsData.SecurityQuestion)
}

func TestGetCaseShowsCgiWhenEnabled(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	f.store.ops["case-1"].ShowCgiOnPortal = true
	f.store.ops["case-1"].CgiData = &models.CgiData{CaseID: "case-1", Username: "asha.rao", Password: "s3cret"}

	op, err := f.svc.GetCase(context.Background(), "case-1", studentClaims())
	require.NoError(t, err)
	require.NotNil(t, op.CgiData)
	assert.Equal(t, "asha.rao", op.CgiData.Username)
}

func TestGetCaseScopedToApplicant(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")
	f.store.ops["case-1"].ShowCgiOnPortal = true
	f.store.ops["case-1"].CgiData = &models.CgiData{CaseID: "case-1", Username: "asha.rao", Password: "s3cret"}

	_, err := f.svc.GetCase(context.Background(), "case-1", strangerClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	unlinked := studentClaims()
	unlinked.ContactID = ""
	_, err = f.svc.GetCase(context.Background(), "case-1", unlinked)
	assertErrCode(t, err, appErrors.ErrForbidden.Code)

	op, err := f.svc.GetCase(context.Background(), "case-1", studentClaims())
	require.NoError(t, err)
	assert.Equal(t, "contact-1", op.ContactID)
}

func TestSlotPreferencesScopedToApplicant(t *testing.T) {
	f := newCaseFixture()
	f.seedCase("case-1")

	_, err := f.svc.SubmitSlotPreferences(context.Background(), "case-1", []string{"Mumbai"}, nil, strangerClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)
	assert.Equal(t, 0, f.store.prefWrites, "a foreign applicant must not burn the one-way lock")

	_, err = f.svc.SubmitSlotPreferences(context.Background(), "case-1", []string{"Mumbai"}, nil, studentClaims())
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.prefWrites)
}

func TestListCasesRequiresStaff(t *testing.T) {
	f := newCaseFixture()
	_, err := f.svc.ListCases(context.Background(), dto.CaseQuery{}, studentClaims())
	assertErrCode(t, err, appErrors.ErrForbidden.Code)
}

func TestCasesForContactExcludesCurrent(t *testing.T) {
	f := newCaseFixture()
	f.store.summaries = []models.CaseSummary{
		{ID: "case-1", ContactID: "contact-1"},
		{ID: "case-2", ContactID: "contact-1"},
		{ID: "case-3", ContactID: "contact-2"},
	}
	out, err := f.svc.CasesForContact(context.Background(), "contact-1", "case-1", staffClaims())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "case-2", out[0].ID)
}

func TestDeriveStatusLabel(t *testing.T) {
	accepted := string(models.ApprovalAccepted)
	pending := string(models.ApprovalPending)

	cases := []struct {
		name    string
		summary models.CaseSummary
		want    string
	}{
		{"no ds row", models.CaseSummary{}, ""},
		{"student accepted", models.CaseSummary{StudentStatus: &accepted, AdminStatus: &pending}, models.StatusLabelAwaitingAdmin},
		{"admin accepted", models.CaseSummary{StudentStatus: &accepted, AdminStatus: &accepted}, models.StatusLabelAwaitingSubmission},
		{"completed", models.CaseSummary{StudentStatus: &accepted, AdminStatus: &accepted, HasConfirmDoc: true}, models.StatusLabelCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.summary.DeriveStatusLabel()
			assert.Equal(t, tc.want, tc.summary.StatusLabel)
		})
	}
}
