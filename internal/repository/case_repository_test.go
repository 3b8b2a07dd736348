package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

func summaryColumns() []string {
	return []string{"id", "vop_number", "contact_id", "name", "phone", "country", "created_at", "cgi_configured", "student_status", "admin_status", "has_confirmation_doc", "visa_outcome"}
}

func TestListDerivesStatusLabels(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT v.id, v.vop_number").
		WillReturnRows(sqlmock.NewRows(summaryColumns()).
			AddRow("case-1", "VOP-2026-00001", "contact-1", "Asha Rao", "+91", "USA", now, true, "ACCEPTED", "PENDING", false, nil).
			AddRow("case-2", "VOP-2026-00002", "contact-2", "Ravi Iyer", "+91", "UK", now, false, "ACCEPTED", "ACCEPTED", true, "Approved"))

	summaries, err := repo.List(context.Background(), models.CaseFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, models.StatusLabelAwaitingAdmin, summaries[0].StatusLabel)
	assert.True(t, summaries[0].CgiConfigured)
	assert.Equal(t, models.StatusLabelCompleted, summaries[1].StatusLabel)
	require.NotNil(t, summaries[1].VisaOutcome)
	assert.Equal(t, models.OutcomeApproved, *summaries[1].VisaOutcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAppliesTextFilter(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectQuery("LOWER\\(v.name\\) LIKE").
		WithArgs("%rao%").
		WillReturnRows(sqlmock.NewRows(summaryColumns()))

	_, err := repo.List(context.Background(), models.CaseFilter{Text: "Rao"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCgiMissingCase(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE visa_operations SET show_cgi_on_portal")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpsertCgi(context.Background(), &models.CgiData{CaseID: "missing", Username: "u", Password: "p"}, true)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCgiWritesSubRecord(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE visa_operations SET show_cgi_on_portal")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO visa_cgi").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertCgi(context.Background(), &models.CgiData{CaseID: "case-1", Username: "u", Password: "p"}, false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSlotBookingLeavesPreferencesAlone(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE visa_operations SET updated_at")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The upsert's conflict clause must not touch the preference columns.
	mock.ExpectExec("ON CONFLICT \\(case_id\\) DO UPDATE SET\\s+vac_consulate").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertSlotBooking(context.Background(), &models.SlotBookingData{CaseID: "case-1", VacConsulate: "Mumbai"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSlotPreferencesLocked(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectExec("INSERT INTO visa_slot_bookings").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetSlotPreferences(context.Background(), "case-1", []string{"Mumbai"}, nil)
	assert.ErrorIs(t, err, ErrPreferencesLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetInterviewOutcomeMissingCase(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectExec("UPDATE visa_operations SET visa_outcome").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetInterviewOutcome(context.Background(), "missing", models.OutcomeApproved, "")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
