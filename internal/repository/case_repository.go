package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// CaseRepository persists visa case aggregates: the case row, the CGI and
// slot-booking sub-records and the interview outcome columns. The DS-160
// sub-record has its own repository because of its CAS requirements.
type CaseRepository struct {
	db *sqlx.DB
}

// NewCaseRepository constructs the repository.
func NewCaseRepository(db *sqlx.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// NextVopSequence reserves the next case number ordinal for the tenant.
func (r *CaseRepository) NextVopSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.GetContext(ctx, &seq, `SELECT nextval('vop_number_seq')`); err != nil {
		return 0, fmt.Errorf("next vop sequence: %w", err)
	}
	return seq, nil
}

// Create inserts a new case row. Sub-records start absent.
func (r *CaseRepository) Create(ctx context.Context, op *models.VisaOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	const query = `INSERT INTO visa_operations (id, vop_number, contact_id, name, phone, country, show_cgi_on_portal, created_at, updated_at)
VALUES (:id, :vop_number, :contact_id, :name, :phone, :country, :show_cgi_on_portal, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, op); err != nil {
		return fmt.Errorf("create visa operation: %w", err)
	}
	return nil
}

type caseRow struct {
	models.VisaOperation
	VisaOutcome      *string `db:"visa_outcome"`
	InterviewRemarks *string `db:"interview_remarks"`
}

// GetByID loads the full aggregate including all present sub-records.
func (r *CaseRepository) GetByID(ctx context.Context, id string) (*models.VisaOperation, error) {
	const query = `SELECT id, vop_number, contact_id, name, phone, country, show_cgi_on_portal, visa_outcome, interview_remarks, created_at, updated_at
FROM visa_operations WHERE id = $1`
	var row caseRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get visa operation: %w", err)
	}
	op := row.VisaOperation
	if row.VisaOutcome != nil || (row.InterviewRemarks != nil && *row.InterviewRemarks != "") {
		data := &models.VisaInterviewData{}
		if row.VisaOutcome != nil {
			data.VisaOutcome = models.VisaOutcome(*row.VisaOutcome)
		}
		if row.InterviewRemarks != nil {
			data.Remarks = *row.InterviewRemarks
		}
		op.VisaInterviewData = data
	}
	if err := r.hydrate(ctx, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *CaseRepository) hydrate(ctx context.Context, op *models.VisaOperation) error {
	var cgi models.CgiData
	err := r.db.GetContext(ctx, &cgi, `SELECT case_id, username, password, security_question_1, security_answer_1, security_question_2, security_answer_2, security_question_3, security_answer_3, updated_at
FROM visa_cgi WHERE case_id = $1`, op.ID)
	switch {
	case err == nil:
		op.CgiData = &cgi
	case err != sql.ErrNoRows:
		return fmt.Errorf("load cgi sub-record: %w", err)
	}

	var slot models.SlotBookingData
	err = r.db.GetContext(ctx, &slot, `SELECT case_id, vac_consulate, vac_date, vac_time, vi_consulate, vi_date, vi_time, booked_on, booked_by, vac_preferred, vi_preferred, preferences_locked, updated_at
FROM visa_slot_bookings WHERE case_id = $1`, op.ID)
	switch {
	case err == nil:
		op.SlotBookingData = &slot
	case err != sql.ErrNoRows:
		return fmt.Errorf("load slot booking sub-record: %w", err)
	}

	return nil
}

// List projects the register view applying free-text and date filters.
// Credential columns never enter the projection.
func (r *CaseRepository) List(ctx context.Context, filter models.CaseFilter) ([]models.CaseSummary, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT v.id, v.vop_number, v.contact_id, v.name, v.phone, v.country, v.created_at,
       COALESCE(c.username, '') <> '' AS cgi_configured,
       d.student_status, d.admin_status,
       EXISTS(SELECT 1 FROM visa_ds_documents doc WHERE doc.case_id = v.id AND doc.kind = 'CONFIRMATION') AS has_confirmation_doc,
       v.visa_outcome
FROM visa_operations v
LEFT JOIN visa_cgi c ON c.case_id = v.id
LEFT JOIN visa_ds d ON d.case_id = v.id`)

	args := make([]interface{}, 0, 3)
	conditions := make([]string, 0, 3)

	if filter.Text != "" {
		args = append(args, "%"+strings.ToLower(filter.Text)+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(LOWER(v.name) LIKE $%d OR LOWER(v.vop_number) LIKE $%d OR LOWER(v.phone) LIKE $%d OR LOWER(v.country) LIKE $%d)", n, n, n, n))
	}
	if filter.DateFrom != nil {
		args = append(args, filter.DateFrom.Format("2006-01-02"))
		conditions = append(conditions, fmt.Sprintf("v.created_at::date >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, filter.DateTo.Format("2006-01-02"))
		conditions = append(conditions, fmt.Sprintf("v.created_at::date <= $%d", len(args)))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY v.created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var summaries []models.CaseSummary
	if err := r.db.SelectContext(ctx, &summaries, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list visa operations: %w", err)
	}
	for i := range summaries {
		summaries[i].DeriveStatusLabel()
	}
	return summaries, nil
}

// ListByContact returns the contact's other cases, newest first.
func (r *CaseRepository) ListByContact(ctx context.Context, contactID, excludeCaseID string) ([]models.CaseSummary, error) {
	const query = `SELECT v.id, v.vop_number, v.contact_id, v.name, v.phone, v.country, v.created_at,
       COALESCE(c.username, '') <> '' AS cgi_configured,
       d.student_status, d.admin_status,
       EXISTS(SELECT 1 FROM visa_ds_documents doc WHERE doc.case_id = v.id AND doc.kind = 'CONFIRMATION') AS has_confirmation_doc,
       v.visa_outcome
FROM visa_operations v
LEFT JOIN visa_cgi c ON c.case_id = v.id
LEFT JOIN visa_ds d ON d.case_id = v.id
WHERE v.contact_id = $1 AND v.id <> $2
ORDER BY v.created_at DESC`
	var summaries []models.CaseSummary
	if err := r.db.SelectContext(ctx, &summaries, query, contactID, excludeCaseID); err != nil {
		return nil, fmt.Errorf("list cases by contact: %w", err)
	}
	for i := range summaries {
		summaries[i].DeriveStatusLabel()
	}
	return summaries, nil
}

// UpsertCgi overwrites the CGI sub-record and the portal visibility toggle in
// one transaction. Returns sql.ErrNoRows when the case does not exist.
func (r *CaseRepository) UpsertCgi(ctx context.Context, cgi *models.CgiData, showOnPortal bool) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cgi upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE visa_operations SET show_cgi_on_portal = $2, updated_at = $3 WHERE id = $1`, cgi.CaseID, showOnPortal, now)
	if err != nil {
		return fmt.Errorf("update case for cgi: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}

	cgi.UpdatedAt = now
	const query = `INSERT INTO visa_cgi (case_id, username, password, security_question_1, security_answer_1, security_question_2, security_answer_2, security_question_3, security_answer_3, updated_at)
VALUES (:case_id, :username, :password, :security_question_1, :security_answer_1, :security_question_2, :security_answer_2, :security_question_3, :security_answer_3, :updated_at)
ON CONFLICT (case_id) DO UPDATE SET
	username = EXCLUDED.username,
	password = EXCLUDED.password,
	security_question_1 = EXCLUDED.security_question_1,
	security_answer_1 = EXCLUDED.security_answer_1,
	security_question_2 = EXCLUDED.security_question_2,
	security_answer_2 = EXCLUDED.security_answer_2,
	security_question_3 = EXCLUDED.security_question_3,
	security_answer_3 = EXCLUDED.security_answer_3,
	updated_at = EXCLUDED.updated_at`
	if _, err := tx.NamedExecContext(ctx, query, cgi); err != nil {
		return fmt.Errorf("upsert cgi sub-record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cgi upsert: %w", err)
	}
	return nil
}

// UpsertSlotBooking overwrites the staff-editable booking fields. The
// applicant preference columns are deliberately excluded from the update so a
// staff save can never clear portal-submitted preferences.
func (r *CaseRepository) UpsertSlotBooking(ctx context.Context, slot *models.SlotBookingData) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin slot upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE visa_operations SET updated_at = $2 WHERE id = $1`, slot.CaseID, now)
	if err != nil {
		return fmt.Errorf("update case for slot booking: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}

	slot.UpdatedAt = now
	if slot.VacPreferred == nil {
		slot.VacPreferred = pq.StringArray{}
	}
	if slot.ViPreferred == nil {
		slot.ViPreferred = pq.StringArray{}
	}
	const query = `INSERT INTO visa_slot_bookings (case_id, vac_consulate, vac_date, vac_time, vi_consulate, vi_date, vi_time, booked_on, booked_by, vac_preferred, vi_preferred, preferences_locked, updated_at)
VALUES (:case_id, :vac_consulate, :vac_date, :vac_time, :vi_consulate, :vi_date, :vi_time, :booked_on, :booked_by, :vac_preferred, :vi_preferred, :preferences_locked, :updated_at)
ON CONFLICT (case_id) DO UPDATE SET
	vac_consulate = EXCLUDED.vac_consulate,
	vac_date = EXCLUDED.vac_date,
	vac_time = EXCLUDED.vac_time,
	vi_consulate = EXCLUDED.vi_consulate,
	vi_date = EXCLUDED.vi_date,
	vi_time = EXCLUDED.vi_time,
	booked_on = EXCLUDED.booked_on,
	booked_by = EXCLUDED.booked_by,
	updated_at = EXCLUDED.updated_at`
	if _, err := tx.NamedExecContext(ctx, query, slot); err != nil {
		return fmt.Errorf("upsert slot booking sub-record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit slot upsert: %w", err)
	}
	return nil
}

// SetSlotPreferences records the applicant-submitted location preferences and
// locks them. The guard makes the lock one-way: a locked row is never
// rewritten through this path.
func (r *CaseRepository) SetSlotPreferences(ctx context.Context, caseID string, vacPreferred, viPreferred []string) error {
	now := time.Now().UTC()
	const query = `INSERT INTO visa_slot_bookings (case_id, vac_consulate, vac_time, vi_consulate, vi_time, booked_on, booked_by, vac_preferred, vi_preferred, preferences_locked, updated_at)
VALUES ($1, '', '', '', '', '', '', $2, $3, TRUE, $4)
ON CONFLICT (case_id) DO UPDATE SET
	vac_preferred = EXCLUDED.vac_preferred,
	vi_preferred = EXCLUDED.vi_preferred,
	preferences_locked = TRUE,
	updated_at = EXCLUDED.updated_at
WHERE visa_slot_bookings.preferences_locked = FALSE`
	res, err := r.db.ExecContext(ctx, query, caseID, pq.StringArray(vacPreferred), pq.StringArray(viPreferred), now)
	if err != nil {
		return fmt.Errorf("set slot preferences: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrPreferencesLocked
	}
	return nil
}

// SetInterviewOutcome stores the VI outcome on the case row.
func (r *CaseRepository) SetInterviewOutcome(ctx context.Context, caseID string, outcome models.VisaOutcome, remarks string) error {
	const query = `UPDATE visa_operations SET visa_outcome = $2, interview_remarks = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, caseID, string(outcome), remarks, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set interview outcome: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
