package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// ErrVersionConflict signals a lost compare-and-set race on the approval
// columns.
var ErrVersionConflict = errors.New("ds version conflict")

// ErrPreferencesLocked signals an attempt to rewrite applicant preferences
// after the one-way lock was set.
var ErrPreferencesLocked = errors.New("slot preferences locked")

// DsRepository persists the DS-160 sub-record and its documents. Approval
// transitions go through version-guarded updates; blind overwrites of the
// status columns are not offered.
type DsRepository struct {
	db *sqlx.DB
}

// NewDsRepository constructs the repository.
func NewDsRepository(db *sqlx.DB) *DsRepository {
	return &DsRepository{db: db}
}

// EnsureRow creates the empty DS sub-record on first touch and returns the
// current row. Returns sql.ErrNoRows when the case itself is missing.
func (r *DsRepository) EnsureRow(ctx context.Context, caseID string) (*models.DsData, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM visa_operations WHERE id = $1)`, caseID); err != nil {
		return nil, fmt.Errorf("check case exists: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}
	const query = `INSERT INTO visa_ds (case_id, student_status, admin_status, version, updated_at)
VALUES ($1, $2, $3, 0, $4)
ON CONFLICT (case_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, caseID, models.ApprovalPending, models.ApprovalPending, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("ensure ds sub-record: %w", err)
	}
	return r.Get(ctx, caseID)
}

// Get loads the DS sub-record with its documents. sql.ErrNoRows when absent.
func (r *DsRepository) Get(ctx context.Context, caseID string) (*models.DsData, error) {
	const query = `SELECT case_id, confirmation_number, security_question, security_answer, start_date, expiry_date, basic_ds_box, student_status, admin_status, rejection_reason, admin_name, version, updated_at
FROM visa_ds WHERE case_id = $1`
	var ds models.DsData
	if err := r.db.GetContext(ctx, &ds, query, caseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get ds sub-record: %w", err)
	}
	docs, err := r.ListDocuments(ctx, caseID)
	if err != nil {
		return nil, err
	}
	ds.FillingDocuments = make([]models.DocumentRef, 0, len(docs))
	for i := range docs {
		doc := docs[i]
		switch doc.Kind {
		case models.DocumentKindFilling:
			ds.FillingDocuments = append(ds.FillingDocuments, doc)
		case models.DocumentKindInternal:
			ds.InternalDocument = &doc
		case models.DocumentKindConfirmation:
			ds.ConfirmationDocument = &doc
		}
	}
	return &ds, nil
}

// UpdateMeta overwrites the form metadata fields. Approval columns, start
// date and documents are untouched.
func (r *DsRepository) UpdateMeta(ctx context.Context, ds *models.DsData) error {
	const query = `UPDATE visa_ds SET confirmation_number = $2, security_question = $3, security_answer = $4, basic_ds_box = $5, updated_at = $6
WHERE case_id = $1`
	res, err := r.db.ExecContext(ctx, query, ds.CaseID, ds.ConfirmationNumber, ds.SecurityQuestion, ds.SecurityAnswer, ds.BasicDsBox, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update ds metadata: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetStartDate stores the start date and the derived expiry atomically.
func (r *DsRepository) SetStartDate(ctx context.Context, caseID string, start, expiry time.Time) error {
	const query = `UPDATE visa_ds SET start_date = $2, expiry_date = $3, updated_at = $4 WHERE case_id = $1`
	res, err := r.db.ExecContext(ctx, query, caseID, start, expiry, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set ds start date: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateApprovalParams carries one approval transition. Fields left nil keep
// their current value.
type UpdateApprovalParams struct {
	CaseID          string
	Version         int
	StudentStatus   *models.ApprovalStatus
	AdminStatus     *models.ApprovalStatus
	RejectionReason *string
	AdminName       *string
}

// UpdateApproval applies a compare-and-set transition on the approval
// columns. ErrVersionConflict is returned when another writer got there
// first.
func (r *DsRepository) UpdateApproval(ctx context.Context, params UpdateApprovalParams) error {
	const query = `UPDATE visa_ds SET
	student_status = COALESCE($3, student_status),
	admin_status = COALESCE($4, admin_status),
	rejection_reason = COALESCE($5, rejection_reason),
	admin_name = COALESCE($6, admin_name),
	version = version + 1,
	updated_at = $7
WHERE case_id = $1 AND version = $2`
	res, err := r.db.ExecContext(ctx, query,
		params.CaseID, params.Version,
		params.StudentStatus, params.AdminStatus,
		params.RejectionReason, params.AdminName,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update ds approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check ds approval rows: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListDocuments returns all document references for a case ordered by upload
// order within each kind.
func (r *DsRepository) ListDocuments(ctx context.Context, caseID string) ([]models.DocumentRef, error) {
	const query = `SELECT id, case_id, kind, name, size_bytes, content_type, storage_path, position, uploaded_at
FROM visa_ds_documents WHERE case_id = $1 ORDER BY kind, position ASC`
	var docs []models.DocumentRef
	if err := r.db.SelectContext(ctx, &docs, query, caseID); err != nil {
		return nil, fmt.Errorf("list ds documents: %w", err)
	}
	return docs, nil
}

// InsertFillingDocument appends a filling document, assigning the next
// position so upload order is preserved.
func (r *DsRepository) InsertFillingDocument(ctx context.Context, doc *models.DocumentRef) error {
	doc.Kind = models.DocumentKindFilling
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	const query = `INSERT INTO visa_ds_documents (id, case_id, kind, name, size_bytes, content_type, storage_path, position, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7,
	(SELECT COALESCE(MAX(position), 0) + 1 FROM visa_ds_documents WHERE case_id = $2 AND kind = $3),
	$8)`
	if _, err := r.db.ExecContext(ctx, query, doc.ID, doc.CaseID, doc.Kind, doc.Name, doc.SizeBytes, doc.ContentType, doc.StoragePath, doc.UploadedAt); err != nil {
		return fmt.Errorf("insert filling document: %w", err)
	}
	return nil
}

// ReplaceSingletonDocument swaps the single document of the given kind
// (internal or confirmation) and returns the replaced reference, if any, so
// the caller can delete the orphaned blob.
func (r *DsRepository) ReplaceSingletonDocument(ctx context.Context, doc *models.DocumentRef) (*models.DocumentRef, error) {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin document replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prior models.DocumentRef
	var replaced *models.DocumentRef
	err = tx.GetContext(ctx, &prior, `SELECT id, case_id, kind, name, size_bytes, content_type, storage_path, position, uploaded_at
FROM visa_ds_documents WHERE case_id = $1 AND kind = $2`, doc.CaseID, doc.Kind)
	switch {
	case err == nil:
		replaced = &prior
		if _, err := tx.ExecContext(ctx, `DELETE FROM visa_ds_documents WHERE id = $1`, prior.ID); err != nil {
			return nil, fmt.Errorf("delete replaced document: %w", err)
		}
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("find replaced document: %w", err)
	}

	const insert = `INSERT INTO visa_ds_documents (id, case_id, kind, name, size_bytes, content_type, storage_path, position, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)`
	if _, err := tx.ExecContext(ctx, insert, doc.ID, doc.CaseID, doc.Kind, doc.Name, doc.SizeBytes, doc.ContentType, doc.StoragePath, doc.UploadedAt); err != nil {
		return nil, fmt.Errorf("insert %s document: %w", doc.Kind, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit document replace: %w", err)
	}
	return replaced, nil
}

// GetDocument returns a document reference scoped to the owning case.
func (r *DsRepository) GetDocument(ctx context.Context, caseID, docID string) (*models.DocumentRef, error) {
	const query = `SELECT id, case_id, kind, name, size_bytes, content_type, storage_path, position, uploaded_at
FROM visa_ds_documents WHERE case_id = $1 AND id = $2`
	var doc models.DocumentRef
	if err := r.db.GetContext(ctx, &doc, query, caseID, docID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get ds document: %w", err)
	}
	return &doc, nil
}

// GetDocumentByID resolves a document reference without case scoping, used by
// the download path.
func (r *DsRepository) GetDocumentByID(ctx context.Context, docID string) (*models.DocumentRef, error) {
	const query = `SELECT id, case_id, kind, name, size_bytes, content_type, storage_path, position, uploaded_at
FROM visa_ds_documents WHERE id = $1`
	var doc models.DocumentRef
	if err := r.db.GetContext(ctx, &doc, query, docID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get ds document by id: %w", err)
	}
	return &doc, nil
}

// DeleteDocument removes a reference scoped to the case. Sibling filling
// documents keep their positions. sql.ErrNoRows when the case does not
// reference the id.
func (r *DsRepository) DeleteDocument(ctx context.Context, caseID, docID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM visa_ds_documents WHERE case_id = $1 AND id = $2`, caseID, docID)
	if err != nil {
		return fmt.Errorf("delete ds document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check ds document delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
