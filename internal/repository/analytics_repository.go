package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// AnalyticsRepository exposes read-optimised queries for analytics endpoints.
type AnalyticsRepository struct {
	db *sqlx.DB
}

// NewAnalyticsRepository instantiates the repository.
func NewAnalyticsRepository(db *sqlx.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// PipelineSummary counts cases per derived workflow stage. The stage labels
// are computed the same way the case list derives them, so the two surfaces
// never disagree.
func (r *AnalyticsRepository) PipelineSummary(ctx context.Context, filter models.PipelineFilter) ([]models.PipelineSummary, error) {
	var builder strings.Builder
	builder.WriteString(`SELECT status_label, COUNT(*) AS case_count FROM (
        SELECT CASE
            WHEN EXISTS (
                SELECT 1 FROM visa_ds_documents dd
                WHERE dd.case_id = vo.id AND dd.kind = 'CONFIRMATION'
            ) THEN 'Process Completed'
            WHEN d.admin_status = 'ACCEPTED' THEN 'Waiting for DS-160 Submission'
            WHEN d.student_status = 'ACCEPTED' AND d.admin_status = 'PENDING' THEN 'Waiting for Admin Approval'
            ELSE 'In Progress'
        END AS status_label
        FROM visa_operations vo
        LEFT JOIN visa_ds d ON d.case_id = vo.id
        WHERE 1=1`)
	var args []interface{}
	if filter.Country != "" {
		args = append(args, filter.Country)
		builder.WriteString(fmt.Sprintf(" AND vo.country = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		builder.WriteString(fmt.Sprintf(" AND vo.created_at::date >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		builder.WriteString(fmt.Sprintf(" AND vo.created_at::date <= $%d", len(args)))
	}
	builder.WriteString(") stages GROUP BY status_label ORDER BY case_count DESC")

	var summaries []models.PipelineSummary
	if err := r.db.SelectContext(ctx, &summaries, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("query pipeline summary: %w", err)
	}
	return summaries, nil
}

// OutcomeSummary aggregates recorded interview outcomes per consulate.
func (r *AnalyticsRepository) OutcomeSummary(ctx context.Context, filter models.OutcomeFilter) ([]models.OutcomeSummary, error) {
	var builder strings.Builder
	builder.WriteString(`SELECT sb.consulate,
        SUM(CASE WHEN sb.visa_outcome = 'Approved' THEN 1 ELSE 0 END) AS approved_count,
        SUM(CASE WHEN sb.visa_outcome = 'Rejected' THEN 1 ELSE 0 END) AS rejected_count,
        SUM(CASE WHEN sb.visa_outcome = '221g' THEN 1 ELSE 0 END) AS count_221g,
        MAX(sb.updated_at) AS updated_at
        FROM visa_slot_bookings sb
        WHERE sb.visa_outcome IS NOT NULL AND sb.consulate IS NOT NULL`)
	var args []interface{}
	if filter.Consulate != "" {
		args = append(args, filter.Consulate)
		builder.WriteString(fmt.Sprintf(" AND sb.consulate = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		builder.WriteString(fmt.Sprintf(" AND sb.vi_date >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		builder.WriteString(fmt.Sprintf(" AND sb.vi_date <= $%d", len(args)))
	}
	builder.WriteString(" GROUP BY sb.consulate ORDER BY approved_count DESC")

	var summaries []models.OutcomeSummary
	if err := r.db.SelectContext(ctx, &summaries, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("query outcome summary: %w", err)
	}
	return summaries, nil
}

// ExpiringForms lists DS-160 sessions whose expiry date falls within the
// window and that have no confirmation document yet.
func (r *AnalyticsRepository) ExpiringForms(ctx context.Context, within time.Duration) ([]models.ExpiringForm, error) {
	deadline := time.Now().Add(within)
	query := `SELECT vo.id AS case_id, vo.vop_number, vo.name, d.expiry_date
        FROM visa_ds d
        JOIN visa_operations vo ON vo.id = d.case_id
        WHERE d.expiry_date IS NOT NULL
          AND d.expiry_date <= $1
          AND d.expiry_date >= CURRENT_DATE
          AND NOT EXISTS (
              SELECT 1 FROM visa_ds_documents dd
              WHERE dd.case_id = d.case_id AND dd.kind = 'CONFIRMATION'
          )
        ORDER BY d.expiry_date ASC`

	var forms []models.ExpiringForm
	if err := r.db.SelectContext(ctx, &forms, query, deadline); err != nil {
		return nil, fmt.Errorf("query expiring forms: %w", err)
	}
	return forms, nil
}
