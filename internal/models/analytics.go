package models

import "time"

// PipelineFilter scopes pipeline analytics queries.
type PipelineFilter struct {
	Country  string
	DateFrom *time.Time
	DateTo   *time.Time
}

// PipelineSummary counts cases per workflow stage.
type PipelineSummary struct {
	StatusLabel string `db:"status_label" json:"status_label"`
	CaseCount   int    `db:"case_count" json:"case_count"`
}

// OutcomeFilter scopes interview outcome analytics queries.
type OutcomeFilter struct {
	Consulate string
	DateFrom  *time.Time
	DateTo    *time.Time
}

// OutcomeSummary aggregates recorded interview outcomes per consulate.
type OutcomeSummary struct {
	Consulate     string     `db:"consulate" json:"consulate"`
	ApprovedCount int        `db:"approved_count" json:"approved_count"`
	RejectedCount int        `db:"rejected_count" json:"rejected_count"`
	Count221g     int        `db:"count_221g" json:"count_221g"`
	UpdatedAt     *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// ExpiringForm flags a DS-160 session approaching its expiry date.
type ExpiringForm struct {
	CaseID     string    `db:"case_id" json:"case_id"`
	VopNumber  string    `db:"vop_number" json:"vop_number"`
	Name       string    `db:"name" json:"name"`
	ExpiryDate time.Time `db:"expiry_date" json:"expiry_date"`
}

// AnalyticsSystemMetrics represents system level analytics captured from instrumentation.
type AnalyticsSystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	DBQueryCount             uint64    `json:"db_query_count"`
	AverageDBQueryDurationMs float64   `json:"average_db_query_duration_ms"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
