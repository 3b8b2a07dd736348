package dto

// CreateRegisterExportRequest queues a CSV export of the case register.
type CreateRegisterExportRequest struct {
	Text     string `json:"text"`
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
}

// CreateCaseExportRequest queues a PDF summary export for a single case.
type CreateCaseExportRequest struct {
	Format string `json:"format" validate:"omitempty,oneof=csv pdf"`
}

// ExportJobResponse is returned when a job is queued or polled.
type ExportJobResponse struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	ResultURL *string `json:"resultUrl,omitempty"`
	Error     *string `json:"error,omitempty"`
}
