package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin                 = "LOGIN"
	AuditActionLogout                = "LOGOUT"
	AuditActionPasswordChange        = "PASSWORD_CHANGE"
	AuditActionCaseCreate            = "CASE_CREATE"
	AuditActionCgiUpdate             = "CGI_UPDATE"
	AuditActionSlotBookingUpdate     = "SLOT_BOOKING_UPDATE"
	AuditActionInterviewOutcome      = "INTERVIEW_OUTCOME"
	AuditActionDsUpdate              = "DS_UPDATE"
	AuditActionDsStudentAccept       = "DS_STUDENT_ACCEPT"
	AuditActionDsStudentReject       = "DS_STUDENT_REJECT"
	AuditActionDsStaffAcceptOverride = "DS_STUDENT_ACCEPT_OVERRIDE"
	AuditActionDsAdminAccept         = "DS_ADMIN_ACCEPT"
	AuditActionDsAdminReject         = "DS_ADMIN_REJECT"
	AuditActionDocumentAttach        = "DOCUMENT_ATTACH"
	AuditActionDocumentDelete        = "DOCUMENT_DELETE"
	AuditActionDocumentDownload      = "DOCUMENT_DOWNLOAD"
	AuditActionExportRequest         = "EXPORT_REQUEST"
	AuditActionExportDownload        = "EXPORT_DOWNLOAD"
	AuditActionUserCreate            = "USER_CREATE"
	AuditActionUserUpdate            = "USER_UPDATE"
	AuditActionUserDelete            = "USER_DELETE"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
