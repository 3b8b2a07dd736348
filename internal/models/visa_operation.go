package models

import (
	"time"

	"github.com/lib/pq"
)

// DsExpiryDays is the validity window of a started DS-160 form session.
// expiryDate is always derived as startDate + DsExpiryDays.
const DsExpiryDays = 20

// ApprovalStatus tracks one axis of the DS-160 dual-approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalAccepted ApprovalStatus = "ACCEPTED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// VisaOutcome records the result of the visa interview.
type VisaOutcome string

const (
	OutcomeApproved VisaOutcome = "Approved"
	OutcomeRejected VisaOutcome = "Rejected"
	Outcome221g     VisaOutcome = "221g"
)

// DocumentKind classifies DS-160 attachments.
type DocumentKind string

const (
	DocumentKindFilling      DocumentKind = "FILLING"
	DocumentKindInternal     DocumentKind = "INTERNAL"
	DocumentKindConfirmation DocumentKind = "CONFIRMATION"
)

// Derived case status labels shown on the register list.
const (
	StatusLabelAwaitingAdmin      = "Waiting for Admin Approval"
	StatusLabelAwaitingSubmission = "Waiting for DS-160 Submission"
	StatusLabelCompleted          = "Process Completed"
)

// VisaOperation is one applicant's visa case. Name, phone and country are a
// snapshot of the CRM contact taken at creation time and intentionally allowed
// to diverge from the live contact afterwards.
type VisaOperation struct {
	ID              string    `db:"id" json:"id"`
	VopNumber       string    `db:"vop_number" json:"vopNumber"`
	ContactID       string    `db:"contact_id" json:"contactId"`
	Name            string    `db:"name" json:"name"`
	Phone           string    `db:"phone" json:"phone"`
	Country         string    `db:"country" json:"country"`
	ShowCgiOnPortal bool      `db:"show_cgi_on_portal" json:"showCgiOnPortal"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`

	CgiData           *CgiData           `db:"-" json:"cgiData,omitempty"`
	SlotBookingData   *SlotBookingData   `db:"-" json:"slotBookingData,omitempty"`
	DsData            *DsData            `db:"-" json:"dsData,omitempty"`
	VisaInterviewData *VisaInterviewData `db:"-" json:"visaInterviewData,omitempty"`
}

// CgiData holds the applicant's immigration-portal credentials and up to three
// independent security question/answer pairs. The engine treats all values as
// opaque strings.
type CgiData struct {
	CaseID            string    `db:"case_id" json:"-"`
	Username          string    `db:"username" json:"username"`
	Password          string    `db:"password" json:"password"`
	SecurityQuestion1 *string   `db:"security_question_1" json:"securityQuestion1,omitempty"`
	SecurityAnswer1   *string   `db:"security_answer_1" json:"securityAnswer1,omitempty"`
	SecurityQuestion2 *string   `db:"security_question_2" json:"securityQuestion2,omitempty"`
	SecurityAnswer2   *string   `db:"security_answer_2" json:"securityAnswer2,omitempty"`
	SecurityQuestion3 *string   `db:"security_question_3" json:"securityQuestion3,omitempty"`
	SecurityAnswer3   *string   `db:"security_answer_3" json:"securityAnswer3,omitempty"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// Configured reports whether credentials have been captured. The register UI
// derives its "Start CGI" vs "View CGI" affordance from this.
func (c *CgiData) Configured() bool {
	return c != nil && c.Username != ""
}

// SlotBookingData holds the VAC and VI appointment descriptors plus the
// applicant-submitted location preferences. Once PreferencesLocked is set by
// the applicant portal the preferred sets are read-only for staff; every
// staff-side save must carry them through verbatim.
type SlotBookingData struct {
	CaseID            string         `db:"case_id" json:"-"`
	VacConsulate      string         `db:"vac_consulate" json:"vacConsulate"`
	VacDate           *time.Time     `db:"vac_date" json:"vacDate,omitempty"`
	VacTime           string         `db:"vac_time" json:"vacTime"`
	ViConsulate       string         `db:"vi_consulate" json:"viConsulate"`
	ViDate            *time.Time     `db:"vi_date" json:"viDate,omitempty"`
	ViTime            string         `db:"vi_time" json:"viTime"`
	BookedOn          string         `db:"booked_on" json:"bookedOn"`
	BookedBy          string         `db:"booked_by" json:"bookedBy"`
	VacPreferred      pq.StringArray `db:"vac_preferred" json:"vacPreferred"`
	ViPreferred       pq.StringArray `db:"vi_preferred" json:"viPreferred"`
	PreferencesLocked bool           `db:"preferences_locked" json:"preferencesLocked"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updatedAt"`
}

// VisaInterviewData records the interview outcome. Recording an outcome does
// not require a booked VI slot.
type VisaInterviewData struct {
	VisaOutcome VisaOutcome `db:"visa_outcome" json:"visaOutcome"`
	Remarks     string      `db:"remarks" json:"remarks"`
}

// DocumentRef points at a blob held by the document store.
type DocumentRef struct {
	ID          string       `db:"id" json:"id"`
	CaseID      string       `db:"case_id" json:"-"`
	Kind        DocumentKind `db:"kind" json:"-"`
	Name        string       `db:"name" json:"name"`
	SizeBytes   int64        `db:"size_bytes" json:"sizeBytes"`
	ContentType string       `db:"content_type" json:"contentType"`
	StoragePath string       `db:"storage_path" json:"-"`
	Position    int          `db:"position" json:"-"`
	UploadedAt  time.Time    `db:"uploaded_at" json:"uploadedAt"`
}

// DsData is the DS-160 sub-record: form metadata, attachments and the
// dual-approval gate. Version guards the approval columns against concurrent
// writers; all approval transitions are compare-and-set on it.
type DsData struct {
	CaseID             string         `db:"case_id" json:"-"`
	ConfirmationNumber string         `db:"confirmation_number" json:"confirmationNumber"`
	SecurityQuestion   string         `db:"security_question" json:"securityQuestion"`
	SecurityAnswer     string         `db:"security_answer" json:"securityAnswer"`
	StartDate          *time.Time     `db:"start_date" json:"startDate,omitempty"`
	ExpiryDate         *time.Time     `db:"expiry_date" json:"expiryDate,omitempty"`
	BasicDsBox         string         `db:"basic_ds_box" json:"basicDsBox"`
	StudentStatus      ApprovalStatus `db:"student_status" json:"studentStatus"`
	AdminStatus        ApprovalStatus `db:"admin_status" json:"adminStatus"`
	RejectionReason    string         `db:"rejection_reason" json:"rejectionReason"`
	AdminName          string         `db:"admin_name" json:"adminName"`
	Version            int            `db:"version" json:"-"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updatedAt"`

	InternalDocument     *DocumentRef  `db:"-" json:"internalDocument,omitempty"`
	FillingDocuments     []DocumentRef `db:"-" json:"fillingDocuments"`
	ConfirmationDocument *DocumentRef  `db:"-" json:"confirmationDocument,omitempty"`
}

// GateSatisfied reports whether the confirmation document may be attached.
func (d *DsData) GateSatisfied() bool {
	return d != nil && d.StudentStatus == ApprovalAccepted && d.AdminStatus == ApprovalAccepted
}

// StatusLabel derives the register badge from the DS-160 state. It is never
// stored.
func (d *DsData) StatusLabel() string {
	switch {
	case d == nil:
		return ""
	case d.ConfirmationDocument != nil:
		return StatusLabelCompleted
	case d.AdminStatus == ApprovalAccepted:
		return StatusLabelAwaitingSubmission
	case d.StudentStatus == ApprovalAccepted && d.AdminStatus == ApprovalPending:
		return StatusLabelAwaitingAdmin
	}
	return ""
}

// StatusLabel exposes the derived badge at the case level.
func (v *VisaOperation) StatusLabel() string {
	if v == nil {
		return ""
	}
	return v.DsData.StatusLabel()
}

// CaseSummary is the register list projection. Credentials and security
// answers are deliberately absent.
type CaseSummary struct {
	ID            string       `db:"id" json:"id"`
	VopNumber     string       `db:"vop_number" json:"vopNumber"`
	ContactID     string       `db:"contact_id" json:"contactId"`
	Name          string       `db:"name" json:"name"`
	Phone         string       `db:"phone" json:"phone"`
	Country       string       `db:"country" json:"country"`
	CreatedAt     time.Time    `db:"created_at" json:"createdAt"`
	CgiConfigured bool         `db:"cgi_configured" json:"cgiConfigured"`
	StudentStatus *string      `db:"student_status" json:"-"`
	AdminStatus   *string      `db:"admin_status" json:"-"`
	HasConfirmDoc bool         `db:"has_confirmation_doc" json:"-"`
	VisaOutcome   *VisaOutcome `db:"visa_outcome" json:"visaOutcome,omitempty"`
	StatusLabel   string       `db:"-" json:"statusLabel,omitempty"`
}

// DeriveStatusLabel fills StatusLabel from the projected approval columns.
func (s *CaseSummary) DeriveStatusLabel() {
	ds := &DsData{StudentStatus: ApprovalPending, AdminStatus: ApprovalPending}
	if s.StudentStatus == nil && s.AdminStatus == nil && !s.HasConfirmDoc {
		s.StatusLabel = ""
		return
	}
	if s.StudentStatus != nil {
		ds.StudentStatus = ApprovalStatus(*s.StudentStatus)
	}
	if s.AdminStatus != nil {
		ds.AdminStatus = ApprovalStatus(*s.AdminStatus)
	}
	if s.HasConfirmDoc {
		ds.ConfirmationDocument = &DocumentRef{}
	}
	s.StatusLabel = ds.StatusLabel()
}

// CaseFilter narrows register listing queries. Text matches name, vopNumber,
// phone and country case-insensitively; the date range is inclusive and
// truncated to calendar days.
type CaseFilter struct {
	Text     string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}
