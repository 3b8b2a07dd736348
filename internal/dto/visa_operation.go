package dto

// CreateCaseRequest opens a new visa case for a CRM contact. Name, phone and
// country default to the directory record when omitted; whatever is stored
// becomes the immutable filing-time snapshot.
type CreateCaseRequest struct {
	ContactID string `json:"contactId" validate:"required"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Country   string `json:"country"`
}

// CaseQuery mirrors the register list filters.
type CaseQuery struct {
	Text     string `form:"text"`
	DateFrom string `form:"dateFrom"`
	DateTo   string `form:"dateTo"`
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
}

// CgiDataRequest is the full CGI sub-record payload. Updates are whole-record
// overwrites; partial merges are not supported.
type CgiDataRequest struct {
	Username          string  `json:"username" validate:"required"`
	Password          string  `json:"password" validate:"required"`
	SecurityQuestion1 *string `json:"securityQuestion1"`
	SecurityAnswer1   *string `json:"securityAnswer1"`
	SecurityQuestion2 *string `json:"securityQuestion2"`
	SecurityAnswer2   *string `json:"securityAnswer2"`
	SecurityQuestion3 *string `json:"securityQuestion3"`
	SecurityAnswer3   *string `json:"securityAnswer3"`
	ShowOnPortal      bool    `json:"showOnPortal"`
}

// SlotBookingRequest carries the staff-editable booking fields. Dates use
// YYYY-MM-DD; times are free text as booked on the consulate portal. The
// applicant preference fields are absent on purpose: they belong to the portal
// channel and survive staff saves untouched.
type SlotBookingRequest struct {
	VacConsulate string `json:"vacConsulate"`
	VacDate      string `json:"vacDate"`
	VacTime      string `json:"vacTime"`
	ViConsulate  string `json:"viConsulate"`
	ViDate       string `json:"viDate"`
	ViTime       string `json:"viTime"`
	BookedOn     string `json:"bookedOn"`
	BookedBy     string `json:"bookedBy"`
}

// SlotPreferencesRequest is the applicant-portal submission of preferred
// appointment locations. Submitting locks the sets permanently.
type SlotPreferencesRequest struct {
	VacPreferred []string `json:"vacPreferred"`
	ViPreferred  []string `json:"viPreferred"`
}

// InterviewOutcomeRequest records the VI result.
type InterviewOutcomeRequest struct {
	VisaOutcome string `json:"visaOutcome" validate:"required,oneof=Approved Rejected 221g"`
	Remarks     string `json:"remarks"`
}

// DsDataRequest overwrites the DS-160 form metadata. Approval statuses, start
// date and documents are managed by their own operations and are never part of
// this payload.
type DsDataRequest struct {
	ConfirmationNumber string `json:"confirmationNumber"`
	SecurityQuestion   string `json:"securityQuestion"`
	SecurityAnswer     string `json:"securityAnswer"`
	BasicDsBox         string `json:"basicDsBox"`
}

// StartDateRequest sets the DS-160 session start date (YYYY-MM-DD). The
// expiry date is derived server-side and cannot be supplied.
type StartDateRequest struct {
	StartDate string `json:"startDate" validate:"required"`
}

// RejectRequest carries the mandatory rejection reason for either axis of the
// approval gate.
type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}
