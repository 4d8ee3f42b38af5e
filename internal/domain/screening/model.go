package screening

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the computed state of a Screening.
type Status string

const (
	StatusDue        Status = "Due"
	StatusDueSoon    Status = "Due Soon"
	StatusIncomplete Status = "Incomplete"
	StatusComplete   Status = "Complete"
)

var validStatuses = map[Status]bool{
	StatusDue: true, StatusDueSoon: true, StatusIncomplete: true, StatusComplete: true,
}

// MatchSource names the strategy that produced an evidence link.
type MatchSource string

const (
	SourceFilename MatchSource = "filename"
	SourceContent  MatchSource = "content"
	SourceSection  MatchSource = "section"
	SourceCode     MatchSource = "code"
	SourceManual   MatchSource = "manual"
)

// Category groups documents and screening types for cutoff purposes.
type Category string

const (
	CategoryGeneral  Category = "general"
	CategoryLabs     Category = "labs"
	CategoryImaging  Category = "imaging"
	CategoryConsults Category = "consults"
	CategoryHospital Category = "hospital"
)

// Categories lists every cutoff category in display order.
var Categories = []Category{CategoryGeneral, CategoryLabs, CategoryImaging, CategoryConsults, CategoryHospital}

// NormalizeCategory maps free-form input onto a known category, defaulting to general.
func NormalizeCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	switch c {
	case "lab", "laboratory":
		return CategoryLabs
	case "radiology", "image":
		return CategoryImaging
	case "consult", "consultation", "referral":
		return CategoryConsults
	case "inpatient", "discharge", "admission":
		return CategoryHospital
	}
	return CategoryGeneral
}

// Patient is the read-only demographic view the engine needs.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MRN       string     `db:"mrn" json:"mrn"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	Active    bool       `db:"active" json:"active"`
}

// Age returns the patient's age in whole years at asOf. The second value is
// false when the birth date is unknown.
func (p *Patient) Age(asOf time.Time) (int, bool) {
	if p == nil || p.BirthDate == nil {
		return 0, false
	}
	b := p.BirthDate.UTC()
	a := asOf.UTC()
	age := a.Year() - b.Year()
	if a.Month() < b.Month() || (a.Month() == b.Month() && a.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		return 0, false
	}
	return age, true
}

// Condition maps to the condition table. Only active rows feed eligibility.
type Condition struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Name       string    `db:"name" json:"name"`
	Code       string    `db:"code" json:"code"`
	CodeSystem string    `db:"code_system" json:"code_system"`
	IsActive   bool      `db:"is_active" json:"is_active"`
}

// DocumentCode is a structured code extracted from a document.
type DocumentCode struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// MedicalDocument maps to the medical_document table.
type MedicalDocument struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	PatientID    uuid.UUID      `db:"patient_id" json:"patient_id"`
	Filename     string         `db:"filename" json:"filename"`
	Content      string         `db:"content" json:"-"`
	DocumentType string         `db:"document_type" json:"document_type"`
	Category     Category       `db:"category" json:"category"`
	DocumentDate *time.Time     `db:"document_date" json:"document_date,omitempty"`
	UploadedAt   time.Time      `db:"uploaded_at" json:"uploaded_at"`
	Codes        []DocumentCode `db:"codes" json:"codes,omitempty"`
}

// EffectiveDate is the clinical date of the document, falling back to the upload date.
func (d *MedicalDocument) EffectiveDate() time.Time {
	if d.DocumentDate != nil && !d.DocumentDate.IsZero() {
		return dateOnly(*d.DocumentDate)
	}
	return dateOnly(d.UploadedAt)
}

// Appointment is used only for the last-visit reference clock.
type Appointment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduled_at"`
	Status      string    `db:"status" json:"status"`
}

// TriggerCondition is a coded diagnosis that makes a screening type applicable.
type TriggerCondition struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

func (t TriggerCondition) usable() bool {
	return strings.TrimSpace(t.Code) != "" || strings.TrimSpace(t.Display) != ""
}

// ParseTriggerConditions decodes the stored JSON form of trigger conditions.
// It accepts a list of objects, a list of bare codes, or a single object.
// Anything else yields an empty list and a MatchingError for the caller to log.
func ParseTriggerConditions(raw []byte) ([]TriggerCondition, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "[]" || trimmed == "{}" {
		return nil, nil
	}

	var list []TriggerCondition
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var codes []string
	if err := json.Unmarshal(raw, &codes); err == nil {
		out := make([]TriggerCondition, 0, len(codes))
		for _, c := range codes {
			out = append(out, TriggerCondition{Code: c})
		}
		return out, nil
	}

	var single TriggerCondition
	if err := json.Unmarshal(raw, &single); err == nil {
		return []TriggerCondition{single}, nil
	}

	return nil, &MatchingError{Msg: "unparseable trigger_conditions", Err: fmt.Errorf("%.64s", trimmed)}
}

// ParseDocumentCodes decodes the stored JSON form of extracted document codes.
func ParseDocumentCodes(raw []byte) ([]DocumentCode, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "[]" {
		return nil, nil
	}
	var codes []DocumentCode
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, &MatchingError{Msg: "unparseable document codes", Err: err}
	}
	return codes, nil
}

// KeywordSet is a deduplicated, lower-cased set of matching keywords.
// Order of first appearance is preserved so results are deterministic.
type KeywordSet []string

// NewKeywordSet normalizes and deduplicates values case-insensitively.
// Delimited strings ("a, b; c") are split.
func NewKeywordSet(values ...string) KeywordSet {
	seen := make(map[string]bool)
	var out KeywordSet
	for _, v := range values {
		for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
			k := strings.ToLower(strings.TrimSpace(part))
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// UnmarshalJSON accepts either a JSON array or a single delimited string.
func (k *KeywordSet) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*k = NewKeywordSet(list...)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("keywords must be a list or a delimited string: %w", err)
	}
	*k = NewKeywordSet(s)
	return nil
}

// ScreeningType maps to the screening_type table.
type ScreeningType struct {
	ID                   uuid.UUID          `db:"id" json:"id"`
	Name                 string             `db:"name" json:"name"`
	Description          *string            `db:"description" json:"description,omitempty"`
	FrequencyNumber      *int               `db:"frequency_number" json:"frequency_number,omitempty"`
	FrequencyUnit        *string            `db:"frequency_unit" json:"frequency_unit,omitempty"`
	MinAge               *int               `db:"min_age" json:"min_age,omitempty"`
	MaxAge               *int               `db:"max_age" json:"max_age,omitempty"`
	GenderSpecific       *string            `db:"gender_specific" json:"gender_specific,omitempty"`
	TriggerConditions    []TriggerCondition `db:"trigger_conditions" json:"trigger_conditions,omitempty"`
	FilenameKeywords     KeywordSet         `db:"filename_keywords" json:"filename_keywords,omitempty"`
	ContentKeywords      KeywordSet         `db:"content_keywords" json:"content_keywords,omitempty"`
	DocumentTypeKeywords KeywordSet         `db:"document_type_keywords" json:"document_type_keywords,omitempty"`
	Category             Category           `db:"category" json:"category"`
	CutoffMonths         *int               `db:"cutoff_months" json:"cutoff_months,omitempty"`
	IsActive             bool               `db:"is_active" json:"is_active"`
	CreatedAt            time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time          `db:"updated_at" json:"updated_at"`
}

// unitDays maps a frequency unit onto its length in days. Month and year
// lengths are fixed approximations shared by the whole engine.
var unitDays = map[string]int{
	"day": 1, "days": 1,
	"week": 7, "weeks": 7,
	"month": 30, "months": 30,
	"year": 365, "years": 365,
}

// UnitMultiplier returns the day length of a frequency unit; unknown units are 365.
func UnitMultiplier(unit string) int {
	if d, ok := unitDays[strings.ToLower(strings.TrimSpace(unit))]; ok {
		return d
	}
	return 365
}

// FrequencyDays returns frequency_number × unit multiplier, or a ValidationError
// when the configuration cannot produce a frequency.
func (st *ScreeningType) FrequencyDays() (int, error) {
	if st.FrequencyNumber == nil {
		return 0, &ValidationError{TypeID: st.ID, Field: "frequency_number", Msg: "is required"}
	}
	if *st.FrequencyNumber <= 0 {
		return 0, &ValidationError{TypeID: st.ID, Field: "frequency_number", Msg: "must be positive"}
	}
	if st.FrequencyUnit == nil || strings.TrimSpace(*st.FrequencyUnit) == "" {
		return 0, &ValidationError{TypeID: st.ID, Field: "frequency_unit", Msg: "is required when frequency_number is set"}
	}
	return *st.FrequencyNumber * UnitMultiplier(*st.FrequencyUnit), nil
}

// Validate checks an administrative create/update payload.
func (st *ScreeningType) Validate() error {
	if strings.TrimSpace(st.Name) == "" {
		return &ValidationError{TypeID: st.ID, Field: "name", Msg: "is required"}
	}
	if _, err := st.FrequencyDays(); err != nil {
		return err
	}
	if st.MinAge != nil && *st.MinAge < 0 {
		return &ValidationError{TypeID: st.ID, Field: "min_age", Msg: "must not be negative"}
	}
	if st.MinAge != nil && st.MaxAge != nil && *st.MaxAge < *st.MinAge {
		return &ValidationError{TypeID: st.ID, Field: "max_age", Msg: "must not be below min_age"}
	}
	if st.CutoffMonths != nil && *st.CutoffMonths < 0 {
		return &ValidationError{TypeID: st.ID, Field: "cutoff_months", Msg: "must not be negative"}
	}
	return nil
}

// Normalize canonicalizes keyword sets and category in place.
func (st *ScreeningType) Normalize() {
	st.FilenameKeywords = NewKeywordSet(st.FilenameKeywords...)
	st.ContentKeywords = NewKeywordSet(st.ContentKeywords...)
	st.DocumentTypeKeywords = NewKeywordSet(st.DocumentTypeKeywords...)
	st.Category = NormalizeCategory(string(st.Category))
}

// Screening maps to the screening table: one row per eligible (patient, type).
type Screening struct {
	ID                uuid.UUID                `db:"id" json:"id"`
	PatientID         uuid.UUID                `db:"patient_id" json:"patient_id"`
	ScreeningTypeID   uuid.UUID                `db:"screening_type_id" json:"screening_type_id"`
	ScreeningTypeName string                   `db:"screening_type_name" json:"screening_type_name,omitempty"`
	Status            Status                   `db:"status" json:"status"`
	DueDate           *time.Time               `db:"due_date" json:"due_date,omitempty"`
	LastCompleted     *time.Time               `db:"last_completed" json:"last_completed,omitempty"`
	Notes             *string                  `db:"notes" json:"notes,omitempty"`
	DocumentCount     int                      `db:"document_count" json:"document_count"`
	CreatedAt         time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                `db:"updated_at" json:"updated_at"`
	Links             []*ScreeningDocumentLink `json:"links,omitempty"`
}

// hadEvidence reports whether this row ever carried supporting documents.
// It decides between Incomplete and Due when evidence disappears.
func (s *Screening) hadEvidence() bool {
	if s == nil {
		return false
	}
	return s.LastCompleted != nil || s.DocumentCount > 0 ||
		s.Status == StatusComplete || s.Status == StatusIncomplete
}

// ScreeningDocumentLink maps to the screening_document table.
type ScreeningDocumentLink struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	ScreeningID     uuid.UUID   `db:"screening_id" json:"screening_id"`
	DocumentID      uuid.UUID   `db:"document_id" json:"document_id"`
	ConfidenceScore float64     `db:"confidence_score" json:"confidence_score"`
	MatchSource     MatchSource `db:"match_source" json:"match_source"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}

// DocumentMatch is one surviving piece of evidence for a screening.
type DocumentMatch struct {
	DocumentID   uuid.UUID   `json:"document_id"`
	DocumentDate time.Time   `json:"document_date"`
	Source       MatchSource `json:"source"`
	Confidence   float64     `json:"confidence"`
	Keyword      string      `json:"keyword,omitempty"`
}

// ScreeningResult is the per-type outcome of evaluating a patient.
type ScreeningResult struct {
	ScreeningID       *uuid.UUID      `json:"screening_id,omitempty"`
	ScreeningTypeID   uuid.UUID       `json:"screening_type_id"`
	ScreeningTypeName string          `json:"screening_type_name"`
	Eligible          bool            `json:"eligible"`
	Reason            string          `json:"reason,omitempty"`
	Status            Status          `json:"status,omitempty"`
	DueDate           *time.Time      `json:"due_date,omitempty"`
	LastCompleted     *time.Time      `json:"last_completed,omitempty"`
	Matches           []DocumentMatch `json:"matches,omitempty"`
	Removed           bool            `json:"removed,omitempty"`
}

// RankedType is one entry of a bulk document ranking.
type RankedType struct {
	ScreeningTypeID uuid.UUID `json:"screening_type_id"`
	Name            string    `json:"name"`
	Score           float64   `json:"score"`
	MatchedKeywords []string  `json:"matched_keywords"`
}

// TypeCount is a dashboard aggregate row.
type TypeCount struct {
	ScreeningTypeID uuid.UUID      `json:"screening_type_id"`
	Name            string         `json:"name"`
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
}

// StatusCounts aggregates screening rows for dashboards.
type StatusCounts struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	ByType   []TypeCount    `json:"by_type"`
}

func sortTypeCounts(tc []TypeCount) {
	sort.Slice(tc, func(i, j int) bool {
		if tc[i].Total != tc[j].Total {
			return tc[i].Total > tc[j].Total
		}
		return tc[i].Name < tc[j].Name
	})
}

// dateOnly truncates t to midnight UTC of its calendar date.
func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween returns whole days from a to b (b − a) on date boundaries.
func daysBetween(a, b time.Time) int {
	return int(dateOnly(b).Sub(dateOnly(a)).Hours() / 24)
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }
