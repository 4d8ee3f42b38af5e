package screening

import (
	"time"
)

// daysPerMonth approximates month arithmetic across the engine.
const daysPerMonth = 30

// Settings are the practice-wide evaluation settings. One row per tenant.
type Settings struct {
	UseLastAppointment bool             `json:"use_last_appointment"`
	CutoffMonths       map[Category]int `json:"cutoff_months"`
	DueSoonDays        int              `json:"due_soon_days"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// DefaultSettings returns settings with no cutoffs, today as the reference
// clock and a 30-day Due Soon threshold.
func DefaultSettings() Settings {
	return Settings{
		CutoffMonths: map[Category]int{},
		DueSoonDays:  30,
	}
}

// Validate rejects negative values.
func (s *Settings) Validate() error {
	if s.DueSoonDays < 0 {
		return &ValidationError{Field: "due_soon_days", Msg: "must not be negative"}
	}
	for cat, m := range s.CutoffMonths {
		if m < 0 {
			return &ValidationError{Field: "cutoff_months." + string(cat), Msg: "must not be negative"}
		}
	}
	return nil
}

// Cutoffs holds the oldest acceptable document date per category.
type Cutoffs struct {
	Reference  time.Time              `json:"reference"`
	ByCategory map[Category]time.Time `json:"by_category"`
}

// For returns the cutoff that applies to doc when matched for st. A
// screening-type override wins, then the document's category, then the
// type's category. The second value is false when no cutoff applies.
func (c Cutoffs) For(st *ScreeningType, doc *MedicalDocument) (time.Time, bool) {
	if st != nil && st.CutoffMonths != nil && *st.CutoffMonths > 0 {
		return monthsBefore(c.Reference, *st.CutoffMonths), true
	}
	if doc != nil && doc.Category != "" {
		if t, ok := c.ByCategory[NormalizeCategory(string(doc.Category))]; ok {
			return t, true
		}
	}
	if st != nil {
		if t, ok := c.ByCategory[NormalizeCategory(string(st.Category))]; ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// CutoffCalculator computes reference and cutoff dates for a patient.
type CutoffCalculator struct{}

// Compute anchors on today, or on the patient's last past appointment when
// settings ask for it and one exists.
func (CutoffCalculator) Compute(settings Settings, lastAppointment *time.Time, today time.Time) Cutoffs {
	ref := dateOnly(today)
	if settings.UseLastAppointment && lastAppointment != nil && !lastAppointment.IsZero() {
		if la := dateOnly(*lastAppointment); !la.After(ref) {
			ref = la
		}
	}

	out := Cutoffs{Reference: ref, ByCategory: make(map[Category]time.Time)}
	for cat, months := range settings.CutoffMonths {
		if months <= 0 {
			continue
		}
		out.ByCategory[NormalizeCategory(string(cat))] = monthsBefore(ref, months)
	}
	return out
}

func monthsBefore(ref time.Time, months int) time.Time {
	return ref.AddDate(0, 0, -months*daysPerMonth)
}
