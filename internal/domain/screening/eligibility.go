package screening

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Ineligibility reasons returned by EligibilityFilter.
const (
	ReasonEligible          = "eligible"
	ReasonInactiveType      = "screening type is inactive"
	ReasonAgeUnknown        = "age unknown"
	ReasonSexUnknown        = "sex unknown"
	ReasonNoTriggerMatch    = "no matching active trigger condition"
	reasonBelowMinAgeFormat = "age %d below minimum %d"
	reasonAboveMaxAgeFormat = "age %d above maximum %d"
	reasonGenderFormat      = "restricted to %s"
)

var genderWildcards = map[string]bool{"": true, "both": true, "all": true, "any": true}

// EligibilityFilter decides whether a screening type applies to a patient.
// It performs no I/O.
type EligibilityFilter struct {
	logger zerolog.Logger
}

func NewEligibilityFilter(logger zerolog.Logger) *EligibilityFilter {
	return &EligibilityFilter{logger: logger.With().Str("component", "eligibility").Logger()}
}

// IsEligible runs the age, gender and trigger-condition checks in that order
// and returns the first failing reason.
func (f *EligibilityFilter) IsEligible(p *Patient, st *ScreeningType, conditions []*Condition, asOf time.Time) (bool, string) {
	if p == nil || st == nil {
		return false, "missing patient or screening type"
	}
	if ok, reason := checkAge(p, st, asOf); !ok {
		return false, reason
	}
	if ok, reason := checkGender(p, st); !ok {
		return false, reason
	}
	if ok, reason := f.checkTriggers(st, conditions); !ok {
		return false, reason
	}
	return true, ReasonEligible
}

func checkAge(p *Patient, st *ScreeningType, asOf time.Time) (bool, string) {
	if st.MinAge == nil && st.MaxAge == nil {
		return true, ""
	}
	age, known := p.Age(asOf)
	if !known {
		return false, ReasonAgeUnknown
	}
	if st.MinAge != nil && age < *st.MinAge {
		return false, fmt.Sprintf(reasonBelowMinAgeFormat, age, *st.MinAge)
	}
	if st.MaxAge != nil && age > *st.MaxAge {
		return false, fmt.Sprintf(reasonAboveMaxAgeFormat, age, *st.MaxAge)
	}
	return true, ""
}

func checkGender(p *Patient, st *ScreeningType) (bool, string) {
	if st.GenderSpecific == nil {
		return true, ""
	}
	want := normalizeSex(*st.GenderSpecific)
	if genderWildcards[want] {
		return true, ""
	}
	if p.Gender == nil || strings.TrimSpace(*p.Gender) == "" {
		return false, ReasonSexUnknown
	}
	if normalizeSex(*p.Gender) != want {
		return false, fmt.Sprintf(reasonGenderFormat, *st.GenderSpecific)
	}
	return true, ""
}

// normalizeSex folds the single-letter and long forms used by intake systems.
func normalizeSex(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "f", "woman":
		return "female"
	case "m", "man":
		return "male"
	}
	return v
}

func (f *EligibilityFilter) checkTriggers(st *ScreeningType, conditions []*Condition) (bool, string) {
	if len(st.TriggerConditions) == 0 {
		return true, ""
	}
	triggers := make([]TriggerCondition, 0, len(st.TriggerConditions))
	for _, t := range st.TriggerConditions {
		if t.usable() {
			triggers = append(triggers, t)
		}
	}
	if len(triggers) == 0 {
		f.logger.Warn().
			Str("screening_type_id", st.ID.String()).
			Int("entries", len(st.TriggerConditions)).
			Msg("trigger conditions carry no code or display; skipping trigger check")
		return true, ""
	}

	for _, c := range conditions {
		if c == nil || !c.IsActive {
			continue
		}
		for _, t := range triggers {
			if conditionMatchesTrigger(c, t) {
				return true, ""
			}
		}
	}
	return false, ReasonNoTriggerMatch
}

// conditionMatchesTrigger matches on exact code, or on the trigger's display
// text and the condition name containing one another (case-insensitive).
func conditionMatchesTrigger(c *Condition, t TriggerCondition) bool {
	code := strings.TrimSpace(t.Code)
	if code != "" && strings.EqualFold(code, strings.TrimSpace(c.Code)) {
		return true
	}
	display := strings.ToLower(strings.TrimSpace(t.Display))
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if display == "" || name == "" {
		return false
	}
	return strings.Contains(name, display) || strings.Contains(display, name)
}
