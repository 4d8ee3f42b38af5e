package screening

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EvaluationInput carries everything needed to derive one screening's status.
type EvaluationInput struct {
	Patient     *Patient
	Type        *ScreeningType
	Conditions  []*Condition
	Documents   []*MedicalDocument
	Cutoffs     Cutoffs
	Prior       *Screening
	ManualLinks []*ScreeningDocumentLink
	Today       time.Time
	DueSoonDays int
}

// Evaluation is the derived state for one (patient, screening type) pair.
// When Eligible is false the screening row must be removed.
type Evaluation struct {
	Eligible      bool
	Reason        string
	Status        Status
	DueDate       *time.Time
	LastCompleted *time.Time
	Notes         string
	Matches       []DocumentMatch
}

// StatusEngine re-derives a screening's status from current evidence. It
// holds no state between calls.
type StatusEngine struct {
	eligibility *EligibilityFilter
	matcher     *DocumentMatcher
}

func NewStatusEngine(eligibility *EligibilityFilter, matcher *DocumentMatcher) *StatusEngine {
	return &StatusEngine{eligibility: eligibility, matcher: matcher}
}

// Evaluate runs eligibility, matching, cutoff filtering and the status
// transition for one pair. A ValidationError means the type is misconfigured
// and the caller should leave any existing row untouched.
func (e *StatusEngine) Evaluate(in EvaluationInput) (Evaluation, error) {
	st := in.Type
	if st == nil {
		return Evaluation{}, &ValidationError{Field: "screening_type", Msg: "is required"}
	}
	if !st.IsActive {
		return Evaluation{Reason: ReasonInactiveType}, nil
	}
	frequencyDays, err := st.FrequencyDays()
	if err != nil {
		return Evaluation{}, err
	}

	today := dateOnly(in.Today)
	if ok, reason := e.eligibility.IsEligible(in.Patient, st, in.Conditions, today); !ok {
		return Evaluation{Reason: reason}, nil
	}

	matches := e.currentEvidence(in)
	out := Evaluation{Eligible: true, Reason: ReasonEligible, Matches: matches}

	if len(matches) > 0 {
		mostRecent := matches[0].DocumentDate
		due := mostRecent.AddDate(0, 0, frequencyDays)
		out.LastCompleted = timePtr(mostRecent)
		out.DueDate = timePtr(due)
		if daysBetween(mostRecent, today) < frequencyDays {
			out.Status = StatusComplete
		} else {
			out.Status = StatusDue
		}
	} else if in.Prior.hadEvidence() {
		out.Status = StatusIncomplete
	} else {
		out.Status = StatusDue
	}

	if out.Status == StatusDue && isDueSoon(out.DueDate, today, in.DueSoonDays) {
		out.Status = StatusDueSoon
	}
	out.Notes = describe(out)
	return out, nil
}

// currentEvidence matches the patient's documents, folds in surviving manual
// links and drops anything older than the applicable cutoff. The result is
// sorted newest first.
func (e *StatusEngine) currentEvidence(in EvaluationInput) []DocumentMatch {
	docs := make(map[uuid.UUID]*MedicalDocument, len(in.Documents))
	for _, d := range in.Documents {
		if d != nil {
			docs[d.ID] = d
		}
	}

	byDoc := make(map[uuid.UUID]DocumentMatch)
	for _, m := range e.matcher.MatchAll(in.Type, in.Documents) {
		byDoc[m.DocumentID] = m
	}
	for _, l := range in.ManualLinks {
		if l == nil || l.MatchSource != SourceManual {
			continue
		}
		d, ok := docs[l.DocumentID]
		if !ok {
			continue
		}
		byDoc[d.ID] = DocumentMatch{
			DocumentID:   d.ID,
			DocumentDate: d.EffectiveDate(),
			Source:       SourceManual,
			Confidence:   manualConfidence,
		}
	}

	out := make([]DocumentMatch, 0, len(byDoc))
	for id, m := range byDoc {
		if cutoff, ok := in.Cutoffs.For(in.Type, docs[id]); ok && m.DocumentDate.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	sortMatches(out)
	return out
}

// isDueSoon reports whether due lies within threshold days of today on
// either side. Only a Due screening is checked and its due date is never in
// the future, so in practice this catches screenings that fell overdue
// within the threshold.
func isDueSoon(due *time.Time, today time.Time, threshold int) bool {
	if due == nil || threshold < 0 {
		return false
	}
	gap := daysBetween(dateOnly(*due), today)
	if gap < 0 {
		gap = -gap
	}
	return gap <= threshold
}

func describe(ev Evaluation) string {
	if len(ev.Matches) == 0 {
		if ev.Status == StatusIncomplete {
			return "no current supporting documents"
		}
		return "no documentation on file"
	}
	sources := make(map[MatchSource]bool)
	for _, m := range ev.Matches {
		sources[m.Source] = true
	}
	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, string(s))
	}
	sort.Strings(names)
	return fmt.Sprintf("%d matching document(s) via %s; most recent %s",
		len(ev.Matches), strings.Join(names, ", "), ev.Matches[0].DocumentDate.Format(time.DateOnly))
}
