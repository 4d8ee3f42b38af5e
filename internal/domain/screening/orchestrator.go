package screening

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/lock"
)

const (
	tracerName       = "github.com/ehr/screening/internal/domain/screening"
	patientPageSize  = 500
	maxSearchResults = 500
)

// SelectorKind names how a batch picks its patients.
type SelectorKind string

const (
	SelectIDs           SelectorKind = "ids"
	SelectSearch        SelectorKind = "search"
	SelectScreeningType SelectorKind = "screening_type"
	SelectDocumentEvent SelectorKind = "document_event"
	SelectAll           SelectorKind = "all"
)

// Selector identifies the patients of a batch run.
type Selector struct {
	Kind            SelectorKind `json:"kind"`
	PatientIDs      []uuid.UUID  `json:"patient_ids,omitempty"`
	Query           string       `json:"query,omitempty"`
	ScreeningTypeID uuid.UUID    `json:"screening_type_id,omitempty"`
	DocumentID      uuid.UUID    `json:"document_id,omitempty"`
}

func (s Selector) Validate() error {
	switch s.Kind {
	case SelectIDs:
		if len(s.PatientIDs) == 0 {
			return &ValidationError{Field: "patient_ids", Msg: "is required"}
		}
	case SelectSearch:
		if strings.TrimSpace(s.Query) == "" {
			return &ValidationError{Field: "query", Msg: "is required"}
		}
	case SelectScreeningType:
		if s.ScreeningTypeID == uuid.Nil {
			return &ValidationError{Field: "screening_type_id", Msg: "is required"}
		}
	case SelectDocumentEvent:
		if s.DocumentID == uuid.Nil {
			return &ValidationError{Field: "document_id", Msg: "is required"}
		}
	case SelectAll:
	default:
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown selector %q", s.Kind)}
	}
	return nil
}

// BatchOptions bound a batch run. Zero fields take the orchestrator defaults.
type BatchOptions struct {
	BatchSize      int           `json:"batch_size"`
	PatientTimeout time.Duration `json:"patient_timeout"`
	Budget         time.Duration `json:"budget"`
	Workers        int           `json:"workers"`
}

// DefaultBatchOptions processes 25 patients per batch sequentially, allowing
// 10s per patient and 300s overall.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		BatchSize:      25,
		PatientTimeout: 10 * time.Second,
		Budget:         300 * time.Second,
		Workers:        1,
	}
}

func (o BatchOptions) withDefaults(d BatchOptions) BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PatientTimeout <= 0 {
		o.PatientTimeout = d.PatientTimeout
	}
	if o.Budget <= 0 {
		o.Budget = d.Budget
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// TypeError reports a screening type skipped because of its configuration.
type TypeError struct {
	ScreeningTypeID uuid.UUID `json:"screening_type_id"`
	Name            string    `json:"name"`
	Error           string    `json:"error"`
}

// PatientResult is the outcome of evaluating one patient.
type PatientResult struct {
	PatientID uuid.UUID         `json:"patient_id"`
	NotFound  bool              `json:"not_found,omitempty"`
	Results   []ScreeningResult `json:"results"`
	Skipped   []TypeError       `json:"skipped,omitempty"`
	Updated   int               `json:"updated"`
}

// PatientError records a patient whose evaluation failed or timed out.
type PatientError struct {
	PatientID uuid.UUID `json:"patient_id"`
	Error     string    `json:"error"`
}

// BatchResult aggregates a batch run. Truncated means the wall-clock budget
// ran out before every selected patient was attempted.
type BatchResult struct {
	Selected     int            `json:"selected"`
	Processed    int            `json:"processed"`
	Updated      int            `json:"updated"`
	Skipped      int            `json:"skipped"`
	Errors       []PatientError `json:"errors"`
	TimedOut     []uuid.UUID    `json:"timed_out,omitempty"`
	SkippedTypes []TypeError    `json:"skipped_types,omitempty"`
	Truncated    bool           `json:"truncated"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// Orchestrator runs the evaluate-then-persist pipeline per patient and over
// batches of patients.
type Orchestrator struct {
	repos    Repositories
	store    *RelationshipStore
	status   *StatusEngine
	cutoffs  CutoffCalculator
	locker   lock.Locker
	defaults Settings
	opts     BatchOptions
	now      func() time.Time
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewOrchestrator(repos Repositories, store *RelationshipStore, locker lock.Locker, defaults Settings, opts BatchOptions, logger zerolog.Logger) *Orchestrator {
	if locker == nil {
		locker = lock.Noop{}
	}
	if defaults.CutoffMonths == nil {
		defaults.CutoffMonths = map[Category]int{}
	}
	o := &Orchestrator{
		repos:    repos,
		store:    store,
		status:   NewStatusEngine(NewEligibilityFilter(logger), NewDocumentMatcher()),
		locker:   locker,
		defaults: defaults,
		opts:     opts.withDefaults(DefaultBatchOptions()),
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With().Str("component", "refresh_orchestrator").Logger(),
	}
	store.evaluator = o
	return o
}

func (o *Orchestrator) loadSettings(ctx context.Context) (Settings, error) {
	if o.repos.Settings == nil {
		return o.defaults, nil
	}
	s, err := o.repos.Settings.Get(ctx)
	if err != nil {
		if IsNotFound(err) {
			return o.defaults, nil
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if s.CutoffMonths == nil {
		s.CutoffMonths = map[Category]int{}
	}
	return *s, nil
}

func (o *Orchestrator) activeTypes(ctx context.Context) ([]*ScreeningType, error) {
	types, err := o.repos.Types.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active screening types: %w", err)
	}
	for _, st := range types {
		st.Normalize()
	}
	return types, nil
}

// EvaluatePatient evaluates one patient against every active screening type.
func (o *Orchestrator) EvaluatePatient(ctx context.Context, patientID uuid.UUID) (*PatientResult, error) {
	types, err := o.activeTypes(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, o.opts.PatientTimeout)
	defer cancel()
	return o.evaluatePatient(pctx, patientID, types, settings, true)
}

// EvaluateTypes re-derives only the given screening types for a patient.
// Types that no longer exist are ignored; inactive ones remove their rows.
func (o *Orchestrator) EvaluateTypes(ctx context.Context, patientID uuid.UUID, typeIDs []uuid.UUID) (*PatientResult, error) {
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(typeIDs))
	types := make([]*ScreeningType, 0, len(typeIDs))
	for _, id := range typeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		st, err := o.repos.Types.GetByID(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get screening type %s: %w", id, err)
		}
		st.Normalize()
		types = append(types, st)
	}
	pctx, cancel := context.WithTimeout(ctx, o.opts.PatientTimeout)
	defer cancel()
	return o.evaluatePatient(pctx, patientID, types, settings, false)
}

type pendingResult struct {
	result ScreeningResult
	write  *screeningWrite
}

// evaluatePatient holds the patient lock while reading, computing and
// committing. With full set, rows for types outside the given set are removed.
func (o *Orchestrator) evaluatePatient(ctx context.Context, patientID uuid.UUID, types []*ScreeningType, settings Settings, full bool) (_ *PatientResult, err error) {
	ctx, span := o.tracer.Start(ctx, "screening.evaluate_patient",
		trace.WithAttributes(attribute.String("patient.id", patientID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock, err := o.locker.Lock(ctx, patientLockKey(ctx, patientID))
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()

	patient, err := o.repos.Patients.GetByID(ctx, patientID)
	if err != nil {
		if IsNotFound(err) {
			return &PatientResult{PatientID: patientID, NotFound: true}, nil
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	conditions, err := o.repos.Conditions.ListActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	docs, err := o.repos.Documents.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	now := o.now()
	var lastAppt *time.Time
	if settings.UseLastAppointment && o.repos.Appointments != nil {
		if lastAppt, err = o.repos.Appointments.LastBefore(ctx, patientID, now); err != nil {
			return nil, fmt.Errorf("last appointment: %w", err)
		}
	}
	existing, err := o.repos.Screenings.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list screenings: %w", err)
	}
	manual, err := o.repos.Links.ListManualByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list manual links: %w", err)
	}

	priorByType := make(map[uuid.UUID]*Screening, len(existing))
	for _, s := range existing {
		priorByType[s.ScreeningTypeID] = s
	}
	cutoffs := o.cutoffs.Compute(settings, lastAppt, now)
	today := dateOnly(now)

	res := &PatientResult{PatientID: patientID, Results: make([]ScreeningResult, 0, len(types))}
	var pending []pendingResult
	evaluated := make(map[uuid.UUID]bool, len(types))

	for _, st := range types {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evaluated[st.ID] = true
		prior := priorByType[st.ID]

		in := EvaluationInput{
			Patient:     patient,
			Type:        st,
			Conditions:  conditions,
			Documents:   docs,
			Cutoffs:     cutoffs,
			Prior:       prior,
			Today:       today,
			DueSoonDays: settings.DueSoonDays,
		}
		if prior != nil {
			in.ManualLinks = manual[prior.ID]
		}
		ev, err := o.status.Evaluate(in)
		if err != nil {
			o.logger.Warn().Err(err).
				Str("patient_id", patientID.String()).
				Str("screening_type_id", st.ID.String()).
				Msg("screening type skipped")
			res.Skipped = append(res.Skipped, TypeError{ScreeningTypeID: st.ID, Name: st.Name, Error: err.Error()})
			continue
		}

		sr := ScreeningResult{
			ScreeningTypeID:   st.ID,
			ScreeningTypeName: st.Name,
			Eligible:          ev.Eligible,
			Reason:            ev.Reason,
		}
		if !ev.Eligible {
			var w *screeningWrite
			if prior != nil {
				w = &screeningWrite{prior: prior}
				sr.Removed = true
			}
			pending = append(pending, pendingResult{result: sr, write: w})
			continue
		}

		next := &Screening{
			ID:                uuid.New(),
			PatientID:         patientID,
			ScreeningTypeID:   st.ID,
			ScreeningTypeName: st.Name,
			Status:            ev.Status,
			DueDate:           ev.DueDate,
			LastCompleted:     ev.LastCompleted,
			Notes:             strPtr(ev.Notes),
			DocumentCount:     len(ev.Matches),
			CreatedAt:         now.UTC(),
			UpdatedAt:         now.UTC(),
		}
		if prior != nil {
			next.ID = prior.ID
			next.CreatedAt = prior.CreatedAt
		}
		sr.Status = ev.Status
		sr.DueDate = ev.DueDate
		sr.LastCompleted = ev.LastCompleted
		sr.Matches = ev.Matches
		pending = append(pending, pendingResult{
			result: sr,
			write:  &screeningWrite{prior: prior, next: next, matches: ev.Matches, manual: liveLinks(in.ManualLinks, docs)},
		})
	}

	if full {
		for _, s := range existing {
			if evaluated[s.ScreeningTypeID] {
				continue
			}
			pending = append(pending, pendingResult{
				result: ScreeningResult{
					ScreeningID:       uuidPtr(s.ID),
					ScreeningTypeID:   s.ScreeningTypeID,
					ScreeningTypeName: s.ScreeningTypeName,
					Reason:            ReasonInactiveType,
					Removed:           true,
				},
				write: &screeningWrite{prior: s},
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	writes := make([]*screeningWrite, 0, len(pending))
	for _, p := range pending {
		if p.write != nil {
			writes = append(writes, p.write)
		}
	}
	updated, err := o.store.commitPatient(ctx, patientID, writes)
	if err != nil {
		return nil, err
	}
	res.Updated = updated

	for _, p := range pending {
		r := p.result
		if p.write != nil && p.write.next != nil {
			r.ScreeningID = uuidPtr(p.write.next.ID)
		} else if p.write != nil && p.write.prior != nil && r.ScreeningID == nil {
			r.ScreeningID = uuidPtr(p.write.prior.ID)
		}
		res.Results = append(res.Results, r)
	}
	sort.SliceStable(res.Results, func(i, j int) bool {
		return strings.ToLower(res.Results[i].ScreeningTypeName) < strings.ToLower(res.Results[j].ScreeningTypeName)
	})

	span.SetAttributes(attribute.Int("screenings.updated", updated), attribute.Int("types.skipped", len(res.Skipped)))
	return res, nil
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

// EvaluateBatch resolves the selector and evaluates each patient with its
// own timeout and commit. The budget is checked before every patient after
// the first; when it runs out the partial result is returned with Truncated set.
func (o *Orchestrator) EvaluateBatch(ctx context.Context, sel Selector, opts BatchOptions) (_ *BatchResult, err error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(o.opts)
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "screening.evaluate_batch",
		trace.WithAttributes(attribute.String("selector.kind", string(sel.Kind))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ids, err := o.selectPatients(ctx, sel)
	if err != nil {
		return nil, err
	}
	types, err := o.activeTypes(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	// A request-scoped connection cannot be shared between goroutines.
	workers := opts.Workers
	if db.ConnFromContext(ctx) != nil || db.TxFromContext(ctx) != nil {
		workers = 1
	}

	res := &BatchResult{Selected: len(ids), Errors: []PatientError{}}
	var mu sync.Mutex
	skippedTypes := make(map[uuid.UUID]bool)
	record := func(id uuid.UUID, pr *PatientResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil && pr.NotFound:
			res.Skipped++
		case err == nil:
			res.Processed++
			res.Updated += pr.Updated
			for _, te := range pr.Skipped {
				if !skippedTypes[te.ScreeningTypeID] {
					skippedTypes[te.ScreeningTypeID] = true
					res.SkippedTypes = append(res.SkippedTypes, te)
				}
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			res.TimedOut = append(res.TimedOut, id)
			res.Errors = append(res.Errors, PatientError{PatientID: id, Error: "evaluation timed out"})
			o.logger.Warn().Str("patient_id", id.String()).Dur("timeout", opts.PatientTimeout).Msg("patient evaluation timed out")
		default:
			res.Errors = append(res.Errors, PatientError{PatientID: id, Error: err.Error()})
			o.logger.Error().Err(err).Str("patient_id", id.String()).Msg("patient evaluation failed")
		}
	}

	attempted := 0
	overBudget := func() bool {
		return attempted > 0 && time.Since(start) >= opts.Budget
	}

batches:
	for lo := 0; lo < len(ids); lo += opts.BatchSize {
		chunk := ids[lo:min(lo+opts.BatchSize, len(ids))]

		if workers <= 1 {
			for _, id := range chunk {
				if ctx.Err() != nil {
					break batches
				}
				if overBudget() {
					res.Truncated = true
					break batches
				}
				attempted++
				pr, err := o.runPatient(ctx, id, types, settings, opts.PatientTimeout)
				record(id, pr, err)
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(workers)
		stop := false
		for _, id := range chunk {
			if ctx.Err() != nil {
				stop = true
				break
			}
			if overBudget() {
				mu.Lock()
				res.Truncated = true
				mu.Unlock()
				stop = true
				break
			}
			attempted++
			id := id
			g.Go(func() error {
				pr, err := o.runPatient(ctx, id, types, settings, opts.PatientTimeout)
				record(id, pr, err)
				return nil
			})
		}
		_ = g.Wait()
		if stop {
			break
		}
	}

	res.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("patients.selected", res.Selected),
		attribute.Int("patients.processed", res.Processed),
		attribute.Int("patients.errors", len(res.Errors)),
		attribute.Bool("batch.truncated", res.Truncated),
	)
	o.logger.Info().
		Str("selector", string(sel.Kind)).
		Int("selected", res.Selected).
		Int("processed", res.Processed).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Int("errors", len(res.Errors)).
		Bool("truncated", res.Truncated).
		Dur("elapsed", res.Elapsed).
		Msg("screening batch finished")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) runPatient(ctx context.Context, id uuid.UUID, types []*ScreeningType, settings Settings, timeout time.Duration) (*PatientResult, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.evaluatePatient(pctx, id, types, settings, true)
}

func (o *Orchestrator) selectPatients(ctx context.Context, sel Selector) ([]uuid.UUID, error) {
	switch sel.Kind {
	case SelectIDs:
		return dedupIDs(sel.PatientIDs), nil

	case SelectSearch:
		patients, err := o.repos.Patients.Search(ctx, strings.TrimSpace(sel.Query), maxSearchResults)
		if err != nil {
			return nil, fmt.Errorf("search patients: %w", err)
		}
		ids := make([]uuid.UUID, 0, len(patients))
		for _, p := range patients {
			ids = append(ids, p.ID)
		}
		return dedupIDs(ids), nil

	case SelectScreeningType:
		return o.patientsAffectedByType(ctx, sel.ScreeningTypeID)

	case SelectDocumentEvent:
		doc, err := o.repos.Documents.GetByID(ctx, sel.DocumentID)
		if err != nil {
			if IsNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("get document: %w", err)
		}
		return []uuid.UUID{doc.PatientID}, nil

	case SelectAll:
		var ids []uuid.UUID
		err := o.eachPatient(ctx, func(p *Patient) {
			if p.Active {
				ids = append(ids, p.ID)
			}
		})
		return ids, err
	}
	return nil, &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown selector %q", sel.Kind)}
}

// patientsAffectedByType returns patients holding a screening of the type
// plus, when the type is active, every active patient passing its
// demographic filters.
func (o *Orchestrator) patientsAffectedByType(ctx context.Context, typeID uuid.UUID) ([]uuid.UUID, error) {
	st, err := o.repos.Types.GetByID(ctx, typeID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get screening type: %w", err)
	}
	existing, err := o.repos.Screenings.ListByType(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("list screenings by type: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(existing))
	for _, s := range existing {
		ids = append(ids, s.PatientID)
	}
	if st.IsActive {
		today := dateOnly(o.now())
		err := o.eachPatient(ctx, func(p *Patient) {
			if !p.Active {
				return
			}
			if ok, _ := checkAge(p, st, today); !ok {
				return
			}
			if ok, _ := checkGender(p, st); !ok {
				return
			}
			ids = append(ids, p.ID)
		})
		if err != nil {
			return nil, err
		}
	}
	return dedupIDs(ids), nil
}

func (o *Orchestrator) eachPatient(ctx context.Context, fn func(*Patient)) error {
	for offset := 0; ; offset += patientPageSize {
		page, total, err := o.repos.Patients.List(ctx, patientPageSize, offset)
		if err != nil {
			return fmt.Errorf("list patients: %w", err)
		}
		for _, p := range page {
			fn(p)
		}
		if len(page) < patientPageSize || offset+len(page) >= total {
			return nil
		}
	}
}

func dedupIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// liveLinks drops links whose document is no longer among the patient's documents.
func liveLinks(links []*ScreeningDocumentLink, docs []*MedicalDocument) []*ScreeningDocumentLink {
	if len(links) == 0 {
		return nil
	}
	ids := make(map[uuid.UUID]bool, len(docs))
	for _, d := range docs {
		if d != nil {
			ids[d.ID] = true
		}
	}
	out := make([]*ScreeningDocumentLink, 0, len(links))
	for _, l := range links {
		if l != nil && ids[l.DocumentID] {
			out = append(out, l)
		}
	}
	return out
}
