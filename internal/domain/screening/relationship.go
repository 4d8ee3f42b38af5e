package screening

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/cache"
	"github.com/ehr/screening/internal/platform/db"
)

// Cache key layout: screening:<tenant>:<shape>. Every write that touches a
// patient's screenings drops that patient's keys plus the list and count
// aggregates of the same tenant.

// tenantScope is the key segment for the tenant carried by ctx. Work outside
// any tenant (tests, single-schema deployments) shares the "_" scope.
func tenantScope(ctx context.Context) string {
	if tid := db.TenantFromContext(ctx); tid != "" {
		return tid
	}
	return "_"
}

func cacheKey(ctx context.Context, parts ...string) string {
	return "screening:" + tenantScope(ctx) + ":" + strings.Join(parts, ":")
}

func countsCacheKey(ctx context.Context) string { return cacheKey(ctx, "counts") }

func listCachePattern(ctx context.Context) string { return cacheKey(ctx, "list", "*") }

func tenantCachePattern(ctx context.Context) string { return cacheKey(ctx, "*") }

func patientSummaryKey(ctx context.Context, id uuid.UUID) string {
	return cacheKey(ctx, "patient", id.String(), "summary")
}

func patientCachePattern(ctx context.Context, id uuid.UUID) string {
	return cacheKey(ctx, "patient", id.String(), "*")
}

func listCacheKey(ctx context.Context, parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return cacheKey(ctx, "list", hex.EncodeToString(sum[:]))
}

// patientLockKey serializes evaluations of one patient within one tenant.
func patientLockKey(ctx context.Context, id uuid.UUID) string {
	return cacheKey(ctx, "patient", id.String())
}

// OrphanReport counts links removed by CleanupOrphans.
type OrphanReport struct {
	MissingScreening int64 `json:"missing_screening"`
	MissingDocument  int64 `json:"missing_document"`
}

// CascadeResult reports the screenings touched by a cascade.
type CascadeResult struct {
	AffectedScreenings []uuid.UUID       `json:"affected_screenings"`
	Patients           []uuid.UUID       `json:"patients,omitempty"`
	Removed            int64             `json:"removed"`
	Results            []ScreeningResult `json:"results,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
}

// pairEvaluator re-runs the status pipeline for selected types of one patient.
type pairEvaluator interface {
	EvaluateTypes(ctx context.Context, patientID uuid.UUID, typeIDs []uuid.UUID) (*PatientResult, error)
}

// screeningWrite is one row-level change produced by evaluating a patient.
// A nil next removes prior and its links. Manual links absent from matches
// are stored again but do not count as evidence.
type screeningWrite struct {
	prior   *Screening
	next    *Screening
	matches []DocumentMatch
	manual  []*ScreeningDocumentLink
}

// RelationshipStore owns every write to screening and screening_document
// rows and keeps the read cache coherent with them.
type RelationshipStore struct {
	screenings ScreeningRepository
	links      LinkRepository
	documents  DocumentRepository
	tx         db.TxRunner
	cache      cache.Store
	retry      db.RetryPolicy
	evaluator  pairEvaluator
	now        func() time.Time
	logger     zerolog.Logger
}

func NewRelationshipStore(repos Repositories, tx db.TxRunner, store cache.Store, logger zerolog.Logger) *RelationshipStore {
	if store == nil {
		store = cache.Noop{}
	}
	return &RelationshipStore{
		screenings: repos.Screenings,
		links:      repos.Links,
		documents:  repos.Documents,
		tx:         tx,
		cache:      store,
		retry:      db.DefaultRetry,
		now:        time.Now,
		logger:     logger.With().Str("component", "relationship_store").Logger(),
	}
}

// write runs fn in a retried transaction. Missing rows are not retried.
func (r *RelationshipStore) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts, err := r.retry.Do(ctx, func(ctx context.Context) error {
		err := r.tx.InTx(ctx, fn)
		if IsNotFound(err) {
			return db.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return err
	}
	r.logger.Error().Err(err).Str("op", op).Int("attempts", attempts).Msg("write failed")
	return &PersistenceError{Op: op, Attempts: attempts, Err: err}
}

func (r *RelationshipStore) invalidatePatients(ctx context.Context, ids ...uuid.UUID) {
	for _, id := range ids {
		r.cache.Invalidate(ctx, patientCachePattern(ctx, id))
	}
	r.cache.Invalidate(ctx, listCachePattern(ctx))
	r.cache.Invalidate(ctx, countsCacheKey(ctx))
}

func (r *RelationshipStore) linksFromMatches(screeningID uuid.UUID, matches []DocumentMatch) []*ScreeningDocumentLink {
	now := r.now().UTC()
	out := make([]*ScreeningDocumentLink, 0, len(matches))
	seen := make(map[uuid.UUID]bool, len(matches))
	for _, m := range matches {
		if seen[m.DocumentID] {
			continue
		}
		seen[m.DocumentID] = true
		out = append(out, &ScreeningDocumentLink{
			ID:              uuid.New(),
			ScreeningID:     screeningID,
			DocumentID:      m.DocumentID,
			ConfidenceScore: m.Confidence,
			MatchSource:     m.Source,
			CreatedAt:       now,
		})
	}
	return out
}

// keepManualLinks appends the manual links whose document is not already in
// links. Their ID and creation time are preserved.
func keepManualLinks(screeningID uuid.UUID, links, manual []*ScreeningDocumentLink) []*ScreeningDocumentLink {
	present := make(map[uuid.UUID]bool, len(links))
	for _, l := range links {
		present[l.DocumentID] = true
	}
	for _, l := range manual {
		if l == nil || l.MatchSource != SourceManual || present[l.DocumentID] {
			continue
		}
		present[l.DocumentID] = true
		c := *l
		c.ScreeningID = screeningID
		c.ConfidenceScore = manualConfidence
		links = append(links, &c)
	}
	return links
}

// ReplaceLinks clears a screening's automatic links and inserts the given
// set. Manual links are kept.
func (r *RelationshipStore) ReplaceLinks(ctx context.Context, screeningID uuid.UUID, matches []DocumentMatch) error {
	s, err := r.screenings.GetByID(ctx, screeningID)
	if err != nil {
		return err
	}
	if err := r.write(ctx, "replace links", func(ctx context.Context) error {
		existing, err := r.links.ListByScreening(ctx, screeningID)
		if err != nil {
			return err
		}
		links := keepManualLinks(screeningID, r.linksFromMatches(screeningID, matches), existing)
		return r.links.ReplaceForScreening(ctx, screeningID, links)
	}); err != nil {
		return err
	}
	r.invalidatePatients(ctx, s.PatientID)
	return nil
}

// commitPatient applies one patient's evaluation in a single transaction and
// returns the number of rows written.
func (r *RelationshipStore) commitPatient(ctx context.Context, patientID uuid.UUID, writes []*screeningWrite) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	var updated int
	err := r.write(ctx, "commit patient screenings", func(ctx context.Context) error {
		updated = 0
		for _, w := range writes {
			if w.next == nil {
				if w.prior == nil {
					continue
				}
				if _, err := r.links.DeleteByScreening(ctx, w.prior.ID); err != nil {
					return err
				}
				if err := r.screenings.Delete(ctx, w.prior.ID); err != nil && !IsNotFound(err) {
					return err
				}
				updated++
				continue
			}
			w.next.DocumentCount = len(w.matches)
			if err := r.screenings.Upsert(ctx, w.next); err != nil {
				return err
			}
			links := keepManualLinks(w.next.ID, r.linksFromMatches(w.next.ID, w.matches), w.manual)
			if err := r.links.ReplaceForScreening(ctx, w.next.ID, links); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.invalidatePatients(ctx, patientID)
	return updated, nil
}

// CleanupOrphans deletes links whose screening or document no longer exists.
func (r *RelationshipStore) CleanupOrphans(ctx context.Context) (OrphanReport, error) {
	var rep OrphanReport
	err := r.write(ctx, "cleanup orphans", func(ctx context.Context) error {
		var err error
		if rep.MissingScreening, err = r.links.DeleteOrphanedScreenings(ctx); err != nil {
			return err
		}
		rep.MissingDocument, err = r.links.DeleteOrphanedDocuments(ctx)
		return err
	})
	if err != nil {
		return OrphanReport{}, err
	}
	if rep.MissingScreening+rep.MissingDocument > 0 {
		r.cache.Invalidate(ctx, tenantCachePattern(ctx))
	}
	r.logger.Info().
		Int64("missing_screening", rep.MissingScreening).
		Int64("missing_document", rep.MissingDocument).
		Msg("orphaned links cleaned up")
	return rep, nil
}

// CascadeDocumentDeletion deletes a document and its links, then re-derives
// every screening that was linked to it from the remaining documents.
func (r *RelationshipStore) CascadeDocumentDeletion(ctx context.Context, documentID uuid.UUID) (*CascadeResult, error) {
	affected, err := r.screenings.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	err = r.write(ctx, "delete document", func(ctx context.Context) error {
		if _, err := r.links.DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		if err := r.documents.Delete(ctx, documentID); err != nil && !IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &CascadeResult{AffectedScreenings: make([]uuid.UUID, 0, len(affected))}
	byPatient := make(map[uuid.UUID][]uuid.UUID)
	for _, s := range affected {
		res.AffectedScreenings = append(res.AffectedScreenings, s.ID)
		if _, ok := byPatient[s.PatientID]; !ok {
			res.Patients = append(res.Patients, s.PatientID)
		}
		byPatient[s.PatientID] = append(byPatient[s.PatientID], s.ScreeningTypeID)
	}
	r.invalidatePatients(ctx, res.Patients...)

	if r.evaluator == nil {
		return res, nil
	}
	for _, pid := range res.Patients {
		pr, err := r.evaluator.EvaluateTypes(ctx, pid, byPatient[pid])
		if err != nil {
			r.logger.Error().Err(err).Str("patient_id", pid.String()).Str("document_id", documentID.String()).
				Msg("re-evaluation after document deletion failed")
			res.Errors = append(res.Errors, pid.String()+": "+err.Error())
			continue
		}
		res.Results = append(res.Results, pr.Results...)
	}

	r.logger.Info().
		Str("document_id", documentID.String()).
		Int("affected_screenings", len(res.AffectedScreenings)).
		Msg("document deletion cascaded")
	return res, nil
}

// CascadeTypeDeactivation removes every screening (and its links) of a type.
func (r *RelationshipStore) CascadeTypeDeactivation(ctx context.Context, typeID uuid.UUID) (*CascadeResult, error) {
	affected, err := r.screenings.ListByType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	res := &CascadeResult{AffectedScreenings: make([]uuid.UUID, 0, len(affected))}
	err = r.write(ctx, "deactivate screening type", func(ctx context.Context) error {
		for _, s := range affected {
			if _, err := r.links.DeleteByScreening(ctx, s.ID); err != nil {
				return err
			}
		}
		n, err := r.screenings.DeleteByType(ctx, typeID)
		res.Removed = n
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	for _, s := range affected {
		res.AffectedScreenings = append(res.AffectedScreenings, s.ID)
		if !seen[s.PatientID] {
			seen[s.PatientID] = true
			res.Patients = append(res.Patients, s.PatientID)
		}
	}
	r.invalidatePatients(ctx, res.Patients...)

	r.logger.Info().
		Str("screening_type_id", typeID.String()).
		Int64("removed", res.Removed).
		Msg("screening type deactivation cascaded")
	return res, nil
}

// CascadePatientDeletion removes a patient's screenings and links.
func (r *RelationshipStore) CascadePatientDeletion(ctx context.Context, patientID uuid.UUID) (*CascadeResult, error) {
	affected, err := r.screenings.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	res := &CascadeResult{Patients: []uuid.UUID{patientID}, AffectedScreenings: make([]uuid.UUID, 0, len(affected))}
	err = r.write(ctx, "delete patient screenings", func(ctx context.Context) error {
		for _, s := range affected {
			if _, err := r.links.DeleteByScreening(ctx, s.ID); err != nil {
				return err
			}
		}
		n, err := r.screenings.DeleteByPatient(ctx, patientID)
		res.Removed = n
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, s := range affected {
		res.AffectedScreenings = append(res.AffectedScreenings, s.ID)
	}
	r.invalidatePatients(ctx, patientID)
	return res, nil
}

// RepairIncomplete clears completion dates left on Incomplete rows by
// earlier versions of the engine.
func (r *RelationshipStore) RepairIncomplete(ctx context.Context) (int64, error) {
	var n int64
	err := r.write(ctx, "repair incomplete screenings", func(ctx context.Context) error {
		var err error
		n, err = r.screenings.RepairIncomplete(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.cache.Invalidate(ctx, tenantCachePattern(ctx))
		r.logger.Warn().Int64("repaired", n).Msg("cleared last_completed on incomplete screenings")
	}
	return n, nil
}

// LinkManual records a clinician-asserted link between a screening and a
// document of the same patient, then re-derives that screening.
func (r *RelationshipStore) LinkManual(ctx context.Context, screeningID, documentID uuid.UUID) (*ScreeningResult, error) {
	s, err := r.screenings.GetByID(ctx, screeningID)
	if err != nil {
		return nil, err
	}
	doc, err := r.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.PatientID != s.PatientID {
		return nil, &ValidationError{Field: "document_id", Msg: "belongs to a different patient"}
	}

	link := &ScreeningDocumentLink{
		ID:              uuid.New(),
		ScreeningID:     s.ID,
		DocumentID:      doc.ID,
		ConfidenceScore: manualConfidence,
		MatchSource:     SourceManual,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.write(ctx, "add manual link", func(ctx context.Context) error {
		return r.links.Add(ctx, link)
	}); err != nil {
		return nil, err
	}
	r.invalidatePatients(ctx, s.PatientID)

	if r.evaluator == nil {
		return nil, nil
	}
	pr, err := r.evaluator.EvaluateTypes(ctx, s.PatientID, []uuid.UUID{s.ScreeningTypeID})
	if err != nil {
		return nil, err
	}
	for i := range pr.Results {
		if pr.Results[i].ScreeningTypeID == s.ScreeningTypeID {
			return &pr.Results[i], nil
		}
	}
	return nil, errors.New("screening was not re-evaluated")
}
