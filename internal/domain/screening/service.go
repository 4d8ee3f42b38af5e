package screening

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/cache"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/lock"
)

// ServiceConfig carries tunables from the process configuration.
type ServiceConfig struct {
	Defaults  Settings
	Batch     BatchOptions
	ListTTL   time.Duration
	DetailTTL time.Duration
}

// MaintenanceReport summarizes a cleanup run.
type MaintenanceReport struct {
	Orphans  OrphanReport `json:"orphans"`
	Repaired int64        `json:"repaired_incomplete"`
}

// Service is the in-process API of the screening engine.
type Service struct {
	repos     Repositories
	store     *RelationshipStore
	orch      *Orchestrator
	matcher   *DocumentMatcher
	cache     cache.Store
	listTTL   time.Duration
	detailTTL time.Duration
	logger    zerolog.Logger
}

func NewService(repos Repositories, tx db.TxRunner, store cache.Store, locker lock.Locker, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if store == nil {
		store = cache.Noop{}
	}
	rel := NewRelationshipStore(repos, tx, store, logger)
	return &Service{
		repos:     repos,
		store:     rel,
		orch:      NewOrchestrator(repos, rel, locker, cfg.Defaults, cfg.Batch, logger),
		matcher:   NewDocumentMatcher(),
		cache:     store,
		listTTL:   cfg.ListTTL,
		detailTTL: cfg.DetailTTL,
		logger:    logger.With().Str("component", "screening_service").Logger(),
	}
}

// -- Evaluation --

// Evaluate evaluates one patient and returns a result per active type.
// A patient that no longer exists yields an empty list.
func (s *Service) Evaluate(ctx context.Context, patientID uuid.UUID) ([]ScreeningResult, error) {
	pr, err := s.orch.EvaluatePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if pr.NotFound {
		return []ScreeningResult{}, nil
	}
	return pr.Results, nil
}

func (s *Service) EvaluatePatient(ctx context.Context, patientID uuid.UUID) (*PatientResult, error) {
	return s.orch.EvaluatePatient(ctx, patientID)
}

func (s *Service) EvaluateBatch(ctx context.Context, sel Selector, opts BatchOptions) (*BatchResult, error) {
	return s.orch.EvaluateBatch(ctx, sel, opts)
}

// -- Event hooks --

func (s *Service) OnDocumentDeleted(ctx context.Context, documentID uuid.UUID) (*CascadeResult, error) {
	return s.store.CascadeDocumentDeletion(ctx, documentID)
}

// OnDocumentChanged ranks a new or edited document against all active types
// in one pass and re-evaluates the owning patient for the types it touches:
// ranked types, types whose trigger codes match the document's codes, and
// types the document is already linked to.
func (s *Service) OnDocumentChanged(ctx context.Context, documentID uuid.UUID) (*PatientResult, error) {
	doc, err := s.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		if IsNotFound(err) {
			return &PatientResult{NotFound: true, Results: []ScreeningResult{}}, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	types, err := s.orch.activeTypes(ctx)
	if err != nil {
		return nil, err
	}

	var typeIDs []uuid.UUID
	for _, r := range s.matcher.Rank(types, doc) {
		typeIDs = append(typeIDs, r.ScreeningTypeID)
	}
	folded := foldDocument(doc)
	for _, st := range types {
		if _, ok := matchCodes(st.TriggerConditions, doc.Codes, folded.content); ok {
			typeIDs = append(typeIDs, st.ID)
		}
	}
	linked, err := s.repos.Screenings.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list linked screenings: %w", err)
	}
	for _, sc := range linked {
		typeIDs = append(typeIDs, sc.ScreeningTypeID)
	}

	if len(typeIDs) == 0 {
		return &PatientResult{PatientID: doc.PatientID, Results: []ScreeningResult{}}, nil
	}
	return s.orch.EvaluateTypes(ctx, doc.PatientID, typeIDs)
}

func (s *Service) OnConditionChanged(ctx context.Context, patientID uuid.UUID) (*PatientResult, error) {
	return s.orch.EvaluatePatient(ctx, patientID)
}

// OnScreeningTypeChanged removes every screening of a deactivated type.
// Activation does no structural work; rows appear on the next evaluation.
func (s *Service) OnScreeningTypeChanged(ctx context.Context, typeID uuid.UUID, nowActive bool) (*CascadeResult, error) {
	if !nowActive {
		return s.store.CascadeTypeDeactivation(ctx, typeID)
	}
	s.cache.Invalidate(ctx, listCachePattern(ctx))
	return &CascadeResult{AffectedScreenings: []uuid.UUID{}}, nil
}

func (s *Service) OnPatientDeleted(ctx context.Context, patientID uuid.UUID) (*CascadeResult, error) {
	return s.store.CascadePatientDeletion(ctx, patientID)
}

// RankDocument scores a patient's document against every active type.
func (s *Service) RankDocument(ctx context.Context, patientID, documentID uuid.UUID) ([]RankedType, error) {
	doc, err := s.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.PatientID != patientID {
		return nil, &NotFoundError{Kind: "document", ID: documentID}
	}
	types, err := s.orch.activeTypes(ctx)
	if err != nil {
		return nil, err
	}
	return s.matcher.Rank(types, doc), nil
}

// -- Reads --

// ListPatientScreenings returns a patient's screenings, cached per patient.
func (s *Service) ListPatientScreenings(ctx context.Context, patientID uuid.UUID) ([]*Screening, error) {
	key := patientSummaryKey(ctx, patientID)
	var cached []*Screening
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}
	items, err := s.repos.Screenings.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Screening{}
	}
	s.cacheSet(ctx, key, items, s.detailTTL)
	return items, nil
}

// GetScreening returns one screening with its evidence links.
func (s *Service) GetScreening(ctx context.Context, id uuid.UUID) (*Screening, error) {
	sc, err := s.repos.Screenings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	links, err := s.repos.Links.ListByScreening(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Links = links
	return sc, nil
}

// StatusCounts returns dashboard aggregates by status and by type.
func (s *Service) StatusCounts(ctx context.Context) (*StatusCounts, error) {
	var cached StatusCounts
	if s.cacheGet(ctx, countsCacheKey(ctx), &cached) {
		return &cached, nil
	}
	byStatus, err := s.repos.Screenings.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	byType, err := s.repos.Screenings.CountByType(ctx)
	if err != nil {
		return nil, err
	}
	out := &StatusCounts{ByStatus: make(map[Status]int, len(validStatuses)), ByType: byType}
	for st := range validStatuses {
		out.ByStatus[st] = byStatus[st]
		out.Total += byStatus[st]
	}
	if out.ByType == nil {
		out.ByType = []TypeCount{}
	}
	sortTypeCounts(out.ByType)
	s.cacheSet(ctx, countsCacheKey(ctx), out, s.listTTL)
	return out, nil
}

// -- Screening types --

type typePage struct {
	Items []*ScreeningType `json:"items"`
	Total int              `json:"total"`
}

func (s *Service) ListScreeningTypes(ctx context.Context, limit, offset int) ([]*ScreeningType, int, error) {
	key := listCacheKey(ctx, "types", strconv.Itoa(limit), strconv.Itoa(offset))
	var cached typePage
	if s.cacheGet(ctx, key, &cached) {
		return cached.Items, cached.Total, nil
	}
	items, total, err := s.repos.Types.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*ScreeningType{}
	}
	s.cacheSet(ctx, key, typePage{Items: items, Total: total}, s.listTTL)
	return items, total, nil
}

func (s *Service) GetScreeningType(ctx context.Context, id uuid.UUID) (*ScreeningType, error) {
	return s.repos.Types.GetByID(ctx, id)
}

func (s *Service) CreateScreeningType(ctx context.Context, st *ScreeningType) error {
	st.Normalize()
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.repos.Types.Create(ctx, st); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, listCachePattern(ctx))
	return nil
}

// UpdateScreeningType saves a type and cascades when its activation flips.
// The cascade result is nil when activation did not change.
func (s *Service) UpdateScreeningType(ctx context.Context, st *ScreeningType) (*CascadeResult, error) {
	current, err := s.repos.Types.GetByID(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	st.Normalize()
	if err := st.Validate(); err != nil {
		return nil, err
	}
	st.CreatedAt = current.CreatedAt
	if err := s.repos.Types.Update(ctx, st); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, listCachePattern(ctx))
	if current.IsActive == st.IsActive {
		return nil, nil
	}
	return s.OnScreeningTypeChanged(ctx, st.ID, st.IsActive)
}

// -- Settings --

func (s *Service) GetSettings(ctx context.Context) (Settings, error) {
	return s.orch.loadSettings(ctx)
}

// UpdateSettings saves settings. Existing screenings pick them up on their
// next evaluation.
func (s *Service) UpdateSettings(ctx context.Context, in *Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}
	normalized := make(map[Category]int, len(in.CutoffMonths))
	for cat, m := range in.CutoffMonths {
		normalized[NormalizeCategory(string(cat))] = m
	}
	in.CutoffMonths = normalized
	in.UpdatedAt = time.Now().UTC()
	if err := s.repos.Settings.Save(ctx, in); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, tenantCachePattern(ctx))
	return nil
}

// -- Links and maintenance --

func (s *Service) AddManualLink(ctx context.Context, screeningID, documentID uuid.UUID) (*ScreeningResult, error) {
	return s.store.LinkManual(ctx, screeningID, documentID)
}

// Cleanup removes orphaned links and, when asked, repairs legacy rows.
func (s *Service) Cleanup(ctx context.Context, repairIncomplete bool) (*MaintenanceReport, error) {
	orphans, err := s.store.CleanupOrphans(ctx)
	if err != nil {
		return nil, err
	}
	rep := &MaintenanceReport{Orphans: orphans}
	if repairIncomplete {
		if rep.Repaired, err = s.store.RepairIncomplete(ctx); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// -- cache helpers --

func (s *Service) cacheGet(ctx context.Context, key string, dst interface{}) bool {
	b, ok := s.cache.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		s.cache.Invalidate(ctx, key)
		return false
	}
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	s.cache.Set(ctx, key, b, ttl)
}
