package screening

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/cache"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/lock"
)

// testToday is the fixed clock used across the package tests.
var testToday = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

// memDB is an in-memory stand-in for the tenant schema.
type memDB struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]*Patient
	conditions   []*Condition
	documents    map[uuid.UUID]*MedicalDocument
	appointments map[uuid.UUID][]time.Time
	types        map[uuid.UUID]*ScreeningType
	screenings   map[uuid.UUID]*Screening
	links        map[uuid.UUID]*ScreeningDocumentLink
	settings     *Settings

	// patientDelay stalls GetByID, honoring ctx, to exercise timeouts.
	patientDelay map[uuid.UUID]time.Duration
	upsertCalls  int
}

func newMemDB() *memDB {
	return &memDB{
		patients:     make(map[uuid.UUID]*Patient),
		documents:    make(map[uuid.UUID]*MedicalDocument),
		appointments: make(map[uuid.UUID][]time.Time),
		types:        make(map[uuid.UUID]*ScreeningType),
		screenings:   make(map[uuid.UUID]*Screening),
		links:        make(map[uuid.UUID]*ScreeningDocumentLink),
		patientDelay: make(map[uuid.UUID]time.Duration),
	}
}

func (m *memDB) repos() Repositories {
	return Repositories{
		Patients:     memPatients{m},
		Conditions:   memConditions{m},
		Documents:    memDocuments{m},
		Appointments: memAppointments{m},
		Types:        memTypes{m},
		Screenings:   memScreenings{m},
		Links:        memLinks{m},
		Settings:     memSettings{m},
	}
}

// -- fixtures --

func (m *memDB) addPatient(gender string, age int) *Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	birth := testToday.AddDate(-age, 0, -1)
	p := &Patient{
		ID:        uuid.New(),
		MRN:       "MRN" + uuid.NewString()[:6],
		FirstName: "Test",
		LastName:  "Patient",
		BirthDate: &birth,
		Active:    true,
	}
	if gender != "" {
		p.Gender = strPtr(gender)
	}
	m.patients[p.ID] = p
	return p
}

func (m *memDB) addType(st *ScreeningType) *ScreeningType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	st.Normalize()
	m.types[st.ID] = st
	return st
}

func (m *memDB) addDocument(patientID uuid.UUID, filename, content string, date time.Time) *MedicalDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &MedicalDocument{
		ID:           uuid.New(),
		PatientID:    patientID,
		Filename:     filename,
		Content:      content,
		DocumentDate: &date,
		UploadedAt:   date,
		Category:     CategoryGeneral,
	}
	m.documents[d.ID] = d
	return d
}

func (m *memDB) addCondition(patientID uuid.UUID, name, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditions = append(m.conditions, &Condition{ID: uuid.New(), PatientID: patientID, Name: name, Code: code, IsActive: true})
}

func (m *memDB) screeningFor(patientID, typeID uuid.UUID) *Screening {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.screenings {
		if s.PatientID == patientID && s.ScreeningTypeID == typeID {
			c := *s
			return &c
		}
	}
	return nil
}

func (m *memDB) linksFor(screeningID uuid.UUID) []*ScreeningDocumentLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScreeningDocumentLink
	for _, l := range m.links {
		if l.ScreeningID == screeningID {
			c := *l
			out = append(out, &c)
		}
	}
	return out
}

func mammogramType(m *memDB) *ScreeningType {
	return m.addType(&ScreeningType{
		Name:             "Mammogram",
		FrequencyNumber:  intPtr(1),
		FrequencyUnit:    strPtr("year"),
		MinAge:           intPtr(40),
		GenderSpecific:   strPtr("Female"),
		FilenameKeywords: KeywordSet{"mammogram"},
		ContentKeywords:  KeywordSet{"mammography"},
		Category:         CategoryImaging,
		IsActive:         true,
	})
}

func intPtr(i int) *int { return &i }

// passTx runs fn directly; the fakes are not transactional.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// newTestService wires a service over m with a fixed clock and no write backoff.
func newTestService(m *memDB) *Service {
	return newTestServiceWithCache(m, cache.NewMemory())
}

// newTestServiceWithCache lets several services share one cache, the way
// tenants share a Redis deployment.
func newTestServiceWithCache(m *memDB, store cache.Store) *Service {
	svc := NewService(m.repos(), passTx{}, store, lock.NewLocal(), ServiceConfig{
		Defaults:  DefaultSettings(),
		Batch:     DefaultBatchOptions(),
		ListTTL:   time.Minute,
		DetailTTL: time.Minute,
	}, zerolog.Nop())
	svc.orch.now = func() time.Time { return testToday.Add(9 * time.Hour) }
	svc.store.now = svc.orch.now
	svc.store.retry = db.RetryPolicy{Attempts: 1}
	return svc
}

// -- repositories --

func notFoundErr(kind string, id uuid.UUID) error { return &NotFoundError{Kind: kind, ID: id} }

type memPatients struct{ m *memDB }

func (r memPatients) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.m.mu.Lock()
	delay := r.m.patientDelay[id]
	r.m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.patients[id]
	if !ok {
		return nil, notFoundErr("patient", id)
	}
	c := *p
	return &c, nil
}

func (r memPatients) sorted() []*Patient {
	out := make([]*Patient, 0, len(r.m.patients))
	for _, p := range r.m.patients {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r memPatients) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	all := r.sorted()
	if offset >= len(all) {
		return nil, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (r memPatients) Search(_ context.Context, query string, limit int) ([]*Patient, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	q := strings.ToLower(query)
	var out []*Patient
	for _, p := range r.sorted() {
		hay := strings.ToLower(p.FirstName + " " + p.LastName + " " + p.MRN)
		if strings.Contains(hay, q) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

type memConditions struct{ m *memDB }

func (r memConditions) ListActiveByPatient(_ context.Context, patientID uuid.UUID) ([]*Condition, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Condition
	for _, c := range r.m.conditions {
		if c.PatientID == patientID && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

type memDocuments struct{ m *memDB }

func (r memDocuments) GetByID(_ context.Context, id uuid.UUID) (*MedicalDocument, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.documents[id]
	if !ok {
		return nil, notFoundErr("document", id)
	}
	c := *d
	return &c, nil
}

func (r memDocuments) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*MedicalDocument, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*MedicalDocument
	for _, d := range r.m.documents {
		if d.PatientID == patientID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memDocuments) Delete(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.documents[id]; !ok {
		return notFoundErr("document", id)
	}
	delete(r.m.documents, id)
	return nil
}

type memAppointments struct{ m *memDB }

func (r memAppointments) LastBefore(_ context.Context, patientID uuid.UUID, before time.Time) (*time.Time, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var last *time.Time
	for _, t := range r.m.appointments[patientID] {
		if t.Before(before) && (last == nil || t.After(*last)) {
			t := t
			last = &t
		}
	}
	return last, nil
}

type memTypes struct{ m *memDB }

func (r memTypes) Create(_ context.Context, st *ScreeningType) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	st.CreatedAt, st.UpdatedAt = testToday, testToday
	c := *st
	r.m.types[st.ID] = &c
	return nil
}

func (r memTypes) GetByID(_ context.Context, id uuid.UUID) (*ScreeningType, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	st, ok := r.m.types[id]
	if !ok {
		return nil, notFoundErr("screening type", id)
	}
	c := *st
	return &c, nil
}

func (r memTypes) Update(_ context.Context, st *ScreeningType) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.types[st.ID]; !ok {
		return notFoundErr("screening type", st.ID)
	}
	c := *st
	r.m.types[st.ID] = &c
	return nil
}

func (r memTypes) sorted(activeOnly bool) []*ScreeningType {
	var out []*ScreeningType
	for _, st := range r.m.types {
		if activeOnly && !st.IsActive {
			continue
		}
		c := *st
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r memTypes) List(_ context.Context, limit, offset int) ([]*ScreeningType, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	all := r.sorted(false)
	if offset >= len(all) {
		return nil, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (r memTypes) ListActive(context.Context) ([]*ScreeningType, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.sorted(true), nil
}

type memScreenings struct{ m *memDB }

func (r memScreenings) withName(s *Screening) *Screening {
	c := *s
	if st, ok := r.m.types[s.ScreeningTypeID]; ok {
		c.ScreeningTypeName = st.Name
	}
	return &c
}

func (r memScreenings) filter(keep func(*Screening) bool) []*Screening {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Screening
	for _, s := range r.m.screenings {
		if keep(s) {
			out = append(out, r.withName(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScreeningTypeName < out[j].ScreeningTypeName })
	return out
}

func (r memScreenings) GetByID(_ context.Context, id uuid.UUID) (*Screening, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.screenings[id]
	if !ok {
		return nil, notFoundErr("screening", id)
	}
	return r.withName(s), nil
}

func (r memScreenings) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Screening, error) {
	return r.filter(func(s *Screening) bool { return s.PatientID == patientID }), nil
}

func (r memScreenings) ListByType(_ context.Context, typeID uuid.UUID) ([]*Screening, error) {
	return r.filter(func(s *Screening) bool { return s.ScreeningTypeID == typeID }), nil
}

func (r memScreenings) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*Screening, error) {
	r.m.mu.Lock()
	linked := make(map[uuid.UUID]bool)
	for _, l := range r.m.links {
		if l.DocumentID == documentID {
			linked[l.ScreeningID] = true
		}
	}
	r.m.mu.Unlock()
	return r.filter(func(s *Screening) bool { return linked[s.ID] }), nil
}

func (r memScreenings) Upsert(_ context.Context, s *Screening) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.upsertCalls++
	for _, existing := range r.m.screenings {
		if existing.PatientID == s.PatientID && existing.ScreeningTypeID == s.ScreeningTypeID {
			s.ID = existing.ID
			s.CreatedAt = existing.CreatedAt
			break
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	c := *s
	c.Links = nil
	r.m.screenings[s.ID] = &c
	return nil
}

func (r memScreenings) Delete(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.screenings[id]; !ok {
		return notFoundErr("screening", id)
	}
	delete(r.m.screenings, id)
	return nil
}

func (r memScreenings) deleteWhere(keep func(*Screening) bool) int64 {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, s := range r.m.screenings {
		if keep(s) {
			delete(r.m.screenings, id)
			n++
		}
	}
	return n
}

func (r memScreenings) DeleteByType(_ context.Context, typeID uuid.UUID) (int64, error) {
	return r.deleteWhere(func(s *Screening) bool { return s.ScreeningTypeID == typeID }), nil
}

func (r memScreenings) DeleteByPatient(_ context.Context, patientID uuid.UUID) (int64, error) {
	return r.deleteWhere(func(s *Screening) bool { return s.PatientID == patientID }), nil
}

func (r memScreenings) RepairIncomplete(context.Context) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, s := range r.m.screenings {
		if s.Status == StatusIncomplete && (s.LastCompleted != nil || s.DueDate != nil) {
			s.LastCompleted, s.DueDate = nil, nil
			n++
		}
	}
	return n, nil
}

func (r memScreenings) CountByStatus(context.Context) (map[Status]int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make(map[Status]int)
	for _, s := range r.m.screenings {
		out[s.Status]++
	}
	return out, nil
}

func (r memScreenings) CountByType(context.Context) ([]TypeCount, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	idx := make(map[uuid.UUID]int)
	var out []TypeCount
	for _, s := range r.m.screenings {
		i, ok := idx[s.ScreeningTypeID]
		if !ok {
			i = len(out)
			idx[s.ScreeningTypeID] = i
			out = append(out, TypeCount{ScreeningTypeID: s.ScreeningTypeID, Name: r.m.types[s.ScreeningTypeID].Name, ByStatus: map[Status]int{}})
		}
		out[i].ByStatus[s.Status]++
		out[i].Total++
	}
	return out, nil
}

type memLinks struct{ m *memDB }

func (r memLinks) ListByScreening(_ context.Context, screeningID uuid.UUID) ([]*ScreeningDocumentLink, error) {
	return r.m.linksFor(screeningID), nil
}

func (r memLinks) ListManualByPatient(_ context.Context, patientID uuid.UUID) (map[uuid.UUID][]*ScreeningDocumentLink, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make(map[uuid.UUID][]*ScreeningDocumentLink)
	for _, l := range r.m.links {
		s, ok := r.m.screenings[l.ScreeningID]
		if !ok || s.PatientID != patientID || l.MatchSource != SourceManual {
			continue
		}
		c := *l
		out[l.ScreeningID] = append(out[l.ScreeningID], &c)
	}
	return out, nil
}

func (r memLinks) deleteWhere(match func(*ScreeningDocumentLink) bool) int64 {
	var n int64
	for id, l := range r.m.links {
		if match(l) {
			delete(r.m.links, id)
			n++
		}
	}
	return n
}

func (r memLinks) ReplaceForScreening(_ context.Context, screeningID uuid.UUID, links []*ScreeningDocumentLink) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.deleteWhere(func(l *ScreeningDocumentLink) bool { return l.ScreeningID == screeningID })
	for _, l := range links {
		c := *l
		c.ScreeningID = screeningID
		r.m.links[c.ID] = &c
	}
	return nil
}

func (r memLinks) Add(_ context.Context, l *ScreeningDocumentLink) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.deleteWhere(func(x *ScreeningDocumentLink) bool {
		return x.ScreeningID == l.ScreeningID && x.DocumentID == l.DocumentID
	})
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	c := *l
	r.m.links[c.ID] = &c
	return nil
}

func (r memLinks) DeleteByScreening(_ context.Context, screeningID uuid.UUID) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.deleteWhere(func(l *ScreeningDocumentLink) bool { return l.ScreeningID == screeningID }), nil
}

func (r memLinks) DeleteByDocument(_ context.Context, documentID uuid.UUID) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.deleteWhere(func(l *ScreeningDocumentLink) bool { return l.DocumentID == documentID }), nil
}

func (r memLinks) DeleteOrphanedScreenings(context.Context) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.deleteWhere(func(l *ScreeningDocumentLink) bool {
		_, ok := r.m.screenings[l.ScreeningID]
		return !ok
	}), nil
}

func (r memLinks) DeleteOrphanedDocuments(context.Context) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.deleteWhere(func(l *ScreeningDocumentLink) bool {
		_, ok := r.m.documents[l.DocumentID]
		return !ok
	}), nil
}

type memSettings struct{ m *memDB }

func (r memSettings) Get(context.Context) (*Settings, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.settings == nil {
		return nil, ErrNotFound
	}
	c := *r.m.settings
	return &c, nil
}

func (r memSettings) Save(_ context.Context, s *Settings) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c := *s
	r.m.settings = &c
	return nil
}
