package screening

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgBase struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func (r pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// decodeTriggers parses stored trigger conditions. Unparseable data is
// logged and treated as no trigger conditions.
func decodeTriggers(logger zerolog.Logger, typeID uuid.UUID, raw []byte) []TriggerCondition {
	triggers, err := ParseTriggerConditions(raw)
	if err != nil {
		var me *MatchingError
		if errors.As(err, &me) {
			me.TypeID = typeID
		}
		logger.Warn().Err(err).Str("screening_type_id", typeID.String()).
			Msg("ignoring malformed trigger conditions")
		return nil
	}
	return triggers
}

// decodeDocumentCodes parses stored document codes. Unparseable data is
// logged and treated as no codes.
func decodeDocumentCodes(logger zerolog.Logger, documentID uuid.UUID, raw []byte) []DocumentCode {
	codes, err := ParseDocumentCodes(raw)
	if err != nil {
		logger.Warn().Err(err).Str("document_id", documentID.String()).
			Msg("ignoring malformed document codes")
		return nil
	}
	return codes
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error, kind string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// NewRepositoriesPG wires every repository to the same pool. Malformed
// stored JSON is reported on logger.
func NewRepositoriesPG(pool *pgxpool.Pool, logger zerolog.Logger) Repositories {
	b := pgBase{pool: pool, logger: logger.With().Str("component", "screening-repo").Logger()}
	return Repositories{
		Patients:     &patientRepoPG{b},
		Conditions:   &conditionRepoPG{b},
		Documents:    &documentRepoPG{b},
		Appointments: &appointmentRepoPG{b},
		Types:        &screeningTypeRepoPG{b},
		Screenings:   &screeningRepoPG{b},
		Links:        &linkRepoPG{b},
		Settings:     &settingsRepoPG{b},
	}
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pgBase }

const patientCols = `id, mrn, first_name, last_name, birth_date, gender, active`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender, &p.Active)
	return &p, err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "patient", id)
	}
	return p, nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY last_name, first_name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) Search(ctx context.Context, query string, limit int) ([]*Patient, error) {
	pattern := "%" + query + "%"
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient
		WHERE mrn ILIKE $1 OR first_name ILIKE $1 OR last_name ILIKE $1
			OR (first_name || ' ' || last_name) ILIKE $1
		ORDER BY last_name, first_name, id LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Condition Repository ===========

type conditionRepoPG struct{ pgBase }

func (r *conditionRepoPG) ListActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*Condition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, patient_id, name, code, code_system, is_active
		FROM patient_condition WHERE patient_id = $1 AND is_active ORDER BY name`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.PatientID, &c.Name, &c.Code, &c.CodeSystem, &c.IsActive); err != nil {
			return nil, err
		}
		items = append(items, &c)
	}
	return items, rows.Err()
}

// =========== Document Repository ===========

type documentRepoPG struct{ pgBase }

const documentCols = `id, patient_id, filename, content, document_type, category, document_date, uploaded_at, codes`

func (r *documentRepoPG) scanDocument(row pgx.Row) (*MedicalDocument, error) {
	var (
		d        MedicalDocument
		category string
		rawCodes []byte
	)
	if err := row.Scan(&d.ID, &d.PatientID, &d.Filename, &d.Content, &d.DocumentType, &category,
		&d.DocumentDate, &d.UploadedAt, &rawCodes); err != nil {
		return nil, err
	}
	d.Category = NormalizeCategory(category)
	d.Codes = decodeDocumentCodes(r.logger, d.ID, rawCodes)
	return &d, nil
}

func (r *documentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalDocument, error) {
	d, err := r.scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM medical_document WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return d, nil
}

func (r *documentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*MedicalDocument, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+documentCols+` FROM medical_document
		WHERE patient_id = $1 ORDER BY COALESCE(document_date, uploaded_at::date) DESC, id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MedicalDocument
	for rows.Next() {
		d, err := r.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *documentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM medical_document WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "document", ID: id}
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pgBase }

func (r *appointmentRepoPG) LastBefore(ctx context.Context, patientID uuid.UUID, before time.Time) (*time.Time, error) {
	var at time.Time
	err := r.conn(ctx).QueryRow(ctx, `SELECT scheduled_at FROM appointment
		WHERE patient_id = $1 AND scheduled_at < $2
			AND lower(status) NOT IN ('cancelled', 'canceled', 'no-show', 'noshow')
		ORDER BY scheduled_at DESC LIMIT 1`, patientID, before).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &at, nil
}

// =========== Screening Type Repository ===========

type screeningTypeRepoPG struct{ pgBase }

const screeningTypeCols = `id, name, description, frequency_number, frequency_unit, min_age, max_age,
	gender_specific, trigger_conditions, filename_keywords, content_keywords, document_type_keywords,
	category, cutoff_months, is_active, created_at, updated_at`

func (r *screeningTypeRepoPG) scanType(row pgx.Row) (*ScreeningType, error) {
	var (
		st                  ScreeningType
		rawTriggers         []byte
		fname, content, doc []string
		category            string
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Description, &st.FrequencyNumber, &st.FrequencyUnit,
		&st.MinAge, &st.MaxAge, &st.GenderSpecific, &rawTriggers, &fname, &content, &doc,
		&category, &st.CutoffMonths, &st.IsActive, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.TriggerConditions = decodeTriggers(r.logger, st.ID, rawTriggers)
	st.FilenameKeywords = NewKeywordSet(fname...)
	st.ContentKeywords = NewKeywordSet(content...)
	st.DocumentTypeKeywords = NewKeywordSet(doc...)
	st.Category = NormalizeCategory(category)
	return &st, nil
}

func triggersJSON(t []TriggerCondition) ([]byte, error) {
	if t == nil {
		t = []TriggerCondition{}
	}
	return json.Marshal(t)
}

func keywords(k KeywordSet) []string {
	if k == nil {
		return []string{}
	}
	return []string(k)
}

func (r *screeningTypeRepoPG) Create(ctx context.Context, st *ScreeningType) error {
	st.ID = uuid.New()
	triggers, err := triggersJSON(st.TriggerConditions)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO screening_type (id, name, description, frequency_number, frequency_unit, min_age, max_age,
			gender_specific, trigger_conditions, filename_keywords, content_keywords, document_type_keywords,
			category, cutoff_months, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		st.ID, st.Name, st.Description, st.FrequencyNumber, st.FrequencyUnit, st.MinAge, st.MaxAge,
		st.GenderSpecific, triggers, keywords(st.FilenameKeywords), keywords(st.ContentKeywords),
		keywords(st.DocumentTypeKeywords), string(st.Category), st.CutoffMonths, st.IsActive,
	).Scan(&st.CreatedAt, &st.UpdatedAt)
}

func (r *screeningTypeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScreeningType, error) {
	st, err := r.scanType(r.conn(ctx).QueryRow(ctx, `SELECT `+screeningTypeCols+` FROM screening_type WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "screening type", id)
	}
	return st, nil
}

func (r *screeningTypeRepoPG) Update(ctx context.Context, st *ScreeningType) error {
	triggers, err := triggersJSON(st.TriggerConditions)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE screening_type SET name=$2, description=$3, frequency_number=$4, frequency_unit=$5,
			min_age=$6, max_age=$7, gender_specific=$8, trigger_conditions=$9, filename_keywords=$10,
			content_keywords=$11, document_type_keywords=$12, category=$13, cutoff_months=$14,
			is_active=$15, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		st.ID, st.Name, st.Description, st.FrequencyNumber, st.FrequencyUnit, st.MinAge, st.MaxAge,
		st.GenderSpecific, triggers, keywords(st.FilenameKeywords), keywords(st.ContentKeywords),
		keywords(st.DocumentTypeKeywords), string(st.Category), st.CutoffMonths, st.IsActive,
	).Scan(&st.UpdatedAt)
	return notFound(err, "screening type", st.ID)
}

func (r *screeningTypeRepoPG) List(ctx context.Context, limit, offset int) ([]*ScreeningType, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM screening_type`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+screeningTypeCols+` FROM screening_type ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ScreeningType
	for rows.Next() {
		st, err := r.scanType(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, st)
	}
	return items, total, rows.Err()
}

func (r *screeningTypeRepoPG) ListActive(ctx context.Context) ([]*ScreeningType, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+screeningTypeCols+` FROM screening_type WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ScreeningType
	for rows.Next() {
		st, err := r.scanType(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, st)
	}
	return items, rows.Err()
}

// =========== Screening Repository ===========

type screeningRepoPG struct{ pgBase }

const screeningCols = `s.id, s.patient_id, s.screening_type_id, st.name, s.status, s.due_date,
	s.last_completed, s.notes, s.document_count, s.created_at, s.updated_at`

const screeningFrom = ` FROM screening s JOIN screening_type st ON st.id = s.screening_type_id`

func (r *screeningRepoPG) scanScreening(row pgx.Row) (*Screening, error) {
	var (
		s      Screening
		status string
	)
	err := row.Scan(&s.ID, &s.PatientID, &s.ScreeningTypeID, &s.ScreeningTypeName, &status, &s.DueDate,
		&s.LastCompleted, &s.Notes, &s.DocumentCount, &s.CreatedAt, &s.UpdatedAt)
	s.Status = Status(status)
	return &s, err
}

func (r *screeningRepoPG) list(ctx context.Context, where string, args ...interface{}) ([]*Screening, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+screeningCols+screeningFrom+` WHERE `+where+` ORDER BY st.name, s.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Screening
	for rows.Next() {
		s, err := r.scanScreening(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *screeningRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Screening, error) {
	s, err := r.scanScreening(r.conn(ctx).QueryRow(ctx, `SELECT `+screeningCols+screeningFrom+` WHERE s.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "screening", id)
	}
	return s, nil
}

func (r *screeningRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Screening, error) {
	return r.list(ctx, `s.patient_id = $1`, patientID)
}

func (r *screeningRepoPG) ListByType(ctx context.Context, typeID uuid.UUID) ([]*Screening, error) {
	return r.list(ctx, `s.screening_type_id = $1`, typeID)
}

func (r *screeningRepoPG) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Screening, error) {
	return r.list(ctx, `s.id IN (SELECT screening_id FROM screening_document WHERE document_id = $1)`, documentID)
}

func (r *screeningRepoPG) Upsert(ctx context.Context, s *Screening) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO screening (id, patient_id, screening_type_id, status, due_date, last_completed,
			notes, document_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_id, screening_type_id) DO UPDATE SET
			status = EXCLUDED.status,
			due_date = EXCLUDED.due_date,
			last_completed = EXCLUDED.last_completed,
			notes = EXCLUDED.notes,
			document_count = EXCLUDED.document_count,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		s.ID, s.PatientID, s.ScreeningTypeID, string(s.Status), s.DueDate, s.LastCompleted,
		s.Notes, s.DocumentCount,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *screeningRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "screening", ID: id}
	}
	return nil
}

func (r *screeningRepoPG) DeleteByType(ctx context.Context, typeID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening WHERE screening_type_id = $1`, typeID)
	return tag.RowsAffected(), err
}

func (r *screeningRepoPG) DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening WHERE patient_id = $1`, patientID)
	return tag.RowsAffected(), err
}

func (r *screeningRepoPG) RepairIncomplete(ctx context.Context) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE screening SET last_completed = NULL, due_date = NULL, updated_at = NOW()
		WHERE status = $1 AND (last_completed IS NOT NULL OR due_date IS NOT NULL)`, string(StatusIncomplete))
	return tag.RowsAffected(), err
}

func (r *screeningRepoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM screening GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (r *screeningRepoPG) CountByType(ctx context.Context) ([]TypeCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT s.screening_type_id, st.name, s.status, COUNT(*)`+screeningFrom+`
		GROUP BY s.screening_type_id, st.name, s.status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	idx := make(map[uuid.UUID]int)
	var out []TypeCount
	for rows.Next() {
		var (
			id     uuid.UUID
			name   string
			status string
			n      int
		)
		if err := rows.Scan(&id, &name, &status, &n); err != nil {
			return nil, err
		}
		i, ok := idx[id]
		if !ok {
			i = len(out)
			idx[id] = i
			out = append(out, TypeCount{ScreeningTypeID: id, Name: name, ByStatus: make(map[Status]int)})
		}
		out[i].ByStatus[Status(status)] += n
		out[i].Total += n
	}
	return out, rows.Err()
}

// =========== Link Repository ===========

type linkRepoPG struct{ pgBase }

const linkCols = `id, screening_id, document_id, confidence_score, match_source, created_at`

func (r *linkRepoPG) scanLink(row pgx.Row) (*ScreeningDocumentLink, error) {
	var (
		l      ScreeningDocumentLink
		source string
	)
	err := row.Scan(&l.ID, &l.ScreeningID, &l.DocumentID, &l.ConfidenceScore, &source, &l.CreatedAt)
	l.MatchSource = MatchSource(source)
	return &l, err
}

func (r *linkRepoPG) ListByScreening(ctx context.Context, screeningID uuid.UUID) ([]*ScreeningDocumentLink, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+linkCols+` FROM screening_document
		WHERE screening_id = $1 ORDER BY confidence_score DESC, document_id`, screeningID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ScreeningDocumentLink
	for rows.Next() {
		l, err := r.scanLink(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *linkRepoPG) ListManualByPatient(ctx context.Context, patientID uuid.UUID) (map[uuid.UUID][]*ScreeningDocumentLink, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT l.id, l.screening_id, l.document_id, l.confidence_score, l.match_source, l.created_at
		FROM screening_document l JOIN screening s ON s.id = l.screening_id
		WHERE s.patient_id = $1 AND l.match_source = $2`, patientID, string(SourceManual))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]*ScreeningDocumentLink)
	for rows.Next() {
		l, err := r.scanLink(rows)
		if err != nil {
			return nil, err
		}
		out[l.ScreeningID] = append(out[l.ScreeningID], l)
	}
	return out, rows.Err()
}

// ReplaceForScreening deletes and re-inserts in one round trip. Callers run
// it inside a transaction.
func (r *linkRepoPG) ReplaceForScreening(ctx context.Context, screeningID uuid.UUID, links []*ScreeningDocumentLink) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM screening_document WHERE screening_id = $1`, screeningID)
	for _, l := range links {
		b.Queue(`INSERT INTO screening_document (id, screening_id, document_id, confidence_score, match_source, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			l.ID, screeningID, l.DocumentID, l.ConfidenceScore, string(l.MatchSource), l.CreatedAt)
	}
	br := r.conn(ctx).SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("replace links for screening %s: %w", screeningID, err)
		}
	}
	return br.Close()
}

func (r *linkRepoPG) Add(ctx context.Context, l *ScreeningDocumentLink) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO screening_document (id, screening_id, document_id, confidence_score, match_source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (screening_id, document_id) DO UPDATE SET
			confidence_score = EXCLUDED.confidence_score,
			match_source = EXCLUDED.match_source`,
		l.ID, l.ScreeningID, l.DocumentID, l.ConfidenceScore, string(l.MatchSource), l.CreatedAt)
	return err
}

func (r *linkRepoPG) DeleteByScreening(ctx context.Context, screeningID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening_document WHERE screening_id = $1`, screeningID)
	return tag.RowsAffected(), err
}

func (r *linkRepoPG) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening_document WHERE document_id = $1`, documentID)
	return tag.RowsAffected(), err
}

func (r *linkRepoPG) DeleteOrphanedScreenings(ctx context.Context) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening_document l
		WHERE NOT EXISTS (SELECT 1 FROM screening s WHERE s.id = l.screening_id)`)
	return tag.RowsAffected(), err
}

func (r *linkRepoPG) DeleteOrphanedDocuments(ctx context.Context) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM screening_document l
		WHERE NOT EXISTS (SELECT 1 FROM medical_document d WHERE d.id = l.document_id)`)
	return tag.RowsAffected(), err
}

// =========== Settings Repository ===========

type settingsRepoPG struct{ pgBase }

func (r *settingsRepoPG) Get(ctx context.Context) (*Settings, error) {
	var (
		s   Settings
		raw []byte
	)
	err := r.conn(ctx).QueryRow(ctx, `SELECT use_last_appointment, cutoff_months, due_soon_days, updated_at
		FROM screening_settings WHERE id = 1`).Scan(&s.UseLastAppointment, &raw, &s.DueSoonDays, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CutoffMonths = map[Category]int{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.CutoffMonths); err != nil {
			return nil, fmt.Errorf("decode cutoff_months: %w", err)
		}
	}
	return &s, nil
}

func (r *settingsRepoPG) Save(ctx context.Context, s *Settings) error {
	months := s.CutoffMonths
	if months == nil {
		months = map[Category]int{}
	}
	raw, err := json.Marshal(months)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO screening_settings (id, use_last_appointment, cutoff_months, due_soon_days, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			use_last_appointment = EXCLUDED.use_last_appointment,
			cutoff_months = EXCLUDED.cutoff_months,
			due_soon_days = EXCLUDED.due_soon_days,
			updated_at = EXCLUDED.updated_at`,
		s.UseLastAppointment, raw, s.DueSoonDays, s.UpdatedAt)
	return err
}
