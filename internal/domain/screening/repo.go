package screening

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Patient, condition, document and appointment rows are owned by other
// parts of the system; the engine only reads them (and deletes documents
// through the cascade).

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Search(ctx context.Context, query string, limit int) ([]*Patient, error)
}

type ConditionRepository interface {
	ListActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*Condition, error)
}

type DocumentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalDocument, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*MedicalDocument, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	// LastBefore returns the most recent non-cancelled appointment strictly
	// before the given time, or nil when there is none.
	LastBefore(ctx context.Context, patientID uuid.UUID, before time.Time) (*time.Time, error)
}

type ScreeningTypeRepository interface {
	Create(ctx context.Context, st *ScreeningType) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScreeningType, error)
	Update(ctx context.Context, st *ScreeningType) error
	List(ctx context.Context, limit, offset int) ([]*ScreeningType, int, error)
	ListActive(ctx context.Context) ([]*ScreeningType, error)
}

type ScreeningRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Screening, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Screening, error)
	ListByType(ctx context.Context, typeID uuid.UUID) ([]*Screening, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Screening, error)
	// Upsert inserts or updates the row for (patient, type) and sets s.ID.
	Upsert(ctx context.Context, s *Screening) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByType(ctx context.Context, typeID uuid.UUID) (int64, error)
	DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int64, error)
	// RepairIncomplete clears last_completed on Incomplete rows.
	RepairIncomplete(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountByType(ctx context.Context) ([]TypeCount, error)
}

type LinkRepository interface {
	ListByScreening(ctx context.Context, screeningID uuid.UUID) ([]*ScreeningDocumentLink, error)
	// ListManualByPatient returns manual links keyed by screening id.
	ListManualByPatient(ctx context.Context, patientID uuid.UUID) (map[uuid.UUID][]*ScreeningDocumentLink, error)
	ReplaceForScreening(ctx context.Context, screeningID uuid.UUID, links []*ScreeningDocumentLink) error
	Add(ctx context.Context, l *ScreeningDocumentLink) error
	DeleteByScreening(ctx context.Context, screeningID uuid.UUID) (int64, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error)
	DeleteOrphanedScreenings(ctx context.Context) (int64, error)
	DeleteOrphanedDocuments(ctx context.Context) (int64, error)
}

type SettingsRepository interface {
	// Get returns ErrNotFound when no settings row has been saved yet.
	Get(ctx context.Context) (*Settings, error)
	Save(ctx context.Context, s *Settings) error
}

// Repositories bundles the storage dependencies of the engine.
type Repositories struct {
	Patients     PatientRepository
	Conditions   ConditionRepository
	Documents    DocumentRepository
	Appointments AppointmentRepository
	Types        ScreeningTypeRepository
	Screenings   ScreeningRepository
	Links        LinkRepository
	Settings     SettingsRepository
}
