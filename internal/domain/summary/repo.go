package summary

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store persists one versioned summary per patient. Write succeeds only when
// expectedVersion equals the stored version (0 meaning "no row yet") and
// returns ErrVersionConflict otherwise.
type Store interface {
	Read(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error)
	Write(ctx context.Context, s *PatientSummary, expectedVersion int) error
	GetVersion(ctx context.Context, patientID uuid.UUID, version int) (*HistoryEntry, error)
	ListVersions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error)
}

// HistoryEntry is a committed snapshot of a summary version.
type HistoryEntry struct {
	PatientID uuid.UUID       `json:"patientId"`
	Version   int             `json:"version"`
	Summary   json.RawMessage `json:"summary"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CorrectionLedger is the append-only, authoritative log of user corrections.
type CorrectionLedger interface {
	Append(ctx context.Context, c *Correction) error
	ListFor(ctx context.Context, patientID uuid.UUID) ([]Correction, error)
}

// ProcessedDocument is a document as the document pipeline left it.
type ProcessedDocument struct {
	Ref       DocumentRef
	PatientID uuid.UUID
	Content   string
	// Entities holds the stored extractor output; nil when none was stored.
	Entities json.RawMessage
}

// DocumentSource looks up processed documents.
type DocumentSource interface {
	GetDocument(ctx context.Context, patientID, documentID uuid.UUID) (*ProcessedDocument, error)
}

// Extractor turns document content into candidate entities.
type Extractor interface {
	Extract(ctx context.Context, doc *ProcessedDocument) (RawEntities, error)
}

// Notifier receives a best-effort signal after a summary version is committed.
type Notifier interface {
	Notify(ctx context.Context, patientID uuid.UUID, version int) error
}

// ReadCache fronts summary reads served to clients. It is never consulted on
// the merge path. Get returns ErrNotFound on a miss. Set must not replace an
// entry holding the same or a newer version.
type ReadCache interface {
	Get(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error)
	Set(ctx context.Context, s *PatientSummary) error
	Invalidate(ctx context.Context, patientID uuid.UUID) error
}
