package summary

import (
	"time"

	"github.com/google/uuid"
)

// Entity statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusResolved = "resolved"
)

var validStatuses = map[string]bool{
	StatusActive: true, StatusInactive: true, StatusResolved: true,
}

// PatientSummary is the single versioned, deduplicated summary kept per patient.
// It is persisted as one JSON document; Version is also stored in its own
// column so writes can be conditioned on it.
type PatientSummary struct {
	PatientID         uuid.UUID    `json:"patientId"`
	Version           int          `json:"version"`
	GeneratedAt       time.Time    `json:"generatedAt"`
	Sources           Sources      `json:"sources"`
	Diagnoses         []Diagnosis  `json:"diagnoses"`
	Medications       []Medication `json:"medications"`
	Labs              Labs         `json:"labs"`
	Visits            []Visit      `json:"visits"`
	Alerts            []Alert      `json:"alerts"`
	AISummary         AISummary    `json:"aiSummary"`
	ManualCorrections []Correction `json:"manualCorrections"`
}

// Sources is the append-only provenance list.
type Sources struct {
	DocumentCount int           `json:"documentCount"`
	Documents     []DocumentRef `json:"documents"`
}

// DocumentRef identifies a processed document.
type DocumentRef struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// SourceDoc is one observation of an entity in a document.
type SourceDoc struct {
	DocID      uuid.UUID `json:"docId"`
	Confidence float64   `json:"confidence"`
}

// Diagnosis is unique within a summary by the id derived from its normalized name.
type Diagnosis struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Severity     string      `json:"severity,omitempty"`
	Status       string      `json:"status"`
	FirstSeen    time.Time   `json:"firstSeen"`
	LastSeen     time.Time   `json:"lastSeen"`
	SourceDocs   []SourceDoc `json:"sourceDocs"`
	HiddenByUser bool        `json:"hiddenByUser,omitempty"`
}

// Medication has the shape of Diagnosis plus dosing fields.
type Medication struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Dose         string      `json:"dose,omitempty"`
	Frequency    string      `json:"frequency,omitempty"`
	StartDate    *time.Time  `json:"startDate,omitempty"`
	Status       string      `json:"status"`
	FirstSeen    time.Time   `json:"firstSeen"`
	LastSeen     time.Time   `json:"lastSeen"`
	SourceDocs   []SourceDoc `json:"sourceDocs"`
	HiddenByUser bool        `json:"hiddenByUser,omitempty"`
}

// Labs holds the newest result per test and the per-test history.
type Labs struct {
	Latest []LabResult              `json:"latest"`
	Trends map[string][]TrendPoint `json:"trends"`
}

// LabResult is the latest known value of one test.
type LabResult struct {
	Name  string    `json:"name"`
	Value string    `json:"value"`
	Unit  string    `json:"unit,omitempty"`
	Flag  string    `json:"flag,omitempty"`
	Date  time.Time `json:"date"`
	DocID uuid.UUID `json:"docId"`
}

// TrendPoint is one historical value of a test.
type TrendPoint struct {
	Date  time.Time `json:"date"`
	Value string    `json:"value"`
	Unit  string    `json:"unit,omitempty"`
	DocID uuid.UUID `json:"docId"`
}

// Visit is appended once per extracted encounter.
type Visit struct {
	Date     time.Time `json:"date"`
	Provider string    `json:"provider,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	DocID    uuid.UUID `json:"docId"`
}

// Alert is deduplicated by its content-derived id.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity,omitempty"`
	DocID     uuid.UUID `json:"docId"`
	CreatedAt time.Time `json:"createdAt"`
}

// AISummary is fully derived on every merge and only changed by corrections.
type AISummary struct {
	OneLine    string  `json:"oneLine"`
	Paragraph  string  `json:"paragraph"`
	Confidence float64 `json:"confidence"`
}

// Correction actions.
const (
	ActionEdited = "edited"
	ActionHidden = "hidden"
)

// Correction is a user override. Corrections are append-only and replayed
// after every merge in timestamp order.
type Correction struct {
	ID          uuid.UUID   `json:"id"`
	PatientID   uuid.UUID   `json:"patientId"`
	Field       string      `json:"field"`
	UserID      string      `json:"userId"`
	Action      string      `json:"action"`
	ValueBefore string      `json:"valueBefore,omitempty"`
	ValueAfter  string      `json:"valueAfter,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	SourceDocs  []uuid.UUID `json:"sourceDocs,omitempty"`
}

// Empty returns the zero summary for a patient that has no record yet.
func Empty(patientID uuid.UUID) *PatientSummary {
	return &PatientSummary{
		PatientID:   patientID,
		Sources:     Sources{Documents: []DocumentRef{}},
		Diagnoses:   []Diagnosis{},
		Medications: []Medication{},
		Labs:        Labs{Latest: []LabResult{}, Trends: map[string][]TrendPoint{}},
		Visits:      []Visit{},
		Alerts:      []Alert{},
	}
}

// Clone returns a deep copy so merges never mutate their input.
func (s *PatientSummary) Clone() *PatientSummary {
	out := *s
	out.Sources.Documents = append([]DocumentRef{}, s.Sources.Documents...)

	out.Diagnoses = make([]Diagnosis, len(s.Diagnoses))
	for i, d := range s.Diagnoses {
		d.SourceDocs = append([]SourceDoc{}, d.SourceDocs...)
		out.Diagnoses[i] = d
	}
	out.Medications = make([]Medication, len(s.Medications))
	for i, m := range s.Medications {
		m.SourceDocs = append([]SourceDoc{}, m.SourceDocs...)
		if m.StartDate != nil {
			sd := *m.StartDate
			m.StartDate = &sd
		}
		out.Medications[i] = m
	}

	out.Labs.Latest = append([]LabResult{}, s.Labs.Latest...)
	out.Labs.Trends = make(map[string][]TrendPoint, len(s.Labs.Trends))
	for k, v := range s.Labs.Trends {
		out.Labs.Trends[k] = append([]TrendPoint{}, v...)
	}
	out.Visits = append([]Visit{}, s.Visits...)
	out.Alerts = append([]Alert{}, s.Alerts...)

	out.ManualCorrections = make([]Correction, len(s.ManualCorrections))
	for i, c := range s.ManualCorrections {
		c.SourceDocs = append([]uuid.UUID{}, c.SourceDocs...)
		out.ManualCorrections[i] = c
	}
	return &out
}

// HasDocument reports whether the document was already merged.
func (s *PatientSummary) HasDocument(id uuid.UUID) bool {
	for _, d := range s.Sources.Documents {
		if d.ID == id {
			return true
		}
	}
	return false
}

// FindDiagnosis returns the index of the diagnosis with the given id, or -1.
func (s *PatientSummary) FindDiagnosis(id uuid.UUID) int {
	if id == uuid.Nil {
		return -1
	}
	for i := range s.Diagnoses {
		if s.Diagnoses[i].ID == id {
			return i
		}
	}
	return -1
}

// FindMedication returns the index of the medication with the given id, or -1.
func (s *PatientSummary) FindMedication(id uuid.UUID) int {
	if id == uuid.Nil {
		return -1
	}
	for i := range s.Medications {
		if s.Medications[i].ID == id {
			return i
		}
	}
	return -1
}
