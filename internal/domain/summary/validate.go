package summary

import (
	"github.com/google/uuid"
)

// ValidateSummary checks the invariants a stored summary must hold. It runs
// before every write and on every store read, for merges and client reads
// alike. Cache entries are only filled from summaries that passed it.
func ValidateSummary(s *PatientSummary) error {
	if s == nil {
		return summaryError("", "summary is nil")
	}
	if s.PatientID == uuid.Nil {
		return summaryError("patientId", "is required")
	}
	if s.Version < 0 {
		return summaryError("version", "must not be negative")
	}
	if s.Sources.DocumentCount != len(s.Sources.Documents) {
		return summaryError("sources.documentCount", "is %d but %d documents are listed",
			s.Sources.DocumentCount, len(s.Sources.Documents))
	}

	docs := make(map[uuid.UUID]bool, len(s.Sources.Documents))
	for _, d := range s.Sources.Documents {
		if d.ID == uuid.Nil {
			return summaryError("sources.documents", "document id is required")
		}
		if docs[d.ID] {
			return summaryError("sources.documents", "document %s listed twice", d.ID)
		}
		docs[d.ID] = true
	}

	ids := make(map[uuid.UUID]bool, len(s.Diagnoses))
	for _, d := range s.Diagnoses {
		if err := checkEntity("diagnoses", d.ID, d.Name, d.Status, d.SourceDocs, ids); err != nil {
			return err
		}
	}
	ids = make(map[uuid.UUID]bool, len(s.Medications))
	for _, m := range s.Medications {
		if err := checkEntity("medications", m.ID, m.Name, m.Status, m.SourceDocs, ids); err != nil {
			return err
		}
	}

	if s.AISummary.Confidence < 0 || s.AISummary.Confidence > 1 {
		return summaryError("aiSummary.confidence", "must be between 0 and 1")
	}
	return nil
}

func checkEntity(root string, id uuid.UUID, name, status string, docs []SourceDoc, seen map[uuid.UUID]bool) error {
	if id == uuid.Nil {
		return summaryError(root, "entity id is required")
	}
	if seen[id] {
		return summaryError(root, "entity %s listed twice", id)
	}
	seen[id] = true
	if NormalizeName(name) == UnmatchableName {
		return summaryError(root+"."+id.String()+".name", "is required")
	}
	if !validStatuses[status] {
		return summaryError(root+"."+id.String()+".status", "invalid status %q", status)
	}
	for _, d := range docs {
		if d.Confidence < 0 || d.Confidence > 1 {
			return summaryError(root+"."+id.String()+".sourceDocs", "confidence must be between 0 and 1")
		}
	}
	return nil
}
