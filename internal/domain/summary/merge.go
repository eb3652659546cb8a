package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MergeInput is everything one merge needs besides the current summary.
type MergeInput struct {
	// Document is nil for a replay-only merge triggered by a correction.
	Document    *DocumentRef
	Entities    ExtractedEntities
	Corrections []Correction
	Now         time.Time
}

// MergeReport describes what a merge did.
type MergeReport struct {
	Duplicate   bool            `json:"duplicate"`
	Added       int             `json:"added"`
	Updated     int             `json:"updated"`
	Skipped     []SkippedEntity `json:"skipped,omitempty"`
	Corrections ReplayResult    `json:"corrections"`
}

// Merge folds a document's extracted entities into current and returns the
// next version. It never mutates current. When the document was already
// merged the current summary is returned unchanged with Duplicate set.
func Merge(current *PatientSummary, in MergeInput) (*PatientSummary, MergeReport, error) {
	var report MergeReport
	if current == nil {
		return nil, report, requestError("summary", "current summary is required")
	}
	if current.PatientID == uuid.Nil {
		return nil, report, requestError("patientId", "is required")
	}
	if in.Document != nil {
		if in.Document.ID == uuid.Nil {
			return nil, report, requestError("documentId", "is required")
		}
		if current.HasDocument(in.Document.ID) {
			report.Duplicate = true
			return current, report, nil
		}
	}

	next := current.Clone()
	if next.Labs.Trends == nil {
		next.Labs.Trends = map[string][]TrendPoint{}
	}

	if in.Document != nil {
		seen := in.Document.UploadedAt
		if seen.IsZero() {
			seen = in.Now
		}
		m := merger{s: next, doc: in.Document.ID, seen: seen.UTC(), report: &report}
		m.diagnoses(in.Entities.Diagnoses)
		m.medications(in.Entities.Medications)
		m.labs(in.Entities.Labs)
		m.visits(in.Entities.Visits)
		m.alerts(in.Entities.Alerts)

		next.Sources.Documents = append(next.Sources.Documents, *in.Document)
	} else if !in.Entities.IsEmpty() {
		report.Skipped = append(report.Skipped, SkippedEntity{Kind: "all", Index: -1, Reason: "entities without a source document"})
	}
	next.Sources.DocumentCount = len(next.Sources.Documents)

	// The derived text reflects what the user sees, so it is generated from
	// a copy with corrections already applied. The authoritative replay
	// below then runs last, which lets aiSummary edits win.
	preview := next.Clone()
	Replay(preview, in.Corrections)
	next.AISummary = GenerateAISummary(preview)

	report.Corrections = Replay(next, in.Corrections)
	next.ManualCorrections = SortCorrections(in.Corrections)

	next.Version = current.Version + 1
	next.GeneratedAt = in.Now.UTC()
	return next, report, nil
}

type merger struct {
	s      *PatientSummary
	doc    uuid.UUID
	seen   time.Time
	report *MergeReport
}

func (m *merger) skip(kind Kind, i int, reason string) {
	m.report.Skipped = append(m.report.Skipped, SkippedEntity{Kind: string(kind), Index: i, Reason: reason})
}

func (m *merger) diagnoses(entities []ExtractedEntity) {
	for i, e := range entities {
		id := EntityID(KindDiagnosis, e.Name)
		if id == uuid.Nil {
			m.skip(KindDiagnosis, i, "missing name")
			continue
		}
		src := SourceDoc{DocID: m.doc, Confidence: confidenceOf(e)}

		if idx := m.s.FindDiagnosis(id); idx >= 0 {
			d := &m.s.Diagnoses[idx]
			if m.seen.After(d.LastSeen) {
				d.LastSeen = m.seen
			}
			if d.FirstSeen.IsZero() || m.seen.Before(d.FirstSeen) {
				d.FirstSeen = m.seen
			}
			if e.Severity != "" {
				d.Severity = e.Severity
			}
			d.SourceDocs = append(d.SourceDocs, src)
			m.report.Updated++
			continue
		}

		m.s.Diagnoses = append(m.s.Diagnoses, Diagnosis{
			ID:         id,
			Name:       displayName(e.Name),
			Severity:   e.Severity,
			Status:     StatusActive,
			FirstSeen:  m.seen,
			LastSeen:   m.seen,
			SourceDocs: []SourceDoc{src},
		})
		m.report.Added++
	}
}

func (m *merger) medications(entities []ExtractedEntity) {
	for i, e := range entities {
		id := EntityID(KindMedication, e.Name)
		if id == uuid.Nil {
			m.skip(KindMedication, i, "missing name")
			continue
		}
		src := SourceDoc{DocID: m.doc, Confidence: confidenceOf(e)}

		if idx := m.s.FindMedication(id); idx >= 0 {
			med := &m.s.Medications[idx]
			med.Status = StatusActive
			if m.seen.After(med.LastSeen) {
				med.LastSeen = m.seen
			}
			if med.FirstSeen.IsZero() || m.seen.Before(med.FirstSeen) {
				med.FirstSeen = m.seen
			}
			if e.Dose != "" {
				med.Dose = e.Dose
			}
			if e.Frequency != "" {
				med.Frequency = e.Frequency
			}
			if med.StartDate == nil && e.StartDate != nil {
				sd := e.StartDate.UTC()
				med.StartDate = &sd
			}
			med.SourceDocs = append(med.SourceDocs, src)
			m.report.Updated++
			continue
		}

		start := m.seen
		if e.StartDate != nil {
			start = e.StartDate.UTC()
		}
		m.s.Medications = append(m.s.Medications, Medication{
			ID:         id,
			Name:       displayName(e.Name),
			Dose:       e.Dose,
			Frequency:  e.Frequency,
			StartDate:  &start,
			Status:     StatusActive,
			FirstSeen:  m.seen,
			LastSeen:   m.seen,
			SourceDocs: []SourceDoc{src},
		})
		m.report.Added++
	}
}

func (m *merger) labs(labs []ExtractedLab) {
	for i, l := range labs {
		key := NormalizeName(l.Name)
		if key == UnmatchableName {
			m.skip(KindLab, i, "missing name")
			continue
		}
		if strings.TrimSpace(l.Value) == "" {
			m.skip(KindLab, i, "missing value")
			continue
		}
		date := m.seen
		if l.Date != nil {
			date = l.Date.UTC()
		}

		point := TrendPoint{Date: date, Value: l.Value, Unit: l.Unit, DocID: m.doc}
		trend := append(m.s.Labs.Trends[key], point)
		sort.SliceStable(trend, func(a, b int) bool { return trend[a].Date.Before(trend[b].Date) })
		m.s.Labs.Trends[key] = trend

		result := LabResult{Name: displayName(l.Name), Value: l.Value, Unit: l.Unit, Flag: l.Flag, Date: date, DocID: m.doc}
		replaced := false
		for j := range m.s.Labs.Latest {
			if NormalizeName(m.s.Labs.Latest[j].Name) != key {
				continue
			}
			if !date.Before(m.s.Labs.Latest[j].Date) {
				m.s.Labs.Latest[j] = result
			}
			replaced = true
			break
		}
		if !replaced {
			m.s.Labs.Latest = append(m.s.Labs.Latest, result)
			m.report.Added++
		} else {
			m.report.Updated++
		}

		if l.Flag == "critical" {
			msg := fmt.Sprintf("%s critical: %s%s", displayName(l.Name), l.Value, l.Unit)
			m.addAlert(ExtractedAlert{Message: msg, Severity: "critical"})
		}
	}
}

func (m *merger) visits(visits []ExtractedVisit) {
	for _, v := range visits {
		date := m.seen
		if v.Date != nil {
			date = v.Date.UTC()
		}
		m.s.Visits = append(m.s.Visits, Visit{Date: date, Provider: v.Provider, Reason: v.Reason, DocID: m.doc})
		m.report.Added++
	}
}

func (m *merger) alerts(alerts []ExtractedAlert) {
	for i, a := range alerts {
		if NormalizeName(a.Message) == UnmatchableName {
			m.skip(KindAlert, i, "missing message")
			continue
		}
		m.addAlert(a)
	}
}

func (m *merger) addAlert(a ExtractedAlert) {
	id := EntityID(KindAlert, a.Message)
	for _, existing := range m.s.Alerts {
		if existing.ID == id {
			return
		}
	}
	m.s.Alerts = append(m.s.Alerts, Alert{
		ID:        id,
		Message:   strings.TrimSpace(a.Message),
		Severity:  a.Severity,
		DocID:     m.doc,
		CreatedAt: m.seen,
	})
	m.report.Added++
}

// displayName keeps the extracted casing but tidies whitespace.
func displayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func confidenceOf(e ExtractedEntity) float64 {
	if e.Confidence == 0 {
		return DefaultConfidence
	}
	return clampConfidence(e.Confidence)
}
