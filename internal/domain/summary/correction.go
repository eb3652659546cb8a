package summary

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxFieldLength bounds a correction path.
	MaxFieldLength = 128
	// MaxValueLength bounds valueBefore and valueAfter.
	MaxValueLength = 2000
	// MaxUserIDLength bounds the recorded user id.
	MaxUserIDLength = 128
	// MaxSourceDocs bounds the document references carried by a correction.
	MaxSourceDocs = 50
)

// Segments are alphanumerics and underscores; hyphens are admitted so that
// entity ids (UUIDs) can be addressed.
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

var editableFields = map[Kind]map[string]bool{
	KindDiagnosis: {
		"name": true, "severity": true, "status": true, "hiddenByUser": true,
	},
	KindMedication: {
		"name": true, "dose": true, "frequency": true, "status": true, "startDate": true, "hiddenByUser": true,
	},
}

var editableAIFields = map[string]bool{"oneLine": true, "paragraph": true, "confidence": true}

// FieldPath is a parsed correction target.
type FieldPath struct {
	Root  string // "diagnoses", "medications" or "aiSummary"
	Ref   string // entity id or name; empty for aiSummary
	Field string // empty when the whole entity is targeted
}

// Kind returns the entity kind of the path root.
func (p FieldPath) Kind() Kind { return Kind(p.Root) }

// ParseFieldPath checks a dotted path against the restricted grammar and the
// set of addressable fields.
func ParseFieldPath(field string) (FieldPath, error) {
	if field == "" {
		return FieldPath{}, correctionError("field", "is required")
	}
	if len(field) > MaxFieldLength {
		return FieldPath{}, correctionError("field", "exceeds %d characters", MaxFieldLength)
	}
	if !fieldPattern.MatchString(field) {
		return FieldPath{}, correctionError("field", "may only contain letters, digits, '_', '-' and '.'")
	}

	parts := strings.Split(field, ".")
	switch parts[0] {
	case string(KindDiagnosis), string(KindMedication):
		kind := Kind(parts[0])
		switch len(parts) {
		case 2:
			return FieldPath{Root: parts[0], Ref: parts[1]}, nil
		case 3:
			if !editableFields[kind][parts[2]] {
				return FieldPath{}, correctionError("field", "%q is not an editable %s field", parts[2], kind)
			}
			return FieldPath{Root: parts[0], Ref: parts[1], Field: parts[2]}, nil
		}
	case "aiSummary":
		if len(parts) == 2 && editableAIFields[parts[1]] {
			return FieldPath{Root: parts[0], Field: parts[1]}, nil
		}
	}
	return FieldPath{}, correctionError("field", "unsupported path %q", field)
}

// ValidateCorrection rejects a correction before it is appended to the ledger.
func ValidateCorrection(c *Correction) error {
	if c.PatientID == uuid.Nil {
		return correctionError("patientId", "is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return correctionError("userId", "is required")
	}
	if len(c.UserID) > MaxUserIDLength {
		return correctionError("userId", "exceeds %d characters", MaxUserIDLength)
	}
	if len(c.ValueBefore) > MaxValueLength {
		return correctionError("valueBefore", "exceeds %d characters", MaxValueLength)
	}
	if len(c.ValueAfter) > MaxValueLength {
		return correctionError("valueAfter", "exceeds %d characters", MaxValueLength)
	}
	if len(c.SourceDocs) > MaxSourceDocs {
		return correctionError("sourceDocs", "exceeds %d entries", MaxSourceDocs)
	}

	path, err := ParseFieldPath(c.Field)
	if err != nil {
		return err
	}

	switch c.Action {
	case ActionHidden:
		if path.Root == "aiSummary" || path.Field != "" {
			return correctionError("field", "hidden applies to a diagnosis or medication, got %q", c.Field)
		}
	case ActionEdited:
		if path.Field == "" {
			return correctionError("field", "edited requires a field, got %q", c.Field)
		}
		if err := checkEditValue(path.Field, c.ValueAfter); err != nil {
			return err
		}
	default:
		return correctionError("action", "must be %q or %q", ActionEdited, ActionHidden)
	}
	return nil
}

func checkEditValue(field, value string) error {
	switch field {
	case "name":
		if NormalizeName(value) == UnmatchableName {
			return correctionError("valueAfter", "name must not be empty")
		}
	case "status":
		if !validStatuses[value] {
			return correctionError("valueAfter", "invalid status %q", value)
		}
	case "hiddenByUser":
		if _, err := strconv.ParseBool(value); err != nil {
			return correctionError("valueAfter", "must be true or false")
		}
	case "confidence":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			return correctionError("valueAfter", "confidence must be a number between 0 and 1")
		}
	case "startDate":
		if value != "" && parseDate(value) == nil {
			return correctionError("valueAfter", "startDate must be a date")
		}
	}
	return nil
}

// resolveRef maps a path segment to an entity id. A UUID segment is taken as
// the id; anything else is read as a name with underscores standing for spaces.
func resolveRef(kind Kind, ref string) uuid.UUID {
	if id, err := uuid.Parse(ref); err == nil {
		return id
	}
	return EntityID(kind, strings.ReplaceAll(ref, "_", " "))
}

// SortCorrections orders corrections by timestamp, then id, so replay is
// deterministic.
func SortCorrections(cs []Correction) []Correction {
	out := make([]Correction, len(cs))
	copy(out, cs)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ReplayResult counts what a replay pass did.
type ReplayResult struct {
	Applied    int
	Unresolved int
	Invalid    int
}

// Replay re-applies every correction, oldest first, onto s. Corrections whose
// target is not in the summary stay unresolved and take effect once the
// entity appears.
func Replay(s *PatientSummary, corrections []Correction) ReplayResult {
	var res ReplayResult
	for _, c := range SortCorrections(corrections) {
		ok, err := ApplyCorrection(s, c)
		switch {
		case err != nil:
			res.Invalid++
		case ok:
			res.Applied++
		default:
			res.Unresolved++
		}
	}
	return res
}

// ApplyCorrection applies one correction. It returns false when the target
// entity is absent.
func ApplyCorrection(s *PatientSummary, c Correction) (bool, error) {
	path, err := ParseFieldPath(c.Field)
	if err != nil {
		return false, err
	}

	if path.Root == "aiSummary" {
		if c.Action != ActionEdited {
			return false, correctionError("action", "aiSummary only accepts edits")
		}
		return true, applyAIEdit(&s.AISummary, path.Field, c.ValueAfter)
	}

	id := resolveRef(path.Kind(), path.Ref)
	switch path.Kind() {
	case KindDiagnosis:
		idx := s.FindDiagnosis(id)
		if idx < 0 {
			return false, nil
		}
		if c.Action == ActionHidden {
			s.Diagnoses[idx].HiddenByUser = true
			return true, nil
		}
		return true, applyDiagnosisEdit(&s.Diagnoses[idx], path.Field, c.ValueAfter)
	case KindMedication:
		idx := s.FindMedication(id)
		if idx < 0 {
			return false, nil
		}
		if c.Action == ActionHidden {
			s.Medications[idx].HiddenByUser = true
			return true, nil
		}
		return true, applyMedicationEdit(&s.Medications[idx], path.Field, c.ValueAfter)
	}
	return false, correctionError("field", "unsupported path %q", c.Field)
}

func applyDiagnosisEdit(d *Diagnosis, field, value string) error {
	if err := checkEditValue(field, value); err != nil {
		return err
	}
	switch field {
	case "name":
		d.Name = strings.TrimSpace(value)
	case "severity":
		d.Severity = value
	case "status":
		d.Status = value
	case "hiddenByUser":
		d.HiddenByUser, _ = strconv.ParseBool(value)
	}
	return nil
}

func applyMedicationEdit(m *Medication, field, value string) error {
	if err := checkEditValue(field, value); err != nil {
		return err
	}
	switch field {
	case "name":
		m.Name = strings.TrimSpace(value)
	case "dose":
		m.Dose = value
	case "frequency":
		m.Frequency = value
	case "status":
		m.Status = value
	case "startDate":
		m.StartDate = parseDate(value)
	case "hiddenByUser":
		m.HiddenByUser, _ = strconv.ParseBool(value)
	}
	return nil
}

func applyAIEdit(a *AISummary, field, value string) error {
	if err := checkEditValue(field, value); err != nil {
		return err
	}
	switch field {
	case "oneLine":
		a.OneLine = value
	case "paragraph":
		a.Paragraph = value
	case "confidence":
		a.Confidence, _ = strconv.ParseFloat(value, 64)
	}
	return nil
}
