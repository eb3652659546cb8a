package summary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultConfidence is assigned to entities extracted without a score,
// including every bare-string entity.
const DefaultConfidence = 0.8

// ExtractedEntity is the canonical form of an extracted diagnosis or medication.
type ExtractedEntity struct {
	Name       string     `json:"name"`
	Confidence float64    `json:"confidence"`
	Severity   string     `json:"severity,omitempty"`
	Dose       string     `json:"dose,omitempty"`
	Frequency  string     `json:"frequency,omitempty"`
	StartDate  *time.Time `json:"startDate,omitempty"`
}

// ExtractedLab is one lab value read from a document.
type ExtractedLab struct {
	Name  string     `json:"name"`
	Value string     `json:"value"`
	Unit  string     `json:"unit,omitempty"`
	Flag  string     `json:"flag,omitempty"`
	Date  *time.Time `json:"date,omitempty"`
}

// ExtractedVisit is one encounter read from a document.
type ExtractedVisit struct {
	Date     *time.Time `json:"date,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// ExtractedAlert is one alert read from a document.
type ExtractedAlert struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// ExtractedEntities is what the Entity Extractor produced for one document,
// already canonicalized.
type ExtractedEntities struct {
	Diagnoses   []ExtractedEntity `json:"diagnoses"`
	Medications []ExtractedEntity `json:"medications"`
	Labs        []ExtractedLab    `json:"labs"`
	Visits      []ExtractedVisit  `json:"visits"`
	Alerts      []ExtractedAlert  `json:"alerts"`
}

// IsEmpty reports whether nothing was extracted.
func (e ExtractedEntities) IsEmpty() bool {
	return len(e.Diagnoses) == 0 && len(e.Medications) == 0 && len(e.Labs) == 0 &&
		len(e.Visits) == 0 && len(e.Alerts) == 0
}

// RawEntities is the loose wire shape produced by extractors: every list entry
// may be a bare string or an object.
type RawEntities struct {
	Diagnoses   []json.RawMessage `json:"diagnoses"`
	Medications []json.RawMessage `json:"medications"`
	Labs        []json.RawMessage `json:"labs"`
	Visits      []json.RawMessage `json:"visits"`
	Alerts      []json.RawMessage `json:"alerts"`
}

// SkippedEntity records an entry dropped by the adapter or the merge.
type SkippedEntity struct {
	Kind   string `json:"kind"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ParseRawEntities decodes an extractor payload. Only a payload that is not a
// JSON object at all is an error; bad entries inside it are skipped later.
func ParseRawEntities(data []byte) (RawEntities, error) {
	var raw RawEntities
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return raw, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, fmt.Errorf("decode extracted entities: %w", err)
	}
	return raw, nil
}

// Canonicalize converts the loose wire shape into ExtractedEntities. A bare
// string becomes {name: value, confidence: DefaultConfidence}. Entries that
// cannot be read are reported and skipped so one bad entry never blocks the rest.
func Canonicalize(raw RawEntities) (ExtractedEntities, []SkippedEntity) {
	var out ExtractedEntities
	var skipped []SkippedEntity

	for i, msg := range raw.Diagnoses {
		e, err := decodeEntity(msg)
		if err != nil {
			skipped = append(skipped, SkippedEntity{Kind: string(KindDiagnosis), Index: i, Reason: err.Error()})
			continue
		}
		out.Diagnoses = append(out.Diagnoses, e)
	}
	for i, msg := range raw.Medications {
		e, err := decodeEntity(msg)
		if err != nil {
			skipped = append(skipped, SkippedEntity{Kind: string(KindMedication), Index: i, Reason: err.Error()})
			continue
		}
		out.Medications = append(out.Medications, e)
	}
	for i, msg := range raw.Labs {
		l, err := decodeLab(msg)
		if err != nil {
			skipped = append(skipped, SkippedEntity{Kind: string(KindLab), Index: i, Reason: err.Error()})
			continue
		}
		out.Labs = append(out.Labs, l)
	}
	for i, msg := range raw.Visits {
		v, err := decodeVisit(msg)
		if err != nil {
			skipped = append(skipped, SkippedEntity{Kind: "visits", Index: i, Reason: err.Error()})
			continue
		}
		out.Visits = append(out.Visits, v)
	}
	for i, msg := range raw.Alerts {
		a, err := decodeAlert(msg)
		if err != nil {
			skipped = append(skipped, SkippedEntity{Kind: string(KindAlert), Index: i, Reason: err.Error()})
			continue
		}
		out.Alerts = append(out.Alerts, a)
	}
	return out, skipped
}

// decodeObject reads an entry that is either a JSON string or object. A string
// is returned through the second value.
func decodeObject(msg json.RawMessage) (map[string]interface{}, string, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, "", fmt.Errorf("empty entry")
	}
	switch msg[0] {
	case '"':
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, "", fmt.Errorf("invalid string entry: %w", err)
		}
		return nil, s, nil
	case '{':
		var obj map[string]interface{}
		if err := json.Unmarshal(msg, &obj); err != nil {
			return nil, "", fmt.Errorf("invalid object entry: %w", err)
		}
		return obj, "", nil
	default:
		return nil, "", fmt.Errorf("entry must be a string or an object")
	}
}

func decodeEntity(msg json.RawMessage) (ExtractedEntity, error) {
	obj, s, err := decodeObject(msg)
	if err != nil {
		return ExtractedEntity{}, err
	}
	if obj == nil {
		if NormalizeName(s) == UnmatchableName {
			return ExtractedEntity{}, fmt.Errorf("missing name")
		}
		return ExtractedEntity{Name: strings.TrimSpace(s), Confidence: DefaultConfidence}, nil
	}

	name := stringField(obj, "name")
	if NormalizeName(name) == UnmatchableName {
		return ExtractedEntity{}, fmt.Errorf("missing name")
	}
	e := ExtractedEntity{
		Name:       strings.TrimSpace(name),
		Confidence: DefaultConfidence,
		Severity:   stringField(obj, "severity"),
		Dose:       stringField(obj, "dose"),
		Frequency:  stringField(obj, "frequency"),
		StartDate:  timeField(obj, "startDate", "start_date"),
	}
	if c, ok := numberField(obj, "confidence"); ok {
		e.Confidence = clampConfidence(c)
	}
	return e, nil
}

func decodeLab(msg json.RawMessage) (ExtractedLab, error) {
	obj, _, err := decodeObject(msg)
	if err != nil {
		return ExtractedLab{}, err
	}
	if obj == nil {
		return ExtractedLab{}, fmt.Errorf("lab entry must be an object")
	}
	l := ExtractedLab{
		Name:  strings.TrimSpace(stringField(obj, "name", "test", "testName")),
		Value: stringField(obj, "value", "result"),
		Unit:  stringField(obj, "unit"),
		Flag:  strings.ToLower(stringField(obj, "flag")),
		Date:  timeField(obj, "date"),
	}
	if NormalizeName(l.Name) == UnmatchableName {
		return ExtractedLab{}, fmt.Errorf("missing name")
	}
	if strings.TrimSpace(l.Value) == "" {
		return ExtractedLab{}, fmt.Errorf("missing value")
	}
	return l, nil
}

func decodeVisit(msg json.RawMessage) (ExtractedVisit, error) {
	obj, s, err := decodeObject(msg)
	if err != nil {
		return ExtractedVisit{}, err
	}
	if obj == nil {
		if strings.TrimSpace(s) == "" {
			return ExtractedVisit{}, fmt.Errorf("empty visit")
		}
		return ExtractedVisit{Reason: strings.TrimSpace(s)}, nil
	}
	return ExtractedVisit{
		Date:     timeField(obj, "date"),
		Provider: stringField(obj, "provider", "doctor"),
		Reason:   stringField(obj, "reason", "type"),
	}, nil
}

func decodeAlert(msg json.RawMessage) (ExtractedAlert, error) {
	obj, s, err := decodeObject(msg)
	if err != nil {
		return ExtractedAlert{}, err
	}
	if obj == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return ExtractedAlert{}, fmt.Errorf("empty alert")
		}
		return ExtractedAlert{Message: s}, nil
	}
	a := ExtractedAlert{
		Message:  strings.TrimSpace(stringField(obj, "message", "text")),
		Severity: stringField(obj, "severity"),
	}
	if a.Message == "" {
		return ExtractedAlert{}, fmt.Errorf("missing message")
	}
	return a, nil
}

// stringField returns the first present key rendered as a string.
func stringField(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func numberField(obj map[string]interface{}, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func timeField(obj map[string]interface{}, keys ...string) *time.Time {
	s := stringField(obj, keys...)
	if s == "" {
		return nil
	}
	return parseDate(s)
}

func parseDate(s string) *time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func clampConfidence(c float64) float64 {
	if c != c || c < 0 { // NaN or negative
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
