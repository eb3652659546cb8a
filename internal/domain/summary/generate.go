package summary

import (
	"fmt"
	"math"
	"strings"
)

// GenerateAISummary derives the free-text summary from the visible, active
// diagnoses and medications. Output depends only on s.
func GenerateAISummary(s *PatientSummary) AISummary {
	var diagnoses, medications []string
	var confTotal float64
	var confN int

	for _, d := range s.Diagnoses {
		if d.HiddenByUser || d.Status != StatusActive {
			continue
		}
		diagnoses = append(diagnoses, d.Name)
		confTotal += maxConfidence(d.SourceDocs)
		confN++
	}
	for _, m := range s.Medications {
		if m.HiddenByUser || m.Status != StatusActive {
			continue
		}
		label := m.Name
		if dosing := strings.TrimSpace(m.Dose + " " + m.Frequency); dosing != "" {
			label += " " + dosing
		}
		medications = append(medications, label)
		confTotal += maxConfidence(m.SourceDocs)
		confN++
	}

	out := AISummary{}
	if confN > 0 {
		out.Confidence = math.Round(confTotal/float64(confN)*100) / 100
	}

	var parts []string
	if len(diagnoses) > 0 {
		parts = append(parts, "Active diagnoses: "+strings.Join(diagnoses, ", "))
	}
	if len(medications) > 0 {
		parts = append(parts, "Current medications: "+strings.Join(medications, ", "))
	}
	if len(parts) == 0 {
		out.OneLine = "No active diagnoses or medications on record."
	} else {
		out.OneLine = strings.Join(parts, "; ") + "."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary based on %d document(s). ", s.Sources.DocumentCount)
	b.WriteString(out.OneLine)
	if labs := latestLabsText(s.Labs.Latest); labs != "" {
		b.WriteString(" Latest labs: " + labs + ".")
	}
	if len(s.Alerts) > 0 {
		msgs := make([]string, 0, len(s.Alerts))
		for _, a := range s.Alerts {
			msgs = append(msgs, a.Message)
		}
		b.WriteString(" Alerts: " + strings.Join(msgs, "; ") + ".")
	}
	out.Paragraph = b.String()
	return out
}

func latestLabsText(labs []LabResult) string {
	items := make([]string, 0, len(labs))
	for _, l := range labs {
		item := fmt.Sprintf("%s %s%s", l.Name, l.Value, l.Unit)
		if l.Flag != "" {
			item += " (" + l.Flag + ")"
		}
		items = append(items, item)
	}
	return strings.Join(items, ", ")
}

func maxConfidence(docs []SourceDoc) float64 {
	var best float64
	for _, d := range docs {
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}
