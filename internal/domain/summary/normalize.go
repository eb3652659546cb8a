package summary

import (
	"strings"

	"github.com/google/uuid"
)

// Kind selects the id namespace of an entity.
type Kind string

const (
	KindDiagnosis  Kind = "diagnoses"
	KindMedication Kind = "medications"
	KindLab        Kind = "labs"
	KindAlert      Kind = "alerts"
)

// UnmatchableName is what NormalizeName returns for names with no usable
// content. EntityID maps it to uuid.Nil, which no stored entity carries.
const UnmatchableName = "\x00"

var namespaces = map[Kind]uuid.UUID{
	KindDiagnosis:  uuid.NewSHA1(uuid.NameSpaceOID, []byte("patient-summary/diagnosis")),
	KindMedication: uuid.NewSHA1(uuid.NameSpaceOID, []byte("patient-summary/medication")),
	KindLab:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("patient-summary/lab")),
	KindAlert:      uuid.NewSHA1(uuid.NameSpaceOID, []byte("patient-summary/alert")),
}

// NormalizeName trims, lowercases and collapses internal whitespace. It is the
// only matching key used by merges and correction lookups.
func NormalizeName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return UnmatchableName
	}
	return strings.Join(fields, " ")
}

// EntityID derives the stable id of an entity from its name. The same
// normalized name always yields the same id, so independent merges that
// introduce the same entity agree on its identity.
func EntityID(kind Kind, name string) uuid.UUID {
	key := NormalizeName(name)
	ns, ok := namespaces[kind]
	if key == UnmatchableName || !ok {
		return uuid.Nil
	}
	return uuid.NewSHA1(ns, []byte(key))
}
