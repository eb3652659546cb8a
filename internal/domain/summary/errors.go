package summary

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a patient has no summary yet.
	ErrNotFound = errors.New("summary not found")
	// ErrDocumentNotFound is returned when a processed document cannot be found.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrVersionConflict is returned by a conditional write whose expected
	// version no longer matches the stored one.
	ErrVersionConflict = errors.New("summary version conflict")
	// ErrRetriesExhausted is returned when a merge kept losing write races.
	// Callers should try again later.
	ErrRetriesExhausted = errors.New("summary update retries exhausted, try again")
	// ErrInvalidCorrection marks a rejected correction submission.
	ErrInvalidCorrection = errors.New("invalid correction")
	// ErrInvalidSummary marks a summary that breaks its schema invariants.
	ErrInvalidSummary = errors.New("invalid summary")
	// ErrInvalidRequest marks a malformed trigger payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnextractable marks a document whose entities cannot be obtained:
	// no content to extract from, or stored or extracted output that does
	// not decode.
	ErrUnextractable = errors.New("document entities cannot be extracted")
)

// ValidationError describes which field failed and why.
type ValidationError struct {
	Field   string
	Message string
	kind    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.kind, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.kind }

func correctionError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), kind: ErrInvalidCorrection}
}

func summaryError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), kind: ErrInvalidSummary}
}

func requestError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), kind: ErrInvalidRequest}
}

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidCorrection) || errors.Is(err, ErrInvalidRequest)
}

// IsPermanent reports whether retrying the same trigger cannot succeed.
func IsPermanent(err error) bool {
	return IsValidation(err) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrInvalidSummary) ||
		errors.Is(err, ErrUnextractable)
}
