package services

import (
	"context"
	"errors"
	"fmt"

	"trial-sync/providers"
)

// ValidationError reports a raw document that cannot be converted.
type ValidationError struct {
	NCTID  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.NCTID == "" {
		return fmt.Sprintf("invalid document: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid document %s: %s %s", e.NCTID, e.Field, e.Reason)
}

// RecordError is a per-record failure that was stored on the study and skipped. The batch
// continues with the next record.
type RecordError struct {
	StudyID uint
	NCTID   string
	Stage   string
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s (study %d): %v", e.Stage, e.NCTID, e.StudyID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// isFatal reports whether err must abort the current batch instead of being recorded on the
// study: cancellation, or an outbound call that could not succeed.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, providers.ErrNotFound) ||
		errors.Is(err, providers.ErrRateLimited) ||
		errors.Is(err, providers.ErrServer) ||
		errors.Is(err, providers.ErrUnavailable)
}
