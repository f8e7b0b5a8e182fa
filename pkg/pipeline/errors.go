// Package pipeline implements the delegated payments extraction and
// reconciliation pipeline: periodic FINEOS CSV extracts are staged into an
// archival area, validated and mapped into domain records, and every entity
// is tracked through its workflow with state logs. File processing is
// idempotent per date-group; a date-group commits or rolls back as a unit.
package pipeline

import "errors"

// Sentinel errors returned by the intake orchestrator and step engine.
// Callers check these with errors.Is.
var (
	// ErrConfigValidation indicates the supplied Options failed validation
	// before any processing began.
	ErrConfigValidation = errors.New("invalid pipeline configuration")

	// ErrMissingExtractFile indicates a date-group kept for processing is
	// missing at least one of its expected files. The message enumerates
	// every missing filename. A date-group is all-or-nothing; nothing is
	// copied for it.
	ErrMissingExtractFile = errors.New("extract date-group is missing expected files")

	// ErrDuplicateExtractFile indicates two distinct source files map to the
	// same destination filename within one date-group. The run aborts rather
	// than silently picking one.
	ErrDuplicateExtractFile = errors.New("duplicate extract files for one date-group")

	// ErrNoDateGroup indicates a filename carries no parseable
	// timestamp prefix.
	ErrNoDateGroup = errors.New("no date-group in filename")
)
