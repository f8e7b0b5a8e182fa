package pipeline

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
)

// Options carries every dependency and setting the pipeline steps need.
// Construct it in the CLI shell (or directly in tests) and validate before
// use.
type Options struct {
	// DB is the pipeline database.
	DB *sql.DB

	// Blob is the file transport the archive areas live on.
	Blob blob.Store

	// StateLog is the workflow engine, built over an immutable registry.
	StateLog *statelog.Engine

	// Logger is the slog handler every component derives its logger from.
	Logger slog.Handler

	// Claimant configures the claimant extract pipeline's intake.
	Claimant IntakeConfig

	// Payment configures the payment extract pipeline's intake.
	Payment IntakeConfig

	// ErrorReportsRoot is where generated error report CSVs are written
	// when mail dispatch fails.
	ErrorReportsRoot string

	// ErrorReportRecipient receives generated error reports.
	ErrorReportRecipient string
}

// Validate checks that required dependencies are present.
func (o *Options) Validate() error {
	if o.DB == nil {
		return fmt.Errorf("%w: DB is required", ErrConfigValidation)
	}
	if o.Blob == nil {
		return fmt.Errorf("%w: Blob store is required", ErrConfigValidation)
	}
	if o.StateLog == nil {
		return fmt.Errorf("%w: StateLog engine is required", ErrConfigValidation)
	}
	if o.Logger == nil {
		return fmt.Errorf("%w: Logger handler is required", ErrConfigValidation)
	}
	return nil
}
