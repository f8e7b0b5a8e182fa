// Package report turns records parked in error end states into CSV error
// reports and dispatches them, with the blob store as the fallback channel
// when dispatch fails.
package report

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"time"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// Mailer delivers a generated report. Transport is out of scope here; the
// CLI wires a concrete implementation or none at all.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, filename string, body []byte) error
}

// Definition describes one report: which parked records it collects and
// where they move once reported.
type Definition struct {
	Name           string
	AssociatedType statelog.AssociatedType
	ErrorState     statelog.State
	SentState      statelog.State
}

// Definitions returns the reports the pipeline generates.
func Definitions() []Definition {
	return []Definition{
		{
			Name:           "claimant-extract-error-report",
			AssociatedType: statelog.AssociatedEmployee,
			ErrorState:     statelog.StateClaimantAddToErrorReport,
			SentState:      statelog.StateClaimantErrorReportSent,
		},
		{
			Name:           "payment-extract-error-report",
			AssociatedType: statelog.AssociatedPayment,
			ErrorState:     statelog.StatePaymentAddToErrorReport,
			SentState:      statelog.StatePaymentErrorReportSent,
		},
	}
}

var reportHeader = []string{"record_key", "reason", "details", "entity_type", "entity_id", "ended_at"}

// Generator builds and dispatches error reports.
type Generator struct {
	db       *sql.DB
	blob     blob.Store
	stateLog *statelog.Engine
	mailer   Mailer
	logger   *slog.Logger

	reportsRoot string
	recipient   string
	now         func() time.Time
}

// NewGenerator validates opts and builds a generator. mailer may be nil, in
// which case every report goes straight to the blob store fallback.
func NewGenerator(opts *pipeline.Options, mailer Mailer) (*Generator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.ErrorReportsRoot == "" {
		return nil, fmt.Errorf("%w: error reports root is required", pipeline.ErrConfigValidation)
	}
	return &Generator{
		db:          opts.DB,
		blob:        opts.Blob,
		stateLog:    opts.StateLog,
		mailer:      mailer,
		logger:      slog.New(opts.Logger).With(slog.String("component", "error-report")),
		reportsRoot: opts.ErrorReportsRoot,
		recipient:   opts.ErrorReportRecipient,
		now:         time.Now,
	}, nil
}

// SetClock overrides the generator's time source. Tests only.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// GenerateErrorReports runs every report definition. Each report collects
// the records currently parked in its error end state, emits one CSV row
// per validation issue, dispatches the CSV, and moves the reported records
// to the sent state so the next run starts empty.
func (g *Generator) GenerateErrorReports(ctx context.Context) error {
	for _, def := range Definitions() {
		if err := g.generate(ctx, def); err != nil {
			return fmt.Errorf("%s: %w", def.Name, err)
		}
	}
	return nil
}

func (g *Generator) generate(ctx context.Context, def Definition) error {
	return store.InTx(ctx, g.db, func(tx *sql.Tx) error {
		logs, err := g.stateLog.GetAllLatestStateLogsInEndState(ctx, tx, def.AssociatedType, def.ErrorState)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			g.logger.Info("no records to report", slog.String("report", def.Name))
			return nil
		}

		body, err := buildCSV(logs)
		if err != nil {
			return err
		}
		filename := fmt.Sprintf("%s-%s.csv", g.now().UTC().Format("2006-01-02-15-04-05"), def.Name)
		if err := g.dispatch(ctx, def, filename, body); err != nil {
			return err
		}

		for _, l := range logs {
			_, err := g.stateLog.CreateFinishedStateLog(ctx, tx, l.Associated, def.SentState,
				pipeline.BuildOutcome("Error report sent", nil))
			if err != nil {
				return err
			}
		}
		g.logger.Info("error report generated",
			slog.String("report", def.Name),
			slog.Int("records", len(logs)))
		return nil
	})
}

// dispatch sends the report, falling back to a blob store upload when the
// mailer is absent or fails. The fallback counts as success so the records
// still move to the sent state; the CSV is on the blob store either way.
func (g *Generator) dispatch(ctx context.Context, def Definition, filename string, body []byte) error {
	location := pipeline.JoinPath(g.reportsRoot, filename)
	if g.mailer != nil {
		subject := fmt.Sprintf("PFML %s", def.Name)
		err := g.mailer.Send(ctx, g.recipient, subject, filename, body)
		if err == nil {
			return nil
		}
		g.logger.Error("report dispatch failed, falling back to blob store",
			slog.String("report", def.Name),
			slog.Any("error", err))
	}
	return g.blob.Upload(ctx, location, body)
}

// buildCSV flattens parked state logs into report rows. A record whose
// outcome carries no issues still gets one row so it is visible on the
// report.
func buildCSV(logs []*statelog.StateLog) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportHeader); err != nil {
		return nil, err
	}
	for _, l := range logs {
		outcome, err := pipeline.ParseOutcome(l.Outcome)
		if err != nil {
			return nil, fmt.Errorf("state log %s: %w", l.StateLogID, err)
		}
		endedAt := l.EndedAt.UTC().Format(time.RFC3339)
		if outcome.ValidationContainer == nil || !outcome.ValidationContainer.HasValidationIssues() {
			row := []string{"", "", outcome.Message, string(l.Associated.Type), l.Associated.ID.String(), endedAt}
			if err := w.Write(row); err != nil {
				return nil, err
			}
			continue
		}
		for _, issue := range outcome.ValidationContainer.Issues {
			row := []string{
				outcome.ValidationContainer.RecordKey,
				string(issue.Reason),
				issue.Details,
				string(l.Associated.Type),
				l.Associated.ID.String(),
				endedAt,
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
