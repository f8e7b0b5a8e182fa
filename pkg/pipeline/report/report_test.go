package report_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/report"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

type sentMail struct {
	recipient string
	subject   string
	filename  string
	body      []byte
}

type fakeMailer struct {
	fail bool
	sent []sentMail
}

func (m *fakeMailer) Send(ctx context.Context, recipient, subject, filename string, body []byte) error {
	if m.fail {
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, sentMail{recipient: recipient, subject: subject, filename: filename, body: body})
	return nil
}

func newGenerator(t *testing.T, mailer report.Mailer) (*report.Generator, *pipeline.Options) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err, "open test database")
	t.Cleanup(func() { db.Close() })
	registry, err := statelog.NewRegistry()
	require.NoError(t, err, "build state registry")
	handler := slog.NewTextHandler(io.Discard, nil)
	opts := &pipeline.Options{
		DB:                   db,
		Blob:                 blob.NewLocalStore(),
		StateLog:             statelog.NewEngine(registry, handler),
		Logger:               handler,
		ErrorReportsRoot:     filepath.ToSlash(t.TempDir()),
		ErrorReportRecipient: "pfml-errors@example.com",
	}
	gen, err := report.NewGenerator(opts, mailer)
	require.NoError(t, err, "build generator")
	gen.SetClock(func() time.Time {
		return time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)
	})
	return gen, opts
}

// parkEmployeeInErrorState ends an employee in the claimant error state with
// the given outcome payload.
func parkEmployeeInErrorState(t *testing.T, opts *pipeline.Options, taxID string, container *pipeline.ValidationContainer) *store.Employee {
	t.Helper()
	ctx := context.Background()
	e := &store.Employee{TaxIdentifier: taxID, FirstName: "Pat", LastName: "Doe"}
	require.NoError(t, store.CreateEmployee(ctx, opts.DB, e))
	_, err := opts.StateLog.CreateFinishedStateLog(ctx, opts.DB,
		statelog.ForEmployee(e.EmployeeID),
		statelog.StateClaimantAddToErrorReport,
		pipeline.BuildOutcome("Claimant extract record raised validation issues", container))
	require.NoError(t, err)
	return e
}

func readReportCSV(t *testing.T, body []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err, "report body is valid CSV")
	return rows
}

func TestGenerateErrorReportsNothingParked(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{}
	gen, opts := newGenerator(t, mailer)

	require.NoError(t, gen.GenerateErrorReports(ctx))
	assert.Empty(t, mailer.sent, "no report is dispatched when nothing is parked")

	reports, err := opts.Blob.List(ctx, opts.ErrorReportsRoot)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestGenerateErrorReportsMailsAndAdvances(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{}
	gen, opts := newGenerator(t, mailer)

	container := pipeline.NewValidationContainer("NTN-1234-ABS-01")
	container.AddValidationIssue(pipeline.ReasonMissingField, "NOTIFICATION_CASENUMBER")
	container.AddValidationIssue(pipeline.ReasonFieldTooShort, "POSTCODE: 018")
	e := parkEmployeeInErrorState(t, opts, "900990000", container)

	require.NoError(t, gen.GenerateErrorReports(ctx))

	require.Len(t, mailer.sent, 1, "one claimant report mailed")
	mail := mailer.sent[0]
	assert.Equal(t, "pfml-errors@example.com", mail.recipient)
	assert.Equal(t, "PFML claimant-extract-error-report", mail.subject)
	assert.Equal(t, "2021-02-01-00-00-00-claimant-extract-error-report.csv", mail.filename)

	rows := readReportCSV(t, mail.body)
	require.Len(t, rows, 3, "header plus one row per issue")
	assert.Equal(t, []string{"record_key", "reason", "details", "entity_type", "entity_id", "ended_at"}, rows[0])
	assert.Equal(t, "NTN-1234-ABS-01", rows[1][0])
	assert.Equal(t, "MISSING_FIELD", rows[1][1])
	assert.Equal(t, "NOTIFICATION_CASENUMBER", rows[1][2])
	assert.Equal(t, "employee", rows[1][3])
	assert.Equal(t, e.EmployeeID.String(), rows[1][4])
	assert.Equal(t, "FIELD_TOO_SHORT", rows[2][1])

	reports, err := opts.Blob.List(ctx, opts.ErrorReportsRoot)
	require.NoError(t, err)
	assert.Empty(t, reports, "successful mail means no blob fallback")

	// Reported records moved on: the error state is drained, the sent state
	// holds them.
	parked, err := opts.StateLog.GetAllLatestStateLogsInEndState(ctx, opts.DB,
		statelog.AssociatedEmployee, statelog.StateClaimantAddToErrorReport)
	require.NoError(t, err)
	assert.Empty(t, parked)
	sent, err := opts.StateLog.GetAllLatestStateLogsInEndState(ctx, opts.DB,
		statelog.AssociatedEmployee, statelog.StateClaimantErrorReportSent)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	// The next run has nothing to do.
	require.NoError(t, gen.GenerateErrorReports(ctx))
	assert.Len(t, mailer.sent, 1, "no second report for already-reported records")
}

func TestGenerateErrorReportsBlobFallbackWithoutMailer(t *testing.T) {
	ctx := context.Background()
	gen, opts := newGenerator(t, nil)

	// One flagged record and one parked with a bare message.
	container := pipeline.NewValidationContainer("NTN-1234-ABS-01")
	container.AddValidationIssue(pipeline.ReasonInvalidValue, "PAYMENTMETHOD: Debit")
	parkEmployeeInErrorState(t, opts, "900990000", container)
	parkEmployeeInErrorState(t, opts, "900990001", nil)

	require.NoError(t, gen.GenerateErrorReports(ctx))

	location := pipeline.JoinPath(opts.ErrorReportsRoot,
		"2021-02-01-00-00-00-claimant-extract-error-report.csv")
	body, err := opts.Blob.Download(ctx, location)
	require.NoError(t, err, "report uploaded to the fallback location")

	rows := readReportCSV(t, body)
	require.Len(t, rows, 3, "header, one issue row, one message-only row")
	byKey := make(map[string][]string)
	for _, row := range rows[1:] {
		byKey[row[0]] = row
	}
	assert.Equal(t, "INVALID_VALUE", byKey["NTN-1234-ABS-01"][1])
	messageRow, ok := byKey[""]
	require.True(t, ok, "issue-free outcome still gets a row")
	assert.Equal(t, "Claimant extract record raised validation issues", messageRow[2])

	parked, err := opts.StateLog.GetAllLatestStateLogsInEndState(ctx, opts.DB,
		statelog.AssociatedEmployee, statelog.StateClaimantAddToErrorReport)
	require.NoError(t, err)
	assert.Empty(t, parked, "fallback dispatch still advances the records")
}

func TestGenerateErrorReportsMailerFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{fail: true}
	gen, opts := newGenerator(t, mailer)

	container := pipeline.NewValidationContainer("NTN-1234-ABS-01")
	container.AddValidationIssue(pipeline.ReasonMissingField, "NATINSNO")
	parkEmployeeInErrorState(t, opts, "900990000", container)

	require.NoError(t, gen.GenerateErrorReports(ctx), "a failed send is not fatal")

	reports, err := opts.Blob.List(ctx, opts.ErrorReportsRoot)
	require.NoError(t, err)
	require.Len(t, reports, 1, "the CSV lands on the blob store instead")

	sent, err := opts.StateLog.GetAllLatestStateLogsInEndState(ctx, opts.DB,
		statelog.AssociatedEmployee, statelog.StateClaimantErrorReportSent)
	require.NoError(t, err)
	assert.Len(t, sent, 1, "records move to sent on the fallback path too")
}
