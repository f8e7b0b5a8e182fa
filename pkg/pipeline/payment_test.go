package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

const (
	vpeiHeader         = "C,I,AMOUNT_MONAMT,PAYMENTDATE"
	paymentDetailsHdr  = "PECLASSID,PEINDEXID,PAYMENTSTARTP,PAYMENTENDPER"
	claimDetailsHeader = "PECLASSID,PEINDEXID,ABSENCECASENU"
)

func newPaymentStep(t *testing.T) (*pipeline.PaymentExtractStep, *pipeline.Options) {
	t.Helper()
	registry, err := statelog.NewRegistry()
	require.NoError(t, err, "build state registry")
	handler := discardHandler()
	opts := &pipeline.Options{
		DB:       openIntakeDB(t),
		Blob:     blob.NewLocalStore(),
		StateLog: statelog.NewEngine(registry, handler),
		Logger:   handler,
		Payment: pipeline.IntakeConfig{
			SourcePrefix: t.TempDir(),
			ArchiveRoot:  t.TempDir(),
			Type:         store.ReferenceFileTypeFineosPaymentExtract,
			Files:        pipeline.PaymentExtractFiles(),
		},
	}
	step, err := pipeline.NewPaymentExtractStep(opts)
	require.NoError(t, err, "build payment step")
	return step, opts
}

// stagePaymentGroup plants one payment date-group in the received area.
func stagePaymentGroup(t *testing.T, opts *pipeline.Options, group, vpei, details, claimDetails string) {
	t.Helper()
	ctx := context.Background()
	cfg := opts.Payment
	for name, body := range map[string]string{
		pipeline.PaymentVpeiFile.Name:         vpei,
		pipeline.PaymentDetailsFile.Name:      details,
		pipeline.PaymentClaimDetailsFile.Name: claimDetails,
	} {
		loc := pipeline.ReceivedPath(cfg.ArchiveRoot, group, group+"-"+name)
		require.NoError(t, opts.Blob.Upload(ctx, loc, []byte(body)))
	}
}

func seedTestClaim(t *testing.T, opts *pipeline.Options, absenceID string) *store.Claim {
	t.Helper()
	c := &store.Claim{FineosAbsenceID: absenceID, ClaimTypeID: store.ClaimTypeMedicalLeave.ClaimTypeID}
	require.NoError(t, store.CreateClaim(context.Background(), opts.DB, c))
	return c
}

func TestPaymentExtractCleanRecord(t *testing.T) {
	ctx := context.Background()
	step, opts := newPaymentStep(t)
	claim := seedTestClaim(t, opts, "NTN-1234-ABS-01")

	stagePaymentGroup(t, opts, "2021-01-15-12-00-00",
		vpeiHeader+"\n7326,249,750.67,2021-01-15 12:00:00\n",
		paymentDetailsHdr+"\n7326,249,2021-01-01 00:00:00,2021-01-07 00:00:00\n",
		claimDetailsHeader+"\n7326,249,NTN-1234-ABS-01\n")

	require.NoError(t, step.Run(ctx, step))

	payment, err := store.GetPaymentByCI(ctx, opts.DB, "7326", "249")
	require.NoError(t, err)
	require.NotNil(t, payment, "payment created from the vpei row")
	assert.Equal(t, claim.ClaimID, payment.ClaimID)
	assert.True(t, payment.Amount.Equal(decimal.RequireFromString("750.67")),
		"amount survives exactly, got %s", payment.Amount)
	require.NotNil(t, payment.PaymentDate)
	require.NotNil(t, payment.PeriodStartDate)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), payment.PeriodStartDate.UTC())
	require.NotNil(t, payment.FineosExtractionDate)
	assert.Equal(t, time.Date(2021, 1, 15, 12, 0, 0, 0, time.UTC), payment.FineosExtractionDate.UTC())

	log, err := opts.StateLog.GetLatestStateLogInEndState(ctx, opts.DB,
		statelog.ForPayment(payment.PaymentID), statelog.StatePaymentExtractedFromFineos)
	require.NoError(t, err)
	require.NotNil(t, log, "clean payment lands in the extracted state")
	outcome, err := pipeline.ParseOutcome(log.Outcome)
	require.NoError(t, err)
	assert.Equal(t, "Payment extracted from FINEOS", outcome.Message)
	assert.Nil(t, outcome.ValidationContainer)

	counters := step.Counters()
	assert.Equal(t, 1, counters["payments_created"])
	assert.Equal(t, 1, counters["payments_processed_clean"])
	assert.Zero(t, counters["claims_stubbed_for_payment"])
}

func TestPaymentExtractMissingDatasetsDropped(t *testing.T) {
	ctx := context.Background()
	step, opts := newPaymentStep(t)

	// The CI index appears in vpei only; with no claim details there is no
	// claim to attach to and the record is dropped.
	stagePaymentGroup(t, opts, "2021-01-15-12-00-00",
		vpeiHeader+"\n7326,249,750.67,2021-01-15 12:00:00\n",
		paymentDetailsHdr+"\n",
		claimDetailsHeader+"\n")

	require.NoError(t, step.Run(ctx, step), "a dropped payment does not fail the group")

	payment, err := store.GetPaymentByCI(ctx, opts.DB, "7326", "249")
	require.NoError(t, err)
	assert.Nil(t, payment, "no payment row for an unattachable record")
	counts, err := opts.StateLog.GetStateCounts(ctx, opts.DB)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Equal(t, 1, step.Counters()["payments_dropped"])
}

func TestPaymentExtractStubsUnknownClaim(t *testing.T) {
	ctx := context.Background()
	step, opts := newPaymentStep(t)

	// The payment extract can arrive before the claimant extract introduces
	// the absence case.
	stagePaymentGroup(t, opts, "2021-01-15-12-00-00",
		vpeiHeader+"\n7326,249,750.67,2021-01-15 12:00:00\n",
		paymentDetailsHdr+"\n7326,249,2021-01-01 00:00:00,2021-01-07 00:00:00\n",
		claimDetailsHeader+"\n7326,249,NTN-9999-ABS-01\n")

	require.NoError(t, step.Run(ctx, step))

	claim, err := store.GetClaimByAbsenceID(ctx, opts.DB, "NTN-9999-ABS-01")
	require.NoError(t, err)
	require.NotNil(t, claim, "a stub claim anchors the payment")
	assert.Equal(t, uuid.Nil, claim.EmployeeID, "stub carries no employee yet")
	assert.Zero(t, claim.ClaimTypeID)

	payment, err := store.GetPaymentByCI(ctx, opts.DB, "7326", "249")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, claim.ClaimID, payment.ClaimID)
	assert.Equal(t, 1, step.Counters()["claims_stubbed_for_payment"])
}

func TestPaymentExtractValidationIssues(t *testing.T) {
	ctx := context.Background()
	step, opts := newPaymentStep(t)
	seedTestClaim(t, opts, "NTN-1234-ABS-01")

	// Unparseable amount and a missing payment-details row.
	stagePaymentGroup(t, opts, "2021-01-15-12-00-00",
		vpeiHeader+"\n7326,249,75x.67,2021-01-15 12:00:00\n",
		paymentDetailsHdr+"\n",
		claimDetailsHeader+"\n7326,249,NTN-1234-ABS-01\n")

	require.NoError(t, step.Run(ctx, step))

	payment, err := store.GetPaymentByCI(ctx, opts.DB, "7326", "249")
	require.NoError(t, err)
	require.NotNil(t, payment, "flagged payments still persist")
	assert.True(t, payment.Amount.IsZero(), "unparseable amount stays zero")

	log, err := opts.StateLog.GetLatestStateLogInEndState(ctx, opts.DB,
		statelog.ForPayment(payment.PaymentID), statelog.StatePaymentAddToErrorReport)
	require.NoError(t, err)
	require.NotNil(t, log, "flagged payment routed to the error report state")
	outcome, err := pipeline.ParseOutcome(log.Outcome)
	require.NoError(t, err)
	require.NotNil(t, outcome.ValidationContainer)
	assert.Equal(t, "7326,249", outcome.ValidationContainer.RecordKey)
	reasons := make(map[pipeline.ValidationReason]string)
	for _, issue := range outcome.ValidationContainer.Issues {
		reasons[issue.Reason] = issue.Details
	}
	assert.Equal(t, "AMOUNT_MONAMT: 75x.67", reasons[pipeline.ReasonInvalidValue])
	assert.Equal(t, "vpeipaymentdetails: 7326,249", reasons[pipeline.ReasonMissingDataset])
	assert.Equal(t, 1, step.Counters()["payments_with_validation_issues"])
}

func TestPaymentExtractReExtractUpdates(t *testing.T) {
	ctx := context.Background()
	step, opts := newPaymentStep(t)
	seedTestClaim(t, opts, "NTN-1234-ABS-01")

	stagePaymentGroup(t, opts, "2021-01-15-12-00-00",
		vpeiHeader+"\n7326,249,750.67,2021-01-15 12:00:00\n",
		paymentDetailsHdr+"\n7326,249,2021-01-01 00:00:00,2021-01-07 00:00:00\n",
		claimDetailsHeader+"\n7326,249,NTN-1234-ABS-01\n")
	require.NoError(t, step.Run(ctx, step))

	second, err := pipeline.NewPaymentExtractStep(opts)
	require.NoError(t, err)
	stagePaymentGroup(t, opts, "2021-01-16-12-00-00",
		vpeiHeader+"\n7326,249,801.25,2021-01-16 12:00:00\n",
		paymentDetailsHdr+"\n7326,249,2021-01-01 00:00:00,2021-01-07 00:00:00\n",
		claimDetailsHeader+"\n7326,249,NTN-1234-ABS-01\n")
	require.NoError(t, second.Run(ctx, second))

	payment, err := store.GetPaymentByCI(ctx, opts.DB, "7326", "249")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.True(t, payment.Amount.Equal(decimal.RequireFromString("801.25")),
		"re-extract overwrites the amount")
	require.NotNil(t, payment.FineosExtractionDate)
	assert.Equal(t, time.Date(2021, 1, 16, 12, 0, 0, 0, time.UTC), payment.FineosExtractionDate.UTC())

	counters := second.Counters()
	assert.Equal(t, 1, counters["payments_updated"])
	assert.Zero(t, counters["payments_created"])
}

func TestPaymentExtractStagesSourceFiles(t *testing.T) {
	ctx := context.Background()
	step, opts := newPaymentStep(t)
	claim := seedTestClaim(t, opts, "NTN-1234-ABS-01")

	cfg := opts.Payment
	group := "2021-01-15-12-00-00"
	for name, body := range map[string]string{
		pipeline.PaymentVpeiFile.Name:         vpeiHeader + "\n7326,249,750.67,2021-01-15 12:00:00\n",
		pipeline.PaymentDetailsFile.Name:      paymentDetailsHdr + "\n7326,249,2021-01-01 00:00:00,2021-01-07 00:00:00\n",
		pipeline.PaymentClaimDetailsFile.Name: claimDetailsHeader + "\n7326,249,NTN-1234-ABS-01\n",
	} {
		loc := pipeline.JoinPath(cfg.SourcePrefix, group+"-"+name)
		require.NoError(t, opts.Blob.Upload(ctx, loc, []byte(body)))
	}

	require.NoError(t, step.Run(ctx, step))

	payment, err := store.GetPaymentByCI(ctx, opts.DB, "7326", "249")
	require.NoError(t, err)
	require.NotNil(t, payment, "dropped files are staged and transformed in one run")
	assert.Equal(t, claim.ClaimID, payment.ClaimID)

	counters := step.Counters()
	assert.Equal(t, 3, counters["extract_files_staged"])
	assert.Equal(t, 1, counters["date_groups_processed"])

	ok, err := opts.Blob.Exists(ctx,
		pipeline.ProcessedPath(cfg.ArchiveRoot, cfg.Type, group, group+"-"+pipeline.PaymentVpeiFile.Name))
	require.NoError(t, err)
	assert.True(t, ok, "staged file archived under processed")
}
