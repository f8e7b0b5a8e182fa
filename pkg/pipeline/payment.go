package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// Logical files of the payment extract. Rows across the three files join on
// the composite C/I index.
var (
	PaymentVpeiFile = ExtractFile{
		Name:         "vpei.csv",
		IndexKeys:    []string{"C", "I"},
		StagingTable: "fineos_extract_vpei",
	}
	PaymentDetailsFile = ExtractFile{
		Name:         "vpeipaymentdetails.csv",
		IndexKeys:    []string{"PECLASSID", "PEINDEXID"},
		StagingTable: "fineos_extract_vpei_payment_details",
	}
	PaymentClaimDetailsFile = ExtractFile{
		Name:         "vpeiclaimdetails.csv",
		IndexKeys:    []string{"PECLASSID", "PEINDEXID"},
		StagingTable: "fineos_extract_vpei_claim_details",
	}
)

// PaymentExtractFiles lists the files a complete payment date-group
// carries.
func PaymentExtractFiles() []ExtractFile {
	return []ExtractFile{PaymentVpeiFile, PaymentDetailsFile, PaymentClaimDetailsFile}
}

// PaymentExtractStep ingests the FINEOS payment extract: payment
// instructions joined to their period details and claim details by CI
// index, reconciled into Payment rows and tracked through the payment
// workflow.
type PaymentExtractStep struct {
	*BaseStep
	opts *Options
}

// NewPaymentExtractStep validates opts and builds the step.
func NewPaymentExtractStep(opts *Options) (*PaymentExtractStep, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Payment.ArchiveRoot == "" {
		return nil, fmt.Errorf("%w: payment archive root is required", ErrConfigValidation)
	}
	return &PaymentExtractStep{BaseStep: NewBaseStep(opts, "payment-extract"), opts: opts}, nil
}

// Name implements Step.
func (s *PaymentExtractStep) Name() string { return "payment-extract" }

// RunStep implements Step.
func (s *PaymentExtractStep) RunStep(ctx context.Context) error {
	if err := s.StageSourceFiles(ctx, s.opts.Payment); err != nil {
		return err
	}
	return s.ProcessDateGroups(ctx, s.opts.Payment, s.processGroup)
}

func (s *PaymentExtractStep) processGroup(ctx context.Context, tx *sql.Tx, data *ExtractData) error {
	vpei, ok := data.ExtractFor(PaymentVpeiFile.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingExtractFile, PaymentVpeiFile.Name)
	}
	details, ok := data.ExtractFor(PaymentDetailsFile.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingExtractFile, PaymentDetailsFile.Name)
	}
	claimDetails, ok := data.ExtractFor(PaymentClaimDetailsFile.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingExtractFile, PaymentClaimDetailsFile.Name)
	}

	ciIndexes := make([]string, 0, len(vpei.IndexedData))
	for ci := range vpei.IndexedData {
		ciIndexes = append(ciIndexes, ci)
	}
	sort.Strings(ciIndexes)

	for _, ci := range ciIndexes {
		if err := s.processPayment(ctx, tx, data, ci, vpei.IndexedData[ci], details, claimDetails); err != nil {
			return err
		}
	}
	return nil
}

// processPayment reconciles one payment instruction. Validation failures
// accumulate; the payment row is written either way so the error-report
// flow has an entity to point at.
func (s *PaymentExtractStep) processPayment(ctx context.Context, tx *sql.Tx, data *ExtractData, ci string, row map[string]string, details, claimDetails *Extract) error {
	container := NewValidationContainer(ci)

	claimRow, ok := claimDetails.IndexedData[ci]
	if !ok {
		container.AddValidationIssue(ReasonMissingDataset, fmt.Sprintf("vpeiclaimdetails: %s", ci))
	}
	detailRow, hasDetails := details.IndexedData[ci]
	if !hasDetails {
		container.AddValidationIssue(ReasonMissingDataset, fmt.Sprintf("vpeipaymentdetails: %s", ci))
	}

	var claim *store.Claim
	if ok {
		absenceCase := ValidateCSVField("ABSENCECASENU", claimRow, container, FieldSpec{Required: true})
		if absenceCase != "" {
			var err error
			claim, err = store.GetClaimByAbsenceID(ctx, tx, absenceCase)
			if err != nil {
				return err
			}
			if claim == nil {
				// The payment extract can arrive before the claimant
				// extract introduces the case. A stub claim anchors the
				// payment; the claimant pipeline fills it in later.
				claim = &store.Claim{FineosAbsenceID: absenceCase}
				if err := store.CreateClaim(ctx, tx, claim); err != nil {
					return err
				}
				s.Increment("claims_stubbed_for_payment")
			}
		}
	}
	if claim == nil {
		// Nothing to attach a payment to; the record is dropped with no
		// database trace beyond the staging rows.
		s.logger.Error("payment record has no resolvable claim, dropping", slog.String("ci_index", ci))
		s.Increment("payments_dropped")
		return nil
	}

	amount := decimal.Zero
	if v := ValidateCSVField("AMOUNT_MONAMT", row, container, FieldSpec{Required: true}); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("AMOUNT_MONAMT: %s", v))
		} else {
			amount = parsed
		}
	}

	payment, err := store.GetPaymentByCI(ctx, tx, row["C"], row["I"])
	if err != nil {
		return err
	}
	if payment == nil {
		payment = &store.Payment{FineosPeiCValue: row["C"], FineosPeiIValue: row["I"]}
	}
	payment.ClaimID = claim.ClaimID
	payment.Amount = amount

	if v := ValidateCSVField("PAYMENTDATE", row, container, FieldSpec{Required: true}); v != "" {
		if t, err := parseExtractDate(v); err != nil {
			container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("PAYMENTDATE: %s", v))
		} else {
			payment.PaymentDate = &t
		}
	}
	if hasDetails {
		if v := ValidateCSVField("PAYMENTSTARTP", detailRow, container, FieldSpec{Required: true}); v != "" {
			if t, err := parseExtractDate(v); err != nil {
				container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("PAYMENTSTARTP: %s", v))
			} else {
				payment.PeriodStartDate = &t
			}
		}
		if v := ValidateCSVField("PAYMENTENDPER", detailRow, container, FieldSpec{Required: true}); v != "" {
			if t, err := parseExtractDate(v); err != nil {
				container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("PAYMENTENDPER: %s", v))
			} else {
				payment.PeriodEndDate = &t
			}
		}
	}
	if groupTime, err := ParseDateGroup(data.DateGroup); err == nil {
		payment.FineosExtractionDate = &groupTime
	}

	if payment.PaymentID == uuid.Nil {
		if err := store.CreatePayment(ctx, tx, payment); err != nil {
			return err
		}
		s.Increment("payments_created")
	} else {
		if err := store.UpdatePayment(ctx, tx, payment); err != nil {
			return err
		}
		s.Increment("payments_updated")
	}

	endState := statelog.StatePaymentExtractedFromFineos
	message := "Payment extracted from FINEOS"
	if container.HasValidationIssues() {
		endState = statelog.StatePaymentAddToErrorReport
		message = "Payment extract record raised validation issues"
		s.Increment("payments_with_validation_issues")
	} else {
		s.Increment("payments_processed_clean")
	}
	_, err = s.stateLog.CreateFinishedStateLog(ctx, tx,
		statelog.ForPayment(payment.PaymentID),
		endState,
		BuildOutcome(message, container),
		statelog.WithImportLogID(s.ImportLogID()))
	return err
}
