package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// Logical files of the claimant extract.
var (
	ClaimantRequestedAbsenceFile = ExtractFile{
		Name:         "VBI_REQUESTEDABSENCE_SOM.csv",
		IndexKeys:    []string{"ABSENCE_CASENUMBER"},
		StagingTable: "fineos_extract_vbi_requested_absence_som",
	}
	ClaimantEmployeeFeedFile = ExtractFile{
		Name:         "Employee_feed.csv",
		IndexKeys:    []string{"CUSTOMERNO"},
		FilterColumn: "DEFPAYMENTPREF",
		FilterValue:  "Y",
		StagingTable: "fineos_extract_employee_feed",
	}
)

// ClaimantExtractFiles lists the files a complete claimant date-group
// carries.
func ClaimantExtractFiles() []ExtractFile {
	return []ExtractFile{ClaimantRequestedAbsenceFile, ClaimantEmployeeFeedFile}
}

// ClaimantExtractStep ingests the FINEOS claimant extract: requested
// absence cases joined to the employee feed, reconciled into claims,
// employees, addresses and EFT records, with every employee transitioned
// through the claimant workflow.
type ClaimantExtractStep struct {
	*BaseStep
	opts *Options
}

// NewClaimantExtractStep validates opts and builds the step.
func NewClaimantExtractStep(opts *Options) (*ClaimantExtractStep, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Claimant.ArchiveRoot == "" {
		return nil, fmt.Errorf("%w: claimant archive root is required", ErrConfigValidation)
	}
	return &ClaimantExtractStep{BaseStep: NewBaseStep(opts, "claimant-extract"), opts: opts}, nil
}

// Name implements Step.
func (s *ClaimantExtractStep) Name() string { return "claimant-extract" }

// RunStep implements Step.
func (s *ClaimantExtractStep) RunStep(ctx context.Context) error {
	if err := s.StageSourceFiles(ctx, s.opts.Claimant); err != nil {
		return err
	}
	return s.ProcessDateGroups(ctx, s.opts.Claimant, s.processGroup)
}

// recordResult is what processing one requested-absence record decided.
// Exactly one of Skipped or Employee is meaningful: a skipped record leaves
// no database trace at all, unlike a validated-but-flagged record.
type recordResult struct {
	Employee  *store.Employee
	Container *ValidationContainer
	Skipped   bool
	SkipLog   string
}

// processGroup transforms one date-group of the claimant extract inside its
// transaction.
func (s *ClaimantExtractStep) processGroup(ctx context.Context, tx *sql.Tx, data *ExtractData) error {
	requested, ok := data.ExtractFor(ClaimantRequestedAbsenceFile.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingExtractFile, ClaimantRequestedAbsenceFile.Name)
	}
	employeeFeed, ok := data.ExtractFor(ClaimantEmployeeFeedFile.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingExtractFile, ClaimantEmployeeFeedFile.Name)
	}

	// Deterministic record order: claims before employees before EFT before
	// state logs is a correctness requirement within each record; sorted
	// keys make runs reproducible across records too.
	caseNumbers := make([]string, 0, len(requested.IndexedData))
	for caseNumber := range requested.IndexedData {
		caseNumbers = append(caseNumbers, caseNumber)
	}
	sort.Strings(caseNumbers)

	for _, caseNumber := range caseNumbers {
		row := requested.IndexedData[caseNumber]
		result, err := s.processRecord(ctx, tx, data, caseNumber, row, employeeFeed)
		if err != nil {
			return err
		}
		if result.Skipped {
			// No state log and no partial write for this record; the rest
			// of the group proceeds.
			s.logger.Error("record dropped without database trace",
				slog.String("absence_case_number", caseNumber),
				slog.String("reason", result.SkipLog))
			s.Increment("records_dropped")
			continue
		}
		if err := s.finishRecord(ctx, tx, data, result); err != nil {
			return err
		}
	}
	return nil
}

// processRecord runs the create-or-update reconciliation for one requested
// absence case. Field-level failures accumulate in the container and do not
// stop the rest of the record. A record whose employee cannot be resolved
// at all is returned as Skipped: there is nothing to hang a state log on.
func (s *ClaimantExtractStep) processRecord(ctx context.Context, tx *sql.Tx, data *ExtractData, caseNumber string, row map[string]string, employeeFeed *Extract) (*recordResult, error) {
	container := NewValidationContainer(caseNumber)

	claim, err := s.buildClaim(ctx, tx, caseNumber, row, container)
	if err != nil {
		return nil, err
	}

	customerNumber := ValidateCSVField("EMPLOYEE_CUSTOMERNO", row, container, FieldSpec{Required: true})
	if customerNumber == "" {
		return &recordResult{Skipped: true, SkipLog: "no employee customer number on absence case"}, nil
	}
	feedRow, ok := employeeFeed.IndexedData[customerNumber]
	if !ok {
		return &recordResult{Skipped: true, SkipLog: "customer number absent from employee feed"}, nil
	}

	taxID := ValidateCSVField("NATINSNO", feedRow, container, FieldSpec{Required: true, MinLength: 9, MaxLength: 9})
	if taxID == "" {
		return &recordResult{Skipped: true, SkipLog: "employee feed row has no usable tax identifier"}, nil
	}
	employee, err := store.GetEmployeeByTaxID(ctx, tx, taxID)
	if err != nil {
		return nil, err
	}
	if employee == nil {
		// Employees are never created through this extract. The claim built
		// above is deliberately discarded unpersisted.
		container.AddValidationIssue(ReasonMissingInDB, fmt.Sprintf("tax_identifier: %s", lastFour(taxID)))
		return &recordResult{Skipped: true, SkipLog: "tax identifier matches no employee"}, nil
	}

	s.updateEmployeeFields(feedRow, employee, container, customerNumber)

	if candidate := s.buildCandidateAddress(feedRow, container); candidate != nil {
		changed, err := updateEmployeeAddress(ctx, tx, employee, candidate)
		if err != nil {
			return nil, err
		}
		if changed {
			s.Increment("employee_addresses_updated")
		}
	}

	if err := store.UpdateEmployee(ctx, tx, employee); err != nil {
		return nil, err
	}

	if err := s.processEFT(ctx, tx, feedRow, employee, container); err != nil {
		return nil, err
	}

	// The employee side succeeded; persist the claim now.
	claim.EmployeeID = employee.EmployeeID
	if claim.ClaimID == uuid.Nil {
		if err := store.CreateClaim(ctx, tx, claim); err != nil {
			return nil, err
		}
		s.Increment("claims_created")
	} else {
		if err := store.UpdateClaim(ctx, tx, claim); err != nil {
			return nil, err
		}
		s.Increment("claims_updated")
	}

	return &recordResult{Employee: employee, Container: container}, nil
}

// buildClaim looks up or constructs the claim for an absence case and
// overwrites its extract-sourced fields: last extract wins, no merging.
func (s *ClaimantExtractStep) buildClaim(ctx context.Context, tx *sql.Tx, caseNumber string, row map[string]string, container *ValidationContainer) (*store.Claim, error) {
	claim, err := store.GetClaimByAbsenceID(ctx, tx, caseNumber)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		claim = &store.Claim{FineosAbsenceID: caseNumber}
	}

	claim.FineosNotificationID = ValidateCSVField("NOTIFICATION_CASENUMBER", row, container, FieldSpec{Required: true})

	statusDescriptions := make([]string, 0, len(store.AbsenceStatuses))
	for _, as := range store.AbsenceStatuses {
		statusDescriptions = append(statusDescriptions, as.Description)
	}
	if v := ValidateCSVField("ABSENCE_CASESTATUS", row, container, FieldSpec{
		Required: true, Validator: LookupValidator(statusDescriptions),
	}); v != "" {
		status, _ := store.AbsenceStatusByDescription(v)
		claim.FineosAbsenceStatusID = status.AbsenceStatusID
	}

	claimTypeDescriptions := make([]string, 0, len(store.ClaimTypes))
	for _, ct := range store.ClaimTypes {
		claimTypeDescriptions = append(claimTypeDescriptions, ct.Description)
	}
	if v := ValidateCSVField("ABSENCEREASON_COVERAGE", row, container, FieldSpec{
		Required: true, Validator: LookupValidator(claimTypeDescriptions),
	}); v != "" {
		ct, _ := store.ClaimTypeByDescription(v)
		claim.ClaimTypeID = ct.ClaimTypeID
	}

	if v := ValidateCSVField("ABSENCEPERIOD_START", row, container, FieldSpec{Required: true}); v != "" {
		if t, err := parseExtractDate(v); err != nil {
			container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("ABSENCEPERIOD_START: %s", v))
		} else {
			claim.AbsencePeriodStartDate = &t
		}
	}
	if v := ValidateCSVField("ABSENCEPERIOD_END", row, container, FieldSpec{Required: true}); v != "" {
		if t, err := parseExtractDate(v); err != nil {
			container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("ABSENCEPERIOD_END: %s", v))
		} else {
			claim.AbsencePeriodEndDate = &t
		}
	}

	claim.IsIDProofed = row["LEAVEREQUEST_EVIDENCERESULTTYPE"] == "Satisfied"
	return claim, nil
}

// updateEmployeeFields overwrites the employee's extract-sourced scalars.
func (s *ClaimantExtractStep) updateEmployeeFields(feedRow map[string]string, employee *store.Employee, container *ValidationContainer, customerNumber string) {
	if v := ValidateCSVField("DATEOFBIRTH", feedRow, container, FieldSpec{Required: true}); v != "" {
		if t, err := parseExtractDate(v); err != nil {
			container.AddValidationIssue(ReasonInvalidValue, fmt.Sprintf("DATEOFBIRTH: %s", v))
		} else {
			employee.DateOfBirth = &t
		}
	}
	employee.FineosCustomerNumber = customerNumber
}

// buildCandidateAddress validates the feed row's address columns and
// returns the candidate Address, or nil when any column failed and no
// comparison should run.
func (s *ClaimantExtractStep) buildCandidateAddress(feedRow map[string]string, container *ValidationContainer) *store.Address {
	before := len(container.Issues)

	line1 := ValidateCSVField("ADDRESS1", feedRow, container, FieldSpec{Required: true, MaxLength: 100})
	line2 := ValidateCSVField("ADDRESS2", feedRow, container, FieldSpec{MaxLength: 100})
	city := ValidateCSVField("ADDRESS4", feedRow, container, FieldSpec{Required: true, MaxLength: 40})

	geoDescriptions := make([]string, 0, len(store.GeoStates))
	for _, gs := range store.GeoStates {
		geoDescriptions = append(geoDescriptions, gs.Description)
	}
	state := ValidateCSVField("ADDRESS6", feedRow, container, FieldSpec{
		Required: true, Validator: LookupValidator(geoDescriptions),
	})
	zip := ValidateCSVField("POSTCODE", feedRow, container, FieldSpec{Required: true, MinLength: 5, MaxLength: 10})

	countryDescriptions := make([]string, 0, len(store.Countries))
	for _, c := range store.Countries {
		countryDescriptions = append(countryDescriptions, c.Description)
	}
	country := ValidateCSVField("COUNTRY", feedRow, container, FieldSpec{Validator: LookupValidator(countryDescriptions)})

	if len(container.Issues) > before {
		return nil
	}

	addr := &store.Address{AddressLine1: line1, AddressLine2: line2, City: city, ZipCode: zip}
	if gs, ok := store.GeoStateByDescription(state); ok {
		addr.GeoStateID = gs.GeoStateID
	}
	if country != "" {
		if c, ok := store.CountryByDescription(country); ok {
			addr.CountryID = c.CountryID
		}
	} else {
		addr.CountryID = store.CountryUSA.CountryID
	}
	return addr
}

// processEFT runs the EFT sub-flow when the claimant elected ACH. A fresh
// set of banking details puts the employee into the prenote-initiation
// workflow state.
func (s *ClaimantExtractStep) processEFT(ctx context.Context, tx *sql.Tx, feedRow map[string]string, employee *store.Employee, container *ValidationContainer) error {
	methodDescriptions := make([]string, 0, len(store.PaymentMethods))
	for _, pm := range store.PaymentMethods {
		methodDescriptions = append(methodDescriptions, pm.Description)
	}
	// DEBIT is a valid payment method elsewhere but unusable in this flow.
	method := ValidateCSVField("PAYMENTMETHOD", feedRow, container, FieldSpec{
		Required:  true,
		Validator: LookupValidator(methodDescriptions, store.PaymentMethodDebit.Description),
	})
	if method != store.PaymentMethodACH.Description {
		return nil
	}

	before := len(container.Issues)
	routing := ValidateCSVField("SORTCODE", feedRow, container, FieldSpec{
		Required: true, MinLength: 9, MaxLength: 9, Validator: digitsValidator,
	})
	account := ValidateCSVField("ACCOUNTNO", feedRow, container, FieldSpec{Required: true, MaxLength: 40})

	accountTypeDescriptions := make([]string, 0, len(store.BankAccountTypes))
	for _, bt := range store.BankAccountTypes {
		accountTypeDescriptions = append(accountTypeDescriptions, bt.Description)
	}
	accountType := ValidateCSVField("ACCOUNTTYPE", feedRow, container, FieldSpec{
		Required: true, Validator: LookupValidator(accountTypeDescriptions),
	})
	if len(container.Issues) > before {
		return nil
	}

	bt, _ := store.BankAccountTypeByDescription(accountType)
	candidate := &store.PubEft{RoutingNbr: routing, AccountNbr: account, BankAccountTypeID: bt.BankAccountTypeID}
	outcome, err := reconcileEFT(ctx, tx, employee, candidate, container)
	if err != nil {
		return err
	}
	if outcome == eftNew {
		_, err = s.stateLog.CreateFinishedStateLog(ctx, tx,
			statelog.ForEmployee(employee.EmployeeID),
			statelog.StateEFTSendPrenote,
			BuildOutcome("Initiated EFT prenote flow for employee", nil),
			statelog.WithImportLogID(s.ImportLogID()))
		if err != nil {
			return err
		}
		s.Increment("eft_prenotes_initiated")
	}
	return nil
}

// finishRecord creates the employee/reference-file linkage and the
// claimant workflow transition. The same employee appears once per claim in
// an extract; only the first sighting within a run does this bookkeeping,
// later sightings are logged and skipped.
func (s *ClaimantExtractStep) finishRecord(ctx context.Context, tx *sql.Tx, data *ExtractData, result *recordResult) error {
	exists, err := store.EmployeeReferenceFileExists(ctx, tx, result.Employee.EmployeeID, data.ReferenceFile.ReferenceFileID)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Info("employee already linked to this extract, skipping bookkeeping",
			slog.String("employee_id", result.Employee.EmployeeID.String()))
		s.Increment("employees_seen_again")
		return nil
	}
	if err := store.CreateEmployeeReferenceFile(ctx, tx, result.Employee.EmployeeID, data.ReferenceFile.ReferenceFileID); err != nil {
		return err
	}

	endState := statelog.StateClaimantExtractedFromFineos
	message := "Claimant extracted from FINEOS"
	if result.Container.HasValidationIssues() {
		endState = statelog.StateClaimantAddToErrorReport
		message = "Claimant extract record raised validation issues"
		s.Increment("records_with_validation_issues")
	} else {
		s.Increment("records_processed_clean")
	}
	_, err = s.stateLog.CreateFinishedStateLog(ctx, tx,
		statelog.ForEmployee(result.Employee.EmployeeID),
		endState,
		BuildOutcome(message, result.Container),
		statelog.WithImportLogID(s.ImportLogID()))
	return err
}
