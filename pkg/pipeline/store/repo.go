package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// nullableID converts a uuid to a driver value, mapping uuid.Nil to NULL.
func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func scanID(s sql.NullString) uuid.UUID {
	if !s.Valid || s.String == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// --- ReferenceFile ---

// CreateReferenceFile inserts rf, assigning an id and timestamps when unset.
func CreateReferenceFile(ctx context.Context, db DBTX, rf *ReferenceFile) error {
	if rf.ReferenceFileID == uuid.Nil {
		rf.ReferenceFileID = uuid.New()
	}
	now := time.Now().UTC()
	if rf.CreatedAt.IsZero() {
		rf.CreatedAt = now
	}
	rf.UpdatedAt = now
	_, err := db.ExecContext(ctx,
		`INSERT INTO reference_file (reference_file_id, file_location, reference_file_type_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rf.ReferenceFileID.String(), rf.FileLocation, rf.ReferenceFileTypeID, rf.CreatedAt, rf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reference file: %w", err)
	}
	return nil
}

// UpdateReferenceFileLocation moves rf to a new file location.
func UpdateReferenceFileLocation(ctx context.Context, db DBTX, rf *ReferenceFile, location string) error {
	rf.FileLocation = location
	rf.UpdatedAt = time.Now().UTC()
	_, err := db.ExecContext(ctx,
		`UPDATE reference_file SET file_location = ?, updated_at = ? WHERE reference_file_id = ?`,
		rf.FileLocation, rf.UpdatedAt, rf.ReferenceFileID.String())
	if err != nil {
		return fmt.Errorf("update reference file location: %w", err)
	}
	return nil
}

// GetReferenceFileByLocation returns the reference file at the exact
// location, or nil when none exists.
func GetReferenceFileByLocation(ctx context.Context, db DBTX, location string) (*ReferenceFile, error) {
	var rf ReferenceFile
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT reference_file_id, file_location, reference_file_type_id, created_at, updated_at
		 FROM reference_file WHERE file_location = ?`, location).
		Scan(&id, &rf.FileLocation, &rf.ReferenceFileTypeID, &rf.CreatedAt, &rf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reference file by location: %w", err)
	}
	rf.ReferenceFileID = uuid.MustParse(id)
	return &rf, nil
}

// --- ImportLog ---

// CreateImportLog inserts a started import log row and fills in its id.
func CreateImportLog(ctx context.Context, db DBTX, il *ImportLog) error {
	if il.StartedAt.IsZero() {
		il.StartedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO import_log (source, import_type, status, report, started_at) VALUES (?, ?, ?, ?, ?)`,
		il.Source, il.ImportType, il.Status, il.Report, il.StartedAt)
	if err != nil {
		return fmt.Errorf("insert import log: %w", err)
	}
	il.ImportLogID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("import log id: %w", err)
	}
	return nil
}

// FinishImportLog marks il finished with the given status and report JSON.
func FinishImportLog(ctx context.Context, db DBTX, il *ImportLog, status, report string) error {
	now := time.Now().UTC()
	il.Status = status
	il.Report = report
	il.FinishedAt = &now
	_, err := db.ExecContext(ctx,
		`UPDATE import_log SET status = ?, report = ?, finished_at = ? WHERE import_log_id = ?`,
		status, report, now, il.ImportLogID)
	if err != nil {
		return fmt.Errorf("finish import log: %w", err)
	}
	return nil
}

// --- Employee ---

// CreateEmployee inserts e, assigning an id when unset. The extract
// pipelines never create employees; this exists for seeding and tests.
func CreateEmployee(ctx context.Context, db DBTX, e *Employee) error {
	if e.EmployeeID == uuid.Nil {
		e.EmployeeID = uuid.New()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO employee (employee_id, tax_identifier, first_name, last_name, date_of_birth, fineos_customer_number, ctr_address_pair_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EmployeeID.String(), e.TaxIdentifier, e.FirstName, e.LastName, e.DateOfBirth,
		e.FineosCustomerNumber, nullableID(e.CtrAddressPairID))
	if err != nil {
		return fmt.Errorf("insert employee: %w", err)
	}
	return nil
}

// GetEmployeeByTaxID returns the employee with the given tax identifier, or
// nil when none exists.
func GetEmployeeByTaxID(ctx context.Context, db DBTX, taxID string) (*Employee, error) {
	var e Employee
	var id string
	var pairID sql.NullString
	var dob sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT employee_id, tax_identifier, first_name, last_name, date_of_birth, fineos_customer_number, ctr_address_pair_id
		 FROM employee WHERE tax_identifier = ?`, taxID).
		Scan(&id, &e.TaxIdentifier, &e.FirstName, &e.LastName, &dob, &e.FineosCustomerNumber, &pairID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get employee by tax id: %w", err)
	}
	e.EmployeeID = uuid.MustParse(id)
	e.CtrAddressPairID = scanID(pairID)
	if dob.Valid {
		t := dob.Time
		e.DateOfBirth = &t
	}
	return &e, nil
}

// UpdateEmployee persists the mutable extract-sourced fields of e.
func UpdateEmployee(ctx context.Context, db DBTX, e *Employee) error {
	_, err := db.ExecContext(ctx,
		`UPDATE employee SET date_of_birth = ?, fineos_customer_number = ?, ctr_address_pair_id = ? WHERE employee_id = ?`,
		e.DateOfBirth, e.FineosCustomerNumber, nullableID(e.CtrAddressPairID), e.EmployeeID.String())
	if err != nil {
		return fmt.Errorf("update employee: %w", err)
	}
	return nil
}

// --- Address / CtrAddressPair ---

// CreateAddress inserts a, assigning an id when unset.
func CreateAddress(ctx context.Context, db DBTX, a *Address) error {
	if a.AddressID == uuid.Nil {
		a.AddressID = uuid.New()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO address (address_id, address_line_one, address_line_two, city, geo_state_id, zip_code, country_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AddressID.String(), a.AddressLine1, a.AddressLine2, a.City, a.GeoStateID, a.ZipCode, a.CountryID)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}

// GetAddress returns the address with the given id, or nil when none exists.
func GetAddress(ctx context.Context, db DBTX, id uuid.UUID) (*Address, error) {
	var a Address
	var aid string
	var geoState, country sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT address_id, address_line_one, address_line_two, city, geo_state_id, zip_code, country_id
		 FROM address WHERE address_id = ?`, id.String()).
		Scan(&aid, &a.AddressLine1, &a.AddressLine2, &a.City, &geoState, &a.ZipCode, &country)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get address: %w", err)
	}
	a.AddressID = uuid.MustParse(aid)
	a.GeoStateID = int(geoState.Int64)
	a.CountryID = int(country.Int64)
	return &a, nil
}

// CreateCtrAddressPair inserts p, assigning an id when unset.
func CreateCtrAddressPair(ctx context.Context, db DBTX, p *CtrAddressPair) error {
	if p.CtrAddressPairID == uuid.Nil {
		p.CtrAddressPairID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO ctr_address_pair (ctr_address_pair_id, fineos_address_id, ctr_address_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		p.CtrAddressPairID.String(), p.FineosAddressID.String(), nullableID(p.CtrAddressID), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ctr address pair: %w", err)
	}
	return nil
}

// GetCtrAddressPair returns the pairing with the given id, or nil.
func GetCtrAddressPair(ctx context.Context, db DBTX, id uuid.UUID) (*CtrAddressPair, error) {
	var p CtrAddressPair
	var pid, fineosID string
	var ctrID sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT ctr_address_pair_id, fineos_address_id, ctr_address_id, created_at
		 FROM ctr_address_pair WHERE ctr_address_pair_id = ?`, id.String()).
		Scan(&pid, &fineosID, &ctrID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ctr address pair: %w", err)
	}
	p.CtrAddressPairID = uuid.MustParse(pid)
	p.FineosAddressID = uuid.MustParse(fineosID)
	p.CtrAddressID = scanID(ctrID)
	return &p, nil
}

// --- Claim ---

// CreateClaim inserts c, assigning an id when unset.
func CreateClaim(ctx context.Context, db DBTX, c *Claim) error {
	if c.ClaimID == uuid.Nil {
		c.ClaimID = uuid.New()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO claim (claim_id, employee_id, fineos_absence_id, claim_type_id, fineos_absence_status_id,
			absence_period_start_date, absence_period_end_date, fineos_notification_id, is_id_proofed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClaimID.String(), nullableID(c.EmployeeID), c.FineosAbsenceID, nullInt(c.ClaimTypeID),
		nullInt(c.FineosAbsenceStatusID), c.AbsencePeriodStartDate, c.AbsencePeriodEndDate,
		c.FineosNotificationID, c.IsIDProofed)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// UpdateClaim persists every extract-sourced field of c (last extract wins).
func UpdateClaim(ctx context.Context, db DBTX, c *Claim) error {
	_, err := db.ExecContext(ctx,
		`UPDATE claim SET employee_id = ?, claim_type_id = ?, fineos_absence_status_id = ?,
			absence_period_start_date = ?, absence_period_end_date = ?, fineos_notification_id = ?, is_id_proofed = ?
		 WHERE claim_id = ?`,
		nullableID(c.EmployeeID), nullInt(c.ClaimTypeID), nullInt(c.FineosAbsenceStatusID),
		c.AbsencePeriodStartDate, c.AbsencePeriodEndDate, c.FineosNotificationID, c.IsIDProofed,
		c.ClaimID.String())
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	return nil
}

// GetClaimByAbsenceID returns the claim for a FINEOS absence id, or nil.
func GetClaimByAbsenceID(ctx context.Context, db DBTX, absenceID string) (*Claim, error) {
	var c Claim
	var id string
	var employeeID sql.NullString
	var claimType, absenceStatus sql.NullInt64
	var periodStart, periodEnd sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT claim_id, employee_id, fineos_absence_id, claim_type_id, fineos_absence_status_id,
			absence_period_start_date, absence_period_end_date, fineos_notification_id, is_id_proofed
		 FROM claim WHERE fineos_absence_id = ?`, absenceID).
		Scan(&id, &employeeID, &c.FineosAbsenceID, &claimType, &absenceStatus,
			&periodStart, &periodEnd, &c.FineosNotificationID, &c.IsIDProofed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim by absence id: %w", err)
	}
	c.ClaimID = uuid.MustParse(id)
	c.EmployeeID = scanID(employeeID)
	c.ClaimTypeID = int(claimType.Int64)
	c.FineosAbsenceStatusID = int(absenceStatus.Int64)
	if periodStart.Valid {
		t := periodStart.Time
		c.AbsencePeriodStartDate = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		c.AbsencePeriodEndDate = &t
	}
	return &c, nil
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// --- PubEft ---

// CreatePubEft inserts e, assigning an id when unset.
func CreatePubEft(ctx context.Context, db DBTX, e *PubEft) error {
	if e.PubEftID == uuid.Nil {
		e.PubEftID = uuid.New()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO pub_eft (pub_eft_id, routing_nbr, account_nbr, bank_account_type_id, prenote_state_id, prenote_sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.PubEftID.String(), e.RoutingNbr, e.AccountNbr, e.BankAccountTypeID, e.PrenoteStateID, e.PrenoteSentAt)
	if err != nil {
		return fmt.Errorf("insert pub eft: %w", err)
	}
	return nil
}

// CreateEmployeePubEftPair links an employee to an EFT record.
func CreateEmployeePubEftPair(ctx context.Context, db DBTX, employeeID, pubEftID uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO employee_pub_eft_pair (employee_id, pub_eft_id) VALUES (?, ?)`,
		employeeID.String(), pubEftID.String())
	if err != nil {
		return fmt.Errorf("insert employee pub eft pair: %w", err)
	}
	return nil
}

// GetEmployeeEfts returns every EFT record linked to an employee.
func GetEmployeeEfts(ctx context.Context, db DBTX, employeeID uuid.UUID) ([]PubEft, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT p.pub_eft_id, p.routing_nbr, p.account_nbr, p.bank_account_type_id, p.prenote_state_id, p.prenote_sent_at
		 FROM pub_eft p
		 JOIN employee_pub_eft_pair pair ON pair.pub_eft_id = p.pub_eft_id
		 WHERE pair.employee_id = ?`, employeeID.String())
	if err != nil {
		return nil, fmt.Errorf("get employee efts: %w", err)
	}
	defer rows.Close()
	var efts []PubEft
	for rows.Next() {
		var e PubEft
		var id string
		var sentAt sql.NullTime
		if err := rows.Scan(&id, &e.RoutingNbr, &e.AccountNbr, &e.BankAccountTypeID, &e.PrenoteStateID, &sentAt); err != nil {
			return nil, fmt.Errorf("scan pub eft: %w", err)
		}
		e.PubEftID = uuid.MustParse(id)
		if sentAt.Valid {
			t := sentAt.Time
			e.PrenoteSentAt = &t
		}
		efts = append(efts, e)
	}
	return efts, rows.Err()
}

// --- EmployeeReferenceFile ---

// EmployeeReferenceFileExists reports whether the linkage already exists.
func EmployeeReferenceFileExists(ctx context.Context, db DBTX, employeeID, referenceFileID uuid.UUID) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM employee_reference_file WHERE employee_id = ? AND reference_file_id = ?`,
		employeeID.String(), referenceFileID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check employee reference file: %w", err)
	}
	return n > 0, nil
}

// CreateEmployeeReferenceFile records that an employee appeared in a file.
func CreateEmployeeReferenceFile(ctx context.Context, db DBTX, employeeID, referenceFileID uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO employee_reference_file (employee_id, reference_file_id) VALUES (?, ?)`,
		employeeID.String(), referenceFileID.String())
	if err != nil {
		return fmt.Errorf("insert employee reference file: %w", err)
	}
	return nil
}

// --- Payment ---

// CreatePayment inserts p, assigning an id when unset.
func CreatePayment(ctx context.Context, db DBTX, p *Payment) error {
	if p.PaymentID == uuid.Nil {
		p.PaymentID = uuid.New()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO payment (payment_id, claim_id, fineos_pei_c_value, fineos_pei_i_value, amount,
			period_start_date, period_end_date, payment_date, fineos_extraction_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentID.String(), p.ClaimID.String(), p.FineosPeiCValue, p.FineosPeiIValue,
		p.Amount.String(), p.PeriodStartDate, p.PeriodEndDate, p.PaymentDate, p.FineosExtractionDate)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// UpdatePayment persists every extract-sourced field of p.
func UpdatePayment(ctx context.Context, db DBTX, p *Payment) error {
	_, err := db.ExecContext(ctx,
		`UPDATE payment SET claim_id = ?, amount = ?, period_start_date = ?, period_end_date = ?,
			payment_date = ?, fineos_extraction_date = ? WHERE payment_id = ?`,
		p.ClaimID.String(), p.Amount.String(), p.PeriodStartDate, p.PeriodEndDate,
		p.PaymentDate, p.FineosExtractionDate, p.PaymentID.String())
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

// GetPaymentByCI returns the payment for a FINEOS C/I pair, or nil.
func GetPaymentByCI(ctx context.Context, db DBTX, cValue, iValue string) (*Payment, error) {
	var p Payment
	var id, claimID, amount string
	var periodStart, periodEnd, paymentDate, extractionDate sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT payment_id, claim_id, fineos_pei_c_value, fineos_pei_i_value, amount,
			period_start_date, period_end_date, payment_date, fineos_extraction_date
		 FROM payment WHERE fineos_pei_c_value = ? AND fineos_pei_i_value = ?`, cValue, iValue).
		Scan(&id, &claimID, &p.FineosPeiCValue, &p.FineosPeiIValue, &amount,
			&periodStart, &periodEnd, &paymentDate, &extractionDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by ci: %w", err)
	}
	p.PaymentID = uuid.MustParse(id)
	p.ClaimID = uuid.MustParse(claimID)
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse payment amount %q: %w", amount, err)
	}
	for _, pair := range []struct {
		src sql.NullTime
		dst **time.Time
	}{
		{periodStart, &p.PeriodStartDate},
		{periodEnd, &p.PeriodEndDate},
		{paymentDate, &p.PaymentDate},
		{extractionDate, &p.FineosExtractionDate},
	} {
		if pair.src.Valid {
			t := pair.src.Time
			*pair.dst = &t
		}
	}
	return &p, nil
}

// --- Raw extract staging ---

// stagingColumns whitelists the known columns of each staging table. Columns
// arriving in an extract that are not listed here are dropped by StageRow;
// upstream extract schemas grow new columns independently of this schema.
var stagingColumns = map[string][]string{
	"fineos_extract_vbi_requested_absence_som": {
		"absence_casenumber", "notification_casenumber", "absence_casestatus",
		"absenceperiod_start", "absenceperiod_end", "absencereason_coverage",
		"employee_customerno", "leaverequest_evidenceresulttype",
	},
	"fineos_extract_employee_feed": {
		"customerno", "natinsno", "dateofbirth", "firstnames", "lastname",
		"paymentmethod", "defpaymentpref", "address1", "address2", "address4",
		"address6", "postcode", "country", "sortcode", "accountno", "accounttype",
	},
	"fineos_extract_vpei": {
		"c", "i", "paymentmethod", "paymentdate", "amount_monamt",
		"payeesocnumber", "payeefullname", "paymentaddress1", "paymentaddress2",
		"paymentaddress4", "paymentaddress6", "paymentpostco",
	},
	"fineos_extract_vpei_payment_details": {
		"peclassid", "peindexid", "paymentstartp", "paymentendper", "balancingamou_monamt",
	},
	"fineos_extract_vpei_claim_details": {
		"peclassid", "peindexid", "absencecasenu",
	},
}

// StageRow persists one raw extract row into the named staging table. Column
// names are lower-cased before matching; unknown columns are returned to the
// caller for logging and are never an error.
func StageRow(ctx context.Context, db DBTX, table string, row map[string]string, referenceFileID uuid.UUID, importLogID int64) ([]string, error) {
	known, ok := stagingColumns[table]
	if !ok {
		return nil, fmt.Errorf("unknown staging table %q", table)
	}
	knownSet := make(map[string]bool, len(known))
	for _, c := range known {
		knownSet[c] = true
	}

	cols := []string{"reference_file_id", "fineos_extract_import_log_id", "created_at"}
	args := []any{referenceFileID.String(), importLogID, time.Now().UTC()}
	var unknown []string
	// Deterministic insert order keeps generated SQL stable.
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col := strings.ToLower(k)
		if !knownSet[col] {
			unknown = append(unknown, k)
			continue
		}
		cols = append(cols, col)
		args = append(args, row[k])
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return unknown, fmt.Errorf("stage row into %s: %w", table, err)
	}
	return unknown, nil
}
