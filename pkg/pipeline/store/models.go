package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReferenceFile is the durable record of one file-or-file-group's location
// and processing status. For a given (reference file type, date group), at
// most one row may point at a processed or skipped terminal location; that is
// the pipeline's idempotence guard.
type ReferenceFile struct {
	ReferenceFileID     uuid.UUID
	FileLocation        string
	ReferenceFileTypeID int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ImportLog records one pipeline run: what ran, when, how it ended, and a
// JSON report of its counters.
type ImportLog struct {
	ImportLogID int64
	Source      string
	ImportType  string
	Status      string
	Report      string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Employee is a claimant known to the program. Employees are only ever
// looked up by tax identifier in the extract pipelines, never created there.
type Employee struct {
	EmployeeID           uuid.UUID
	TaxIdentifier        string
	FirstName            string
	LastName             string
	DateOfBirth          *time.Time
	FineosCustomerNumber string
	CtrAddressPairID     uuid.UUID // uuid.Nil when no address pairing exists yet
}

// Address is a mailing address. Rows are append-only: a change of address
// creates a new row rather than mutating an old one.
type Address struct {
	AddressID    uuid.UUID
	AddressLine1 string
	AddressLine2 string
	City         string
	GeoStateID   int
	ZipCode      string
	CountryID    int
}

// CtrAddressPair joins the address FINEOS reported with the address the
// comptroller system has on file. Pairings are superseded, never deleted;
// Employee.CtrAddressPairID points at the current one.
type CtrAddressPair struct {
	CtrAddressPairID uuid.UUID
	FineosAddressID  uuid.UUID
	CtrAddressID     uuid.UUID // uuid.Nil until the comptroller side confirms
	CreatedAt        time.Time
}

// Claim is an absence case, unique per FINEOS absence id. Extract runs
// overwrite its fields in place (last extract wins).
type Claim struct {
	ClaimID                 uuid.UUID
	EmployeeID              uuid.UUID // uuid.Nil while unresolved
	FineosAbsenceID         string
	ClaimTypeID             int // 0 when the extract value did not map
	FineosAbsenceStatusID   int // 0 when the extract value did not map
	AbsencePeriodStartDate  *time.Time
	AbsencePeriodEndDate    *time.Time
	FineosNotificationID    string
	IsIDProofed             bool
}

// PubEft is a set of claimant banking details. New details always start in
// the pending-pre-PUB prenote state.
type PubEft struct {
	PubEftID          uuid.UUID
	RoutingNbr        string
	AccountNbr        string
	BankAccountTypeID int
	PrenoteStateID    int
	PrenoteSentAt     *time.Time
}

// EmployeePubEftPair links an employee to one of their EFT records.
type EmployeePubEftPair struct {
	EmployeeID uuid.UUID
	PubEftID   uuid.UUID
}

// EmployeeReferenceFile links an employee to an extract file they appeared
// in. At most one row per (employee, reference file).
type EmployeeReferenceFile struct {
	EmployeeID      uuid.UUID
	ReferenceFileID uuid.UUID
}

// Payment is one FINEOS payment instruction attached to a claim.
type Payment struct {
	PaymentID            uuid.UUID
	ClaimID              uuid.UUID
	FineosPeiCValue      string
	FineosPeiIValue      string
	Amount               decimal.Decimal
	PeriodStartDate      *time.Time
	PeriodEndDate        *time.Time
	PaymentDate          *time.Time
	FineosExtractionDate *time.Time
}
