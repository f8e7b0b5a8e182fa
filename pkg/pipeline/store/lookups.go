package store

// Lookup values mirror the rows seeded into the corresponding lk_* tables.
// Ids are stable and hand-assigned: persisted rows reference them, so they
// must never be renumbered. Each lookup domain keeps an explicit
// description-to-value map instead of deriving one at runtime.

// ClaimType identifies the kind of leave a claim was filed under.
type ClaimType struct {
	ClaimTypeID int
	Description string
}

var (
	ClaimTypeFamilyLeave   = ClaimType{1, "Family Leave"}
	ClaimTypeMedicalLeave  = ClaimType{2, "Medical Leave"}
	ClaimTypeMilitaryLeave = ClaimType{3, "Military Leave"}
)

// ClaimTypes lists every claim type in id order.
var ClaimTypes = []ClaimType{ClaimTypeFamilyLeave, ClaimTypeMedicalLeave, ClaimTypeMilitaryLeave}

// ClaimTypeByDescription resolves an extract value to a claim type.
func ClaimTypeByDescription(desc string) (ClaimType, bool) {
	for _, ct := range ClaimTypes {
		if ct.Description == desc {
			return ct, true
		}
	}
	return ClaimType{}, false
}

// AbsenceStatus is the FINEOS adjudication status of an absence case.
type AbsenceStatus struct {
	AbsenceStatusID int
	Description     string
}

var (
	AbsenceStatusAdjudication      = AbsenceStatus{1, "Adjudication"}
	AbsenceStatusApproved          = AbsenceStatus{2, "Approved"}
	AbsenceStatusClosed            = AbsenceStatus{3, "Closed"}
	AbsenceStatusCompleted         = AbsenceStatus{4, "Completed"}
	AbsenceStatusDeclined          = AbsenceStatus{5, "Declined"}
	AbsenceStatusInReview          = AbsenceStatus{6, "In Review"}
	AbsenceStatusIntakeInProgress  = AbsenceStatus{7, "Intake In Progress"}
)

// AbsenceStatuses lists every absence status in id order.
var AbsenceStatuses = []AbsenceStatus{
	AbsenceStatusAdjudication, AbsenceStatusApproved, AbsenceStatusClosed,
	AbsenceStatusCompleted, AbsenceStatusDeclined, AbsenceStatusInReview,
	AbsenceStatusIntakeInProgress,
}

// AbsenceStatusByDescription resolves an extract value to an absence status.
func AbsenceStatusByDescription(desc string) (AbsenceStatus, bool) {
	for _, as := range AbsenceStatuses {
		if as.Description == desc {
			return as, true
		}
	}
	return AbsenceStatus{}, false
}

// PaymentMethod is how a claimant elects to be paid.
type PaymentMethod struct {
	PaymentMethodID int
	Description     string
}

var (
	PaymentMethodACH   = PaymentMethod{1, "Elec Funds Transfer"}
	PaymentMethodCheck = PaymentMethod{2, "Check"}
	PaymentMethodDebit = PaymentMethod{3, "Debit"}
)

// PaymentMethods lists every payment method in id order.
var PaymentMethods = []PaymentMethod{PaymentMethodACH, PaymentMethodCheck, PaymentMethodDebit}

// PaymentMethodByDescription resolves an extract value to a payment method.
func PaymentMethodByDescription(desc string) (PaymentMethod, bool) {
	for _, pm := range PaymentMethods {
		if pm.Description == desc {
			return pm, true
		}
	}
	return PaymentMethod{}, false
}

// BankAccountType distinguishes checking from savings accounts for EFT.
type BankAccountType struct {
	BankAccountTypeID int
	Description       string
}

var (
	BankAccountTypeChecking = BankAccountType{1, "Checking"}
	BankAccountTypeSavings  = BankAccountType{2, "Savings"}
)

// BankAccountTypes lists every bank account type in id order.
var BankAccountTypes = []BankAccountType{BankAccountTypeChecking, BankAccountTypeSavings}

// BankAccountTypeByDescription resolves an extract value to a bank account type.
func BankAccountTypeByDescription(desc string) (BankAccountType, bool) {
	for _, bt := range BankAccountTypes {
		if bt.Description == desc {
			return bt, true
		}
	}
	return BankAccountType{}, false
}

// PrenoteState tracks the bank-account pre-verification lifecycle of a PubEft.
type PrenoteState struct {
	PrenoteStateID int
	Description    string
}

var (
	PrenoteStatePendingPrePub       = PrenoteState{1, "Pending with PUB"}
	PrenoteStatePendingWithPub      = PrenoteState{2, "Sent to PUB"}
	PrenoteStateApproved            = PrenoteState{3, "Approved"}
	PrenoteStateRejected            = PrenoteState{4, "Rejected"}
)

// PrenoteStates lists every prenote state in id order.
var PrenoteStates = []PrenoteState{
	PrenoteStatePendingPrePub, PrenoteStatePendingWithPub,
	PrenoteStateApproved, PrenoteStateRejected,
}

// ReferenceFileType tags a ReferenceFile with the pipeline that produced it.
type ReferenceFileType struct {
	ReferenceFileTypeID int
	Description         string
	// NumFilesInSet is how many logical files make up one complete
	// date-group for this pipeline.
	NumFilesInSet int
}

var (
	ReferenceFileTypeFineosClaimantExtract      = ReferenceFileType{1, "FINEOS Claimant Extract", 2}
	ReferenceFileTypeFineosPaymentExtract       = ReferenceFileType{2, "FINEOS Payment Extract", 3}
	ReferenceFileTypeClaimantExtractErrorReport = ReferenceFileType{3, "Claimant Extract Error Report", 1}
	ReferenceFileTypePaymentExtractErrorReport  = ReferenceFileType{4, "Payment Extract Error Report", 1}
)

// GeoState is a postal state/territory abbreviation.
type GeoState struct {
	GeoStateID  int
	Description string
}

var (
	GeoStateMA = GeoState{1, "MA"}
	GeoStateNH = GeoState{2, "NH"}
	GeoStateRI = GeoState{3, "RI"}
	GeoStateCT = GeoState{4, "CT"}
	GeoStateVT = GeoState{5, "VT"}
	GeoStateME = GeoState{6, "ME"}
	GeoStateNY = GeoState{7, "NY"}
)

// GeoStates lists the supported state abbreviations in id order.
var GeoStates = []GeoState{
	GeoStateMA, GeoStateNH, GeoStateRI, GeoStateCT, GeoStateVT, GeoStateME, GeoStateNY,
}

// GeoStateByDescription resolves a postal abbreviation to a geo state.
func GeoStateByDescription(desc string) (GeoState, bool) {
	for _, gs := range GeoStates {
		if gs.Description == desc {
			return gs, true
		}
	}
	return GeoState{}, false
}

// Country is an ISO-like country code lookup.
type Country struct {
	CountryID   int
	Description string
}

var (
	CountryUSA = Country{1, "USA"}
	CountryCAN = Country{2, "CAN"}
)

// Countries lists the supported countries in id order.
var Countries = []Country{CountryUSA, CountryCAN}

// CountryByDescription resolves a country code to a country.
func CountryByDescription(desc string) (Country, bool) {
	for _, c := range Countries {
		if c.Description == desc {
			return c, true
		}
	}
	return Country{}, false
}
