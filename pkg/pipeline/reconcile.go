package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// extractDateLayouts are the timestamp shapes FINEOS emits in extract
// columns, most specific first.
var extractDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseExtractDate parses a date column value.
func parseExtractDate(value string) (time.Time, error) {
	for _, layout := range extractDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable extract date %q", value)
}

// normalizeAddressField lowers and trims a free-text address field for
// comparison.
func normalizeAddressField(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// AddressesMatch compares two addresses field by field, case-insensitively
// and trim-insensitively across both lines, city and zip, and exactly on
// the state and country lookups. A match means the extract carries nothing
// new and no row should be written.
func AddressesMatch(a, b *store.Address) bool {
	if a == nil || b == nil {
		return false
	}
	return normalizeAddressField(a.AddressLine1) == normalizeAddressField(b.AddressLine1) &&
		normalizeAddressField(a.AddressLine2) == normalizeAddressField(b.AddressLine2) &&
		normalizeAddressField(a.City) == normalizeAddressField(b.City) &&
		normalizeAddressField(a.ZipCode) == normalizeAddressField(b.ZipCode) &&
		a.GeoStateID == b.GeoStateID &&
		a.CountryID == b.CountryID
}

// updateEmployeeAddress reconciles the candidate extract address against
// the employee's current comptroller address pairing. An identical address
// is a no-op. A new or changed address creates a brand-new Address and
// pairing; historical pairings are superseded, never deleted. Reports
// whether anything was written.
func updateEmployeeAddress(ctx context.Context, db store.DBTX, employee *store.Employee, candidate *store.Address) (bool, error) {
	if employee.CtrAddressPairID != uuid.Nil {
		pair, err := store.GetCtrAddressPair(ctx, db, employee.CtrAddressPairID)
		if err != nil {
			return false, err
		}
		if pair != nil {
			current, err := store.GetAddress(ctx, db, pair.FineosAddressID)
			if err != nil {
				return false, err
			}
			if AddressesMatch(current, candidate) {
				return false, nil
			}
		}
	}

	if err := store.CreateAddress(ctx, db, candidate); err != nil {
		return false, err
	}
	pair := &store.CtrAddressPair{FineosAddressID: candidate.AddressID}
	if err := store.CreateCtrAddressPair(ctx, db, pair); err != nil {
		return false, err
	}
	employee.CtrAddressPairID = pair.CtrAddressPairID
	return true, nil
}

// eftOutcome is what EFT reconciliation decided for one record.
type eftOutcome int

const (
	// eftNoChange: an existing usable EFT record already matches.
	eftNoChange eftOutcome = iota
	// eftNew: a new PubEft was created and linked; the employee must enter
	// the prenote-initiation workflow state.
	eftNew
	// eftRejected: the matching EFT record's prenote was rejected; a
	// validation issue was recorded and nothing was written.
	eftRejected
)

// reconcileEFT searches the employee's existing EFT records for an exact
// (routing, account, account type) match of the candidate. A match in the
// rejected prenote state surfaces EFT_PRENOTE_REJECTED rather than being
// silently reused; a match in any other state is a no-op; no match persists
// the candidate in the pending-pre-PUB prenote state and links it.
func reconcileEFT(ctx context.Context, db store.DBTX, employee *store.Employee, candidate *store.PubEft, container *ValidationContainer) (eftOutcome, error) {
	existing, err := store.GetEmployeeEfts(ctx, db, employee.EmployeeID)
	if err != nil {
		return eftNoChange, err
	}
	for _, eft := range existing {
		if eft.RoutingNbr == candidate.RoutingNbr &&
			eft.AccountNbr == candidate.AccountNbr &&
			eft.BankAccountTypeID == candidate.BankAccountTypeID {
			if eft.PrenoteStateID == store.PrenoteStateRejected.PrenoteStateID {
				container.AddValidationIssue(ReasonEFTPrenoteRejected,
					fmt.Sprintf("EFT prenote was rejected for routing number ending %s", lastFour(eft.RoutingNbr)))
				return eftRejected, nil
			}
			return eftNoChange, nil
		}
	}

	candidate.PrenoteStateID = store.PrenoteStatePendingPrePub.PrenoteStateID
	if err := store.CreatePubEft(ctx, db, candidate); err != nil {
		return eftNoChange, err
	}
	if err := store.CreateEmployeePubEftPair(ctx, db, employee.EmployeeID, candidate.PubEftID); err != nil {
		return eftNoChange, err
	}
	return eftNew, nil
}

func lastFour(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

// digitsValidator requires a value made only of ASCII digits.
func digitsValidator(value string) ValidationReason {
	for _, r := range value {
		if r < '0' || r > '9' {
			return ReasonInvalidValue
		}
	}
	return ""
}
