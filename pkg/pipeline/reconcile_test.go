package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err, "open test database")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestParseExtractDate(t *testing.T) {
	ts, err := parseExtractDate("2021-02-14 12:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 2, 14, 12, 0, 0, 0, time.UTC), ts)

	ts, err = parseExtractDate("2021-02-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 2, 14, 0, 0, 0, 0, time.UTC), ts)

	_, err = parseExtractDate("02/14/2021")
	assert.Error(t, err)
}

func TestAddressesMatchInsensitive(t *testing.T) {
	a := &store.Address{AddressLine1: "20 South Ave", City: "Burlington", GeoStateID: 1, ZipCode: "01803", CountryID: 1}
	b := &store.Address{AddressLine1: "  20 SOUTH AVE ", City: "burlington", GeoStateID: 1, ZipCode: "01803", CountryID: 1}
	assert.True(t, AddressesMatch(a, b), "line and city compare case- and trim-insensitively")

	c := *b
	c.GeoStateID = 2
	assert.False(t, AddressesMatch(a, &c), "lookup ids compare exactly")
	assert.False(t, AddressesMatch(a, nil))
}

func TestUpdateEmployeeAddress(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	employee := &store.Employee{TaxIdentifier: "111111111"}
	require.NoError(t, store.CreateEmployee(ctx, db, employee))

	first := &store.Address{AddressLine1: "20 South Ave", City: "Burlington", GeoStateID: 1, ZipCode: "01803", CountryID: 1}
	changed, err := updateEmployeeAddress(ctx, db, employee, first)
	require.NoError(t, err)
	assert.True(t, changed, "first sighting writes an address and pairing")
	require.NoError(t, store.UpdateEmployee(ctx, db, employee))

	// Same address with cosmetic differences: nothing written.
	same := &store.Address{AddressLine1: "20 SOUTH AVE ", City: " burlington", GeoStateID: 1, ZipCode: "01803", CountryID: 1}
	changed, err = updateEmployeeAddress(ctx, db, employee, same)
	require.NoError(t, err)
	assert.False(t, changed)

	// Genuinely new address: a new pairing supersedes the old one.
	oldPair := employee.CtrAddressPairID
	moved := &store.Address{AddressLine1: "7 Elm St", City: "Quincy", GeoStateID: 1, ZipCode: "02169", CountryID: 1}
	changed, err = updateEmployeeAddress(ctx, db, employee, moved)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, oldPair, employee.CtrAddressPairID)

	// The old pairing still exists; history is append-only.
	pair, err := store.GetCtrAddressPair(ctx, db, oldPair)
	require.NoError(t, err)
	assert.NotNil(t, pair)
}

func TestReconcileEFT(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	employee := &store.Employee{TaxIdentifier: "222222222"}
	require.NoError(t, store.CreateEmployee(ctx, db, employee))

	candidate := &store.PubEft{
		RoutingNbr:        "011401533",
		AccountNbr:        "998877",
		BankAccountTypeID: store.BankAccountTypeChecking.BankAccountTypeID,
	}
	container := NewValidationContainer("rec")

	outcome, err := reconcileEFT(ctx, db, employee, candidate, container)
	require.NoError(t, err)
	assert.Equal(t, eftNew, outcome)
	assert.Equal(t, store.PrenoteStatePendingPrePub.PrenoteStateID, candidate.PrenoteStateID,
		"new banking details start pending-pre-PUB")

	// Same details again: exact match, no new row.
	again := &store.PubEft{RoutingNbr: "011401533", AccountNbr: "998877", BankAccountTypeID: candidate.BankAccountTypeID}
	outcome, err = reconcileEFT(ctx, db, employee, again, container)
	require.NoError(t, err)
	assert.Equal(t, eftNoChange, outcome)
	efts, err := store.GetEmployeeEfts(ctx, db, employee.EmployeeID)
	require.NoError(t, err)
	assert.Len(t, efts, 1)
	assert.False(t, container.HasValidationIssues())
}

func TestReconcileEFTRejectedPrenote(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	employee := &store.Employee{TaxIdentifier: "333333333"}
	require.NoError(t, store.CreateEmployee(ctx, db, employee))

	rejected := &store.PubEft{
		RoutingNbr:        "211870935",
		AccountNbr:        "554433",
		BankAccountTypeID: store.BankAccountTypeSavings.BankAccountTypeID,
		PrenoteStateID:    store.PrenoteStateRejected.PrenoteStateID,
	}
	require.NoError(t, store.CreatePubEft(ctx, db, rejected))
	require.NoError(t, store.CreateEmployeePubEftPair(ctx, db, employee.EmployeeID, rejected.PubEftID))

	candidate := &store.PubEft{RoutingNbr: "211870935", AccountNbr: "554433", BankAccountTypeID: rejected.BankAccountTypeID}
	container := NewValidationContainer("rec")
	outcome, err := reconcileEFT(ctx, db, employee, candidate, container)
	require.NoError(t, err)
	assert.Equal(t, eftRejected, outcome)
	require.Len(t, container.Issues, 1)
	assert.Equal(t, ReasonEFTPrenoteRejected, container.Issues[0].Reason)
	assert.Contains(t, container.Issues[0].Details, "0935", "detail names the routing number's last four digits")

	efts, err := store.GetEmployeeEfts(ctx, db, employee.EmployeeID)
	require.NoError(t, err)
	assert.Len(t, efts, 1, "no new EFT row for a rejected match")
}

func TestDigitsValidator(t *testing.T) {
	assert.Empty(t, string(digitsValidator("011401533")))
	assert.Equal(t, ReasonInvalidValue, digitsValidator("01140-533"))
}

func TestLastFour(t *testing.T) {
	assert.Equal(t, "1533", lastFour("011401533"))
	assert.Equal(t, "99", lastFour("99"))
}
