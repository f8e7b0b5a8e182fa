// Package statelog is the workflow state machine for the delegated payments
// pipeline. StateLog rows are an append-only transition record; the
// LatestStateLog pointer table gives O(1) access to "what state is this
// entity in now" per flow.
package statelog

import (
	"fmt"
)

// FlowID names a disjoint lineage of workflow states. Every state belongs to
// exactly one flow; state logs chain prev pointers only within a flow.
type FlowID int

// Flow ids are stable and persisted in latest_state_log rows.
const (
	FlowDelegatedClaimant FlowID = 20
	FlowDelegatedEFT      FlowID = 21
	FlowDelegatedPayment  FlowID = 22
)

// String returns the flow's wire name.
func (f FlowID) String() string {
	switch f {
	case FlowDelegatedClaimant:
		return "DELEGATED_CLAIMANT"
	case FlowDelegatedEFT:
		return "DELEGATED_EFT"
	case FlowDelegatedPayment:
		return "DELEGATED_PAYMENT"
	default:
		return fmt.Sprintf("FLOW_%d", int(f))
	}
}

// State is one workflow state. Ids are stable and persisted in state_log
// rows; they must never be renumbered.
type State struct {
	ID          int
	Description string
	Flow        FlowID
}

// Claimant extract flow.
var (
	StateClaimantExtractedFromFineos = State{100, "Claimant extracted from FINEOS", FlowDelegatedClaimant}
	StateClaimantAddToErrorReport    = State{101, "Add to claimant extract error report", FlowDelegatedClaimant}
	StateClaimantErrorReportSent     = State{102, "Claimant extract error report sent", FlowDelegatedClaimant}
)

// EFT prenote flow.
var (
	StateEFTSendPrenote      = State{120, "EFT: send prenote", FlowDelegatedEFT}
	StateEFTPrenoteSent      = State{121, "EFT: prenote sent", FlowDelegatedEFT}
	StateEFTPrenoteApproved  = State{122, "EFT: prenote approved", FlowDelegatedEFT}
	StateEFTPrenoteRejected  = State{123, "EFT: prenote rejected", FlowDelegatedEFT}
)

// Payment extract flow.
var (
	StatePaymentExtractedFromFineos = State{140, "Payment extracted from FINEOS", FlowDelegatedPayment}
	StatePaymentAddToErrorReport    = State{141, "Add to payment extract error report", FlowDelegatedPayment}
	StatePaymentErrorReportSent     = State{142, "Payment extract error report sent", FlowDelegatedPayment}
	StatePaymentConfirmPayment      = State{143, "Confirm payment", FlowDelegatedPayment}
	StatePaymentComplete            = State{144, "Payment complete", FlowDelegatedPayment}
)

// allStates is the complete state set the registry is built from.
var allStates = []State{
	StateClaimantExtractedFromFineos,
	StateClaimantAddToErrorReport,
	StateClaimantErrorReportSent,
	StateEFTSendPrenote,
	StateEFTPrenoteSent,
	StateEFTPrenoteApproved,
	StateEFTPrenoteRejected,
	StatePaymentExtractedFromFineos,
	StatePaymentAddToErrorReport,
	StatePaymentErrorReportSent,
	StatePaymentConfirmPayment,
	StatePaymentComplete,
}

// Registry is the immutable state/flow lookup the engine is constructed
// with. Build it once at process start and pass it by reference; there is no
// package-level mutable lookup.
type Registry struct {
	statesByID map[int]State
}

// NewRegistry builds the registry and validates that state ids are unique
// and that every state names a known flow.
func NewRegistry() (*Registry, error) {
	r := &Registry{statesByID: make(map[int]State, len(allStates))}
	for _, s := range allStates {
		if existing, dup := r.statesByID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate state id %d (%q and %q)", s.ID, existing.Description, s.Description)
		}
		switch s.Flow {
		case FlowDelegatedClaimant, FlowDelegatedEFT, FlowDelegatedPayment:
		default:
			return nil, fmt.Errorf("state %d %q references unknown flow %d", s.ID, s.Description, s.Flow)
		}
		r.statesByID[s.ID] = s
	}
	return r, nil
}

// StateByID returns the registered state for a persisted id.
func (r *Registry) StateByID(id int) (State, bool) {
	s, ok := r.statesByID[id]
	return s, ok
}

// States returns every registered state. The slice is a copy.
func (r *Registry) States() []State {
	out := make([]State, 0, len(r.statesByID))
	for _, s := range r.statesByID {
		out = append(out, s)
	}
	return out
}
