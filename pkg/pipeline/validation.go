package pipeline

import (
	"encoding/json"
	"fmt"
)

// ValidationReason labels one category of record-level validation failure.
// The values are a wire contract: they appear verbatim in persisted state
// log outcomes and downstream error reports.
type ValidationReason string

// Validation reasons.
const (
	ReasonMissingField             ValidationReason = "MISSING_FIELD"
	ReasonMissingDataset           ValidationReason = "MISSING_DATASET"
	ReasonMissingInDB              ValidationReason = "MISSING_IN_DB"
	ReasonFieldTooShort            ValidationReason = "FIELD_TOO_SHORT"
	ReasonFieldTooLong             ValidationReason = "FIELD_TOO_LONG"
	ReasonInvalidLookupValue       ValidationReason = "INVALID_LOOKUP_VALUE"
	ReasonInvalidValue             ValidationReason = "INVALID_VALUE"
	ReasonEFTPrenoteRejected       ValidationReason = "EFT_PRENOTE_REJECTED"
	ReasonUnexpectedRecordVariance ValidationReason = "UNEXPECTED_RECORD_VARIANCE"
)

// ValidationIssue is one named failure for a record.
type ValidationIssue struct {
	Reason  ValidationReason `json:"reason"`
	Details string           `json:"details"`
}

// ValidationContainer accumulates the validation failures of a single
// logical record, keyed by a human-meaningful record key (an absence case
// number, a customer number). One container exists per record per run;
// validation is accumulate-then-decide, never fail-fast.
type ValidationContainer struct {
	RecordKey string            `json:"record_key"`
	Issues    []ValidationIssue `json:"validation_issues"`
}

// NewValidationContainer starts an empty container for one record.
func NewValidationContainer(recordKey string) *ValidationContainer {
	return &ValidationContainer{RecordKey: recordKey}
}

// AddValidationIssue appends a failure. Order is preserved; duplicates are
// the caller's concern.
func (c *ValidationContainer) AddValidationIssue(reason ValidationReason, details string) {
	c.Issues = append(c.Issues, ValidationIssue{Reason: reason, Details: details})
}

// HasValidationIssues reports whether any failure was recorded.
func (c *ValidationContainer) HasValidationIssues() bool {
	return len(c.Issues) > 0
}

// Outcome is the JSON payload persisted on a state log. The shape is
// consumed by error-report generation and must not change:
//
//	{"message": ..., "validation_container": {"record_key": ...,
//	 "validation_issues": [{"reason": ..., "details": ...}, ...]}}
//
// The validation_container key is omitted entirely when no container was
// supplied.
type Outcome struct {
	Message             string               `json:"message"`
	ValidationContainer *ValidationContainer `json:"validation_container,omitempty"`
}

// BuildOutcome serializes a message and optional container into the
// persisted outcome payload. A nil or issue-free container is omitted from
// the payload entirely.
func BuildOutcome(message string, container *ValidationContainer) json.RawMessage {
	out := Outcome{Message: message}
	if container != nil && container.HasValidationIssues() {
		out.ValidationContainer = container
	}
	// Marshal of this shape cannot fail.
	raw, _ := json.Marshal(out)
	return raw
}

// ParseOutcome decodes a persisted outcome payload.
func ParseOutcome(raw json.RawMessage) (*Outcome, error) {
	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse outcome: %w", err)
	}
	return &out, nil
}

// FieldValidator runs an extra domain check on a present field value and
// returns the reason to record, or "" when the value passes.
type FieldValidator func(value string) ValidationReason

// FieldSpec configures one ValidateCSVField call.
type FieldSpec struct {
	Required  bool
	MinLength int
	MaxLength int
	Validator FieldValidator
}

// csvValueAbsent reports whether a raw extract value counts as absent. The
// upstream system emits the literal string "Unknown" for fields it has no
// value for.
func csvValueAbsent(value string) bool {
	return value == "" || value == "Unknown"
}

// ValidateCSVField pulls key out of a parsed extract row, applies the
// spec's checks, and records every failure into container. A required
// absent field records MISSING_FIELD with the bare key as detail and stops
// there. Present values run every configured check independently; each
// failure is recorded with "KEY: value" as detail. If any check failed the
// parsed value is withheld and "" is returned; callers must treat the field
// as absent even when it was merely too long.
func ValidateCSVField(key string, row map[string]string, container *ValidationContainer, spec FieldSpec) string {
	value := row[key]
	if csvValueAbsent(value) {
		value = ""
	}
	if value == "" {
		if spec.Required {
			container.AddValidationIssue(ReasonMissingField, key)
		}
		return ""
	}

	var reasons []ValidationReason
	if spec.MinLength > 0 && len(value) < spec.MinLength {
		reasons = append(reasons, ReasonFieldTooShort)
	}
	if spec.MaxLength > 0 && len(value) > spec.MaxLength {
		reasons = append(reasons, ReasonFieldTooLong)
	}
	if spec.Validator != nil {
		if reason := spec.Validator(value); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	for _, reason := range reasons {
		// Detail deliberately carries the raw value so an operator can
		// diagnose a report in one read. Accepted PII tradeoff.
		container.AddValidationIssue(reason, fmt.Sprintf("%s: %s", key, value))
	}
	if len(reasons) > 0 {
		return ""
	}
	return value
}

// LookupValidator builds a FieldValidator that requires membership in a
// lookup domain's description set. Values in disallowed are valid members
// of the domain but unusable in the calling context (a DEBIT payment method
// in the claimant EFT flow) and record INVALID_VALUE instead.
func LookupValidator(allowed []string, disallowed ...string) FieldValidator {
	allowedSet := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = true
	}
	disallowedSet := make(map[string]bool, len(disallowed))
	for _, v := range disallowed {
		disallowedSet[v] = true
	}
	return func(value string) ValidationReason {
		if disallowedSet[value] {
			return ReasonInvalidValue
		}
		if !allowedSet[value] {
			return ReasonInvalidLookupValue
		}
		return ""
	}
}
