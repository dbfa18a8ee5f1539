// Package analysis runs the three-stage generative pipeline over extracted
// bill text: structuring, cost analysis, narration. A cheap classification
// step runs first so obviously wrong uploads never reach the full pipeline.
package analysis

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrSchemaViolation means a model response did not conform to the
	// stage schema. The stage is not retried; the pipeline fails.
	ErrSchemaViolation = errors.New("model response violates stage schema")
	// ErrUpstreamUnavailable covers transport errors and timeouts talking
	// to the generative service.
	ErrUpstreamUnavailable = errors.New("generative service unavailable")
)

// NotABillError reports that the classifier decided the upload is not a
// medical/billing document, with a best-effort guess at what it actually is.
// The credit spent on the attempt is not refunded.
type NotABillError struct {
	Guess string
}

func (e *NotABillError) Error() string {
	return fmt.Sprintf("not a billing document (looks like: %s)", e.Guess)
}

// Stage is one discrete call in the pipeline.
type Stage string

const (
	StageClassify     Stage = "classify"
	StageStructure    Stage = "structure"
	StageCostAnalysis Stage = "cost_analysis"
	StageNarrate      Stage = "narrate"
)

// StageError records where the pipeline failed. There is no checkpointing:
// a failure at any stage discards everything and a new attempt re-runs from
// scratch behind a fresh admission grant.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Severity grades a detected issue.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityNone:   0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

func validSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok && s != SeverityNone
}

// maxSeverity is the overall severity: the maximum across issues, or none
// when the list is empty. Computed here, never trusted from the model.
func maxSeverity(issues []Issue) Severity {
	out := SeverityNone
	for _, is := range issues {
		if severityRank[is.Severity] > severityRank[out] {
			out = is.Severity
		}
	}
	return out
}

// IssueKind is the closed set of billing problems the auditor may report.
type IssueKind string

const (
	IssueOvercharge        IssueKind = "overcharge"
	IssueDuplicate         IssueKind = "duplicate"
	IssueMissingAdjustment IssueKind = "missing_adjustment"
	IssueUnbundling        IssueKind = "unbundling"
)

func validIssueKind(k IssueKind) bool {
	switch k {
	case IssueOvercharge, IssueDuplicate, IssueMissingAdjustment, IssueUnbundling:
		return true
	}
	return false
}

// classification is the stage-0 schema.
type classification struct {
	IsBill       bool   `json:"is_bill"`
	DocumentKind string `json:"document_kind"`
}

// Charge is one itemized line on the bill.
type Charge struct {
	Item string          `json:"item"`
	Cost decimal.Decimal `json:"cost"`
	Code string          `json:"code"`
}

// StructuredBill is the stage-1 schema: fixed fields pulled out of raw text.
type StructuredBill struct {
	PatientName           string          `json:"patient_name"`
	DateOfService         string          `json:"date_of_service"`
	ProviderName          string          `json:"provider_name"`
	ProviderAddress       string          `json:"provider_address"`
	Charges               []Charge        `json:"charges"`
	Total                 decimal.Decimal `json:"total"`
	InsuranceInfo         string          `json:"insurance_info"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
}

// Issue is one detected billing problem, tied to a line item.
type Issue struct {
	Kind        IssueKind `json:"type"`
	Description string    `json:"description"`
	Item        string    `json:"item"`
	Severity    Severity  `json:"severity"`
}

// costReview is the stage-2 schema.
type costReview struct {
	Issues           []Issue         `json:"issues"`
	OverallSeverity  Severity        `json:"overall_severity"`
	PotentialSavings decimal.Decimal `json:"potential_savings"`
	Recommendations  []string        `json:"recommendations"`
}

// narrative is the stage-3 schema.
type narrative struct {
	Summary      string `json:"summary"`
	DisputeEmail string `json:"complaint_email"`
}

// Result is the full pipeline output handed across the boundary. The core
// does not persist it; storage belongs to the calling collaborator.
type Result struct {
	DocumentKind     string          `json:"documentKind"`
	Structured       StructuredBill  `json:"structured"`
	Issues           []Issue         `json:"issues"`
	Recommendations  []string        `json:"recommendations"`
	OverallSeverity  Severity        `json:"overallSeverity"`
	PotentialSavings decimal.Decimal `json:"potentialSavings"`
	Summary          string          `json:"summary"`
	DisputeEmail     string          `json:"disputeEmail,omitempty"`
}
