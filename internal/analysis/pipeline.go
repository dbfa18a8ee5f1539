package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// promptTextBudget caps how much raw text the structuring prompt carries.
const promptTextBudget = 2000

const classifyPromptTemplate = `Decide whether the following text comes from a medical bill, medical invoice, EOB or similar healthcare billing document.

%s

Return JSON:
{
  "is_bill": true or false,
  "document_kind": "short guess at what the document is, e.g. 'medical bill', 'retail receipt', 'photo without text'"
}`

const structurePromptTemplate = `Extract from medical bill:

%s

Return JSON:
{
  "patient_name": "name or 'Not found'",
  "date_of_service": "YYYY-MM-DD or 'Not found'",
  "provider_name": "clinic name or 'Not found'",
  "provider_address": "address or 'Not found'",
  "charges": [{"item": "service", "cost": number, "code": "code"}],
  "total": number,
  "insurance_info": "insurance or 'Not found'",
  "patient_responsibility": number
}`

const costPromptTemplate = `Analyze for: overcharges, duplicates, missing insurance adjustments, unbundling.

%s

Return JSON:
{
  "issues": [{"type": "overcharge|duplicate|missing_adjustment|unbundling", "description": "desc", "item": "item", "severity": "low|medium|high"}],
  "overall_severity": "low|medium|high",
  "potential_savings": number,
  "recommendations": ["rec1", "rec2"]
}`

const narratePromptTemplate = `Summarize bill and create dispute email if issues found. The email must name the specific disputed line items.

Bill: %s
Issues: %s

Return JSON:
{
  "summary": "2-3 paragraph friendly summary",
  "complaint_email": "professional email or empty string"
}`

// Generator is one generative call per stage. Implementations pick the model
// and generation settings for the stage; the pipeline owns prompts, schema
// validation and control flow, so the backend can be swapped freely.
type Generator interface {
	Generate(ctx context.Context, stage Stage, prompt string) (string, error)
}

// Pipeline runs the fixed stage sequence. No retries, no checkpoints.
type Pipeline struct {
	gen          Generator
	log          *slog.Logger
	stageTimeout time.Duration
}

// NewPipeline constructs a Pipeline. stageTimeout bounds each external call.
func NewPipeline(gen Generator, stageTimeout time.Duration, log *slog.Logger) *Pipeline {
	return &Pipeline{gen: gen, stageTimeout: stageTimeout, log: log}
}

// Analyze takes extracted text through classify → structure → cost analysis
// → narrate. Any error return means the whole attempt is discarded; the
// entitlement spent on it stays spent.
func (p *Pipeline) Analyze(ctx context.Context, text string) (*Result, error) {
	var cls classification
	if err := p.runStage(ctx, StageClassify, fmt.Sprintf(classifyPromptTemplate, truncateRunes(text, promptTextBudget)), &cls); err != nil {
		return nil, err
	}
	if !cls.IsBill {
		guess := cls.DocumentKind
		if guess == "" {
			guess = "unknown document"
		}
		p.log.Info("upload rejected by classifier", "guess", guess)
		return nil, &NotABillError{Guess: guess}
	}

	var bill StructuredBill
	if err := p.runStage(ctx, StageStructure, fmt.Sprintf(structurePromptTemplate, truncateRunes(text, promptTextBudget)), &bill); err != nil {
		return nil, err
	}
	if bill.Charges == nil {
		bill.Charges = []Charge{}
	}
	billJSON, err := json.Marshal(bill)
	if err != nil {
		return nil, &StageError{Stage: StageStructure, Err: err}
	}

	var review costReview
	if err := p.runStage(ctx, StageCostAnalysis, fmt.Sprintf(costPromptTemplate, billJSON), &review); err != nil {
		return nil, err
	}
	if err := validateReview(&review); err != nil {
		return nil, &StageError{Stage: StageCostAnalysis, Err: err}
	}
	reviewJSON, err := json.Marshal(review)
	if err != nil {
		return nil, &StageError{Stage: StageCostAnalysis, Err: err}
	}

	var story narrative
	if err := p.runStage(ctx, StageNarrate, fmt.Sprintf(narratePromptTemplate, billJSON, reviewJSON), &story); err != nil {
		return nil, err
	}
	if strings.TrimSpace(story.Summary) == "" {
		return nil, &StageError{Stage: StageNarrate, Err: fmt.Errorf("%w: empty summary", ErrSchemaViolation)}
	}

	return &Result{
		DocumentKind:     cls.DocumentKind,
		Structured:       bill,
		Issues:           review.Issues,
		Recommendations:  review.Recommendations,
		OverallSeverity:  maxSeverity(review.Issues),
		PotentialSavings: review.PotentialSavings,
		Summary:          story.Summary,
		DisputeEmail:     story.DisputeEmail,
	}, nil
}

// runStage performs one generative call and decodes the response strictly
// into out. Responses are untrusted input: fences stripped, unknown fields
// rejected, trailing garbage rejected.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, prompt string, out any) error {
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	started := time.Now()
	raw, err := p.gen.Generate(stageCtx, stage, prompt)
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) && !errors.Is(err, ErrSchemaViolation) {
			err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return &StageError{Stage: stage, Err: err}
	}
	p.log.Debug("stage completed", "stage", string(stage), "elapsed", time.Since(started))

	if err := decodeStrict(raw, out); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

func validateReview(r *costReview) error {
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	for i, issue := range r.Issues {
		if !validIssueKind(issue.Kind) {
			return fmt.Errorf("%w: issue %d has unknown type %q", ErrSchemaViolation, i, issue.Kind)
		}
		if !validSeverity(issue.Severity) {
			return fmt.Errorf("%w: issue %d has unknown severity %q", ErrSchemaViolation, i, issue.Severity)
		}
	}
	if r.PotentialSavings.IsNegative() {
		return fmt.Errorf("%w: negative potential_savings", ErrSchemaViolation)
	}
	return nil
}

// decodeStrict unmarshals exactly one JSON document with no unknown fields.
func decodeStrict(raw string, out any) error {
	cleaned := stripFences(raw)
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing content after JSON document", ErrSchemaViolation)
	}
	return nil
}

// stripFences removes markdown code fences some models wrap JSON in despite
// the JSON response MIME setting.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
