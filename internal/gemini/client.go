// Package gemini backs the analysis pipeline and the image OCR pass with
// Vertex AI generative models. One client holds a pre-configured model per
// stage so generation settings live here, not in pipeline control flow.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/clarimed/billscan/internal/analysis"
)

const classifierSystemPrompt = "You are a document triage specialist. Decide what kind of document a text comes from. Always respond with valid JSON only."
const structurerSystemPrompt = "You are a medical billing data extraction expert. Always respond with valid JSON only."
const auditorSystemPrompt = "You are a medical billing audit expert. Always respond with valid JSON only."
const narratorSystemPrompt = "You are a helpful patient advocate. Always respond with valid JSON only."

const ocrSystemPrompt = "You are an OCR engine. Transcribe every character visible in the image exactly as printed, preserving line breaks. Output plain text only, with no commentary and no markdown."
const ocrUserPrompt = "Transcribe all text in this image."

// stageTemperatures leans deterministic for extraction and looser for prose,
// mirroring what each stage actually is: data extraction, audit, writing.
var stageTemperatures = map[analysis.Stage]float32{
	analysis.StageClassify:     0.0,
	analysis.StageStructure:    0.1,
	analysis.StageCostAnalysis: 0.3,
	analysis.StageNarrate:      0.7,
}

var stageSystemPrompts = map[analysis.Stage]string{
	analysis.StageClassify:     classifierSystemPrompt,
	analysis.StageStructure:    structurerSystemPrompt,
	analysis.StageCostAnalysis: auditorSystemPrompt,
	analysis.StageNarrate:      narratorSystemPrompt,
}

// Client holds all pre-configured generative models for the service.
type Client struct {
	stageModels map[analysis.Stage]*genai.GenerativeModel
	ocrModel    *genai.GenerativeModel
	baseClient  *genai.Client
}

// NewClient creates a client with one JSON-mode model per pipeline stage and
// a plain-text vision model for OCR.
func NewClient(ctx context.Context, projectID, region, modelName string) (*Client, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("gemini.NewClient: projectID and region cannot be empty")
	}
	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	stageModels := make(map[analysis.Stage]*genai.GenerativeModel, len(stageSystemPrompts))
	for stage, system := range stageSystemPrompts {
		model := baseClient.GenerativeModel(modelName)
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
		model.GenerationConfig = genai.GenerationConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr(stageTemperatures[stage]),
		}
		stageModels[stage] = model
	}

	ocrModel := baseClient.GenerativeModel(modelName)
	ocrModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ocrSystemPrompt)},
	}
	ocrModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	return &Client{
		stageModels: stageModels,
		ocrModel:    ocrModel,
		baseClient:  baseClient,
	}, nil
}

// Generate implements analysis.Generator.
func (c *Client) Generate(ctx context.Context, stage analysis.Stage, prompt string) (string, error) {
	model, ok := c.stageModels[stage]
	if !ok {
		return "", fmt.Errorf("no model configured for stage %q", stage)
	}
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: stage %s: %v", analysis.ErrUpstreamUnavailable, stage, err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", stage, err)
	}
	return text, nil
}

// Recognize implements extract.OCR by handing the image to the vision model
// at its native resolution.
func (c *Client) Recognize(ctx context.Context, data []byte, mimeType string) (string, error) {
	resp, err := c.ocrModel.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: data},
		genai.Text(ocrUserPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("%w: ocr: %v", analysis.ErrUpstreamUnavailable, err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return text, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// responseText flattens the candidate parts. A response the model refused to
// answer (safety block, empty candidates) carries no text at all; that is an
// upstream condition, not a schema problem, and is reported as such.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	text := strings.TrimSpace(collectText(resp))
	if text != "" {
		return text, nil
	}
	reason := "no candidates returned"
	if len(resp.Candidates) > 0 {
		reason = fmt.Sprintf("candidate finished with %v and no text", resp.Candidates[0].FinishReason)
	}
	return "", fmt.Errorf("%w: %s", analysis.ErrUpstreamUnavailable, reason)
}

func collectText(resp *genai.GenerateContentResponse) string {
	var builder strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				builder.WriteString(string(text))
			}
		}
	}
	return builder.String()
}
