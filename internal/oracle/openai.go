package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// Opts holds configuration for the OpenAI-backed oracle.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. When unset the SDK reads OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model used for all oracle calls.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// OpenAIClient implements Client on the OpenAI Chat Completions API. All
// structured calls use json_object response format at temperature zero so
// verdicts are deterministic and parseable.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI-backed oracle.
func NewOpenAIClient(opts ...Option) *OpenAIClient {
	cfg := Opts{Model: openai.ChatModelGPT4o}
	for _, opt := range opts {
		opt(&cfg)
	}
	var reqOpts []option.RequestOption
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	client := openai.NewClient(reqOpts...)
	slog.Debug("NewOpenAIClient: created oracle client", "model", cfg.Model)
	return &OpenAIClient{client: client, model: cfg.Model}
}

// completeJSON runs one chat completion with json_object response format and
// unmarshals the content into out.
func (c *OpenAIClient) completeJSON(ctx context.Context, system, user string, out any) error {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion returned no choices")
	}
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse oracle verdict: %w", err)
	}
	return nil
}

const activationSystemPrompt = `You are a journey activation classifier for an AI call center.
Your task is to score how well the user's message matches each conversation journey.

Analyze the user's message and compare it against the activation conditions of each journey.
Score every journey independently; most scores should be low.

Consider:
- User intent (what they want to do)
- Keywords and phrases
- Context if provided
`

// EvaluateActivation implements Client.
func (c *OpenAIClient) EvaluateActivation(ctx context.Context, utterance string, vars map[string]string, candidates []ActivationCandidate) ([]ActivationScore, error) {
	user := fmt.Sprintf(`User message: %q

Context: %s

Available journeys:
%s

Score every journey. Return your answer in this exact JSON format:
{
  "scores": [
    {
      "journey_id": "id-of-journey",
      "confidence": 0.0-1.0,
      "reasoning": "brief explanation"
    }
  ]
}
`, utterance, mustJSON(vars), mustJSON(candidates))

	var parsed struct {
		Scores []ActivationScore `json:"scores"`
	}
	if err := c.completeJSON(ctx, activationSystemPrompt, user, &parsed); err != nil {
		return nil, fmt.Errorf("activation evaluation failed: %w", err)
	}
	slog.Debug("OpenAIClient.EvaluateActivation: scores",
		"candidates", len(candidates), "scores", len(parsed.Scores))
	return parsed.Scores, nil
}

const transitionSystemPrompt = `You are a state transition evaluator for conversation flows.
Determine, for each candidate transition, whether its condition is met based on the
user's message and context variables.

Evaluate every candidate independently. A candidate is satisfied only when its
condition is clearly met.
`

// EvaluateTransition implements Client.
func (c *OpenAIClient) EvaluateTransition(ctx context.Context, currentState, utterance string, vars map[string]string, candidates []TransitionCandidate) ([]TransitionVerdict, error) {
	user := fmt.Sprintf(`Current state: %s
User message: %q
Context variables: %s

Candidate transitions:
%s

Evaluate every candidate. Return in this JSON format:
{
  "verdicts": [
    {
      "index": candidate-index,
      "satisfied": true/false,
      "confidence": 0.0-1.0,
      "reasoning": "brief explanation"
    }
  ]
}
`, currentState, utterance, mustJSON(vars), mustJSON(candidates))

	var parsed struct {
		Verdicts []TransitionVerdict `json:"verdicts"`
	}
	if err := c.completeJSON(ctx, transitionSystemPrompt, user, &parsed); err != nil {
		return nil, fmt.Errorf("transition evaluation failed: %w", err)
	}
	slog.Debug("OpenAIClient.EvaluateTransition: verdicts",
		"from", currentState, "candidates", len(candidates), "verdicts", len(parsed.Verdicts))
	return parsed.Verdicts, nil
}

const guidelineSystemPrompt = `You are a guideline evaluation system for an AI call center.

Your task is to determine which guidelines (if any) apply to the user's message.
For each guideline, evaluate if its condition is met and assign a confidence score.

Return ONLY guidelines that clearly apply.
`

// MatchGuidelines implements Client.
func (c *OpenAIClient) MatchGuidelines(ctx context.Context, utterance string, vars map[string]string, journeyID, stateName string, candidates []GuidelineCandidate) ([]GuidelineVerdict, error) {
	if journeyID == "" {
		journeyID = "None"
	}
	if stateName == "" {
		stateName = "None"
	}
	user := fmt.Sprintf(`User message: %q

Context variables: %s

Journey: %s
State: %s

Evaluate these guidelines:
%s

Return your evaluation in this JSON format:
{
  "matches": [
    {
      "guideline_id": "id",
      "applies": true/false,
      "confidence": 0.0-1.0,
      "reasoning": "brief explanation"
    }
  ]
}
`, utterance, mustJSON(vars), journeyID, stateName, mustJSON(candidates))

	var parsed struct {
		Matches []GuidelineVerdict `json:"matches"`
	}
	if err := c.completeJSON(ctx, guidelineSystemPrompt, user, &parsed); err != nil {
		return nil, fmt.Errorf("guideline matching failed: %w", err)
	}
	slog.Debug("OpenAIClient.MatchGuidelines: verdicts", "candidates", len(candidates), "matches", len(parsed.Matches))
	return parsed.Matches, nil
}

const complianceSystemPrompt = `You are a response validation system for an AI call center.

Your task is to check if the AI's response violates any active guidelines.

Guidelines represent business rules that MUST be followed.
Evaluate each guideline carefully and identify any violations.
`

// CheckCompliance implements Client.
func (c *OpenAIClient) CheckCompliance(ctx context.Context, response string, vars map[string]string, rules []GuidelineRule) (models.ValidationResult, error) {
	user := fmt.Sprintf(`AI Response to validate:
%q

Context: %s

Active guidelines:
%s

Validate the response and return in this JSON format:
{
  "is_valid": true/false,
  "violations": [
    {
      "guideline_id": "id",
      "guideline_name": "name",
      "violation_description": "what rule was broken",
      "severity": "critical|high|medium|low"
    }
  ],
  "confidence": 0.0-1.0,
  "suggested_fixes": ["fix suggestion 1", "fix suggestion 2"]
}
`, response, mustJSON(vars), mustJSON(rules))

	var parsed struct {
		IsValid    bool    `json:"is_valid"`
		Confidence float64 `json:"confidence"`
		Violations []struct {
			GuidelineID          string `json:"guideline_id"`
			GuidelineName        string `json:"guideline_name"`
			ViolationDescription string `json:"violation_description"`
			Severity             string `json:"severity"`
		} `json:"violations"`
		SuggestedFixes []string `json:"suggested_fixes"`
	}
	if err := c.completeJSON(ctx, complianceSystemPrompt, user, &parsed); err != nil {
		return models.ValidationResult{}, fmt.Errorf("compliance check failed: %w", err)
	}

	result := models.ValidationResult{
		IsValid:        parsed.IsValid,
		Confidence:     parsed.Confidence,
		SuggestedFixes: parsed.SuggestedFixes,
	}
	for _, v := range parsed.Violations {
		result.Violations = append(result.Violations, models.Violation{
			GuidelineID:   v.GuidelineID,
			GuidelineName: v.GuidelineName,
			Description:   v.ViolationDescription,
			Severity:      v.Severity,
		})
	}
	slog.Debug("OpenAIClient.CheckCompliance: verdict",
		"is_valid", result.IsValid, "violations", len(result.Violations), "confidence", result.Confidence)
	return result, nil
}

// RewriteResponse implements Client. Runs at a slightly higher temperature
// than the structured calls since it produces free text.
func (c *OpenAIClient) RewriteResponse(ctx context.Context, original string, violations []models.Violation, fixes []string) (string, error) {
	user := fmt.Sprintf(`Original AI response:
%q

Violations detected:
%s

Suggested fixes:
%s

Please provide a corrected version of the response that addresses all violations while maintaining the original intent and tone.

Return ONLY the fixed response text, no explanations or meta-commentary.
`, original, mustJSON(violations), mustJSON(fixes))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a response correction system. Fix the given response to comply with business rules."),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("response rewrite failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("response rewrite returned no choices")
	}
	fixed := strings.TrimSpace(resp.Choices[0].Message.Content)
	if fixed == "" {
		return "", fmt.Errorf("response rewrite returned empty content")
	}
	return fixed, nil
}

// mustJSON renders v for prompt interpolation. Marshal failures surface as a
// placeholder rather than an error since every input here is marshalable.
func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
