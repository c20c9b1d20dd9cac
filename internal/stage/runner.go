// Package stage executes one planner/coder pipeline step: prompt build,
// inference call, TMP-S decode, artifact and event side effects. It never
// retries; retry policy belongs to the orchestrator.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"orchestra/internal/events"
	"orchestra/internal/llmclient"
	"orchestra/internal/registry"
	"orchestra/internal/tmps"
)

// RunnerError wraps every failure inside a stage execution: bad snapshot,
// transport failure, or an undecodable reply.
type RunnerError struct {
	Stage string
	Err   error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// Inference is the external chat-completion collaborator.
type Inference func(ctx context.Context, baseURL, model string, messages []llmclient.Message) (string, error)

// ArtifactWriter persists stage artifacts under a run id.
type ArtifactWriter interface {
	Put(ctx context.Context, runID, key string, content []byte) error
}

// Runner drives single stage executions.
type Runner struct {
	Store  ArtifactWriter
	Events *events.Log
	Infer  Inference
	Log    *zap.Logger
}

// Trace is the persisted inference audit for one stage execution.
type Trace struct {
	Stage        string              `json:"stage"`
	Model        string              `json:"model"`
	Messages     []llmclient.Message `json:"messages"`
	ResponseText string              `json:"response_text"`
	Output       map[string]any      `json:"output_payload"`
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Run executes one stage and returns its decoded output payload. The model
// reply must be strict TMP-S whose first non-empty O record carries the
// stage's JSON output.
func (r *Runner) Run(ctx context.Context, runID, stageType string, snapshot registry.StepSnapshot, input map[string]any) (map[string]any, error) {
	stageID := strings.ToLower(strings.TrimSpace(stageType))
	fail := func(err error) (map[string]any, error) {
		return nil, &RunnerError{Stage: stageID, Err: err}
	}
	if runID == "" {
		return fail(fmt.Errorf("run_id is required"))
	}
	if stageID == "" {
		return nil, &RunnerError{Stage: "unknown", Err: fmt.Errorf("stage_type is required")}
	}
	if r == nil || r.Infer == nil {
		return fail(fmt.Errorf("inference collaborator is required"))
	}

	model := snapshot.Model
	baseURL := normalizeBaseURL(model.BaseURL)
	if baseURL == "" || strings.TrimSpace(model.ModelName) == "" {
		return fail(fmt.Errorf("model snapshot must include base_url and model_name"))
	}

	if input == nil {
		input = map[string]any{}
	}
	tokenBudget := selectTokenBudget(model, input)
	briefing, _ := input["orchestra_briefing"].(map[string]any)
	messages := buildPrompt(briefing, stageType, tokenBudget, input)

	r.appendEvent(ctx, runID, events.StageStarted, map[string]any{"stage": stageType}, stageID)
	promptPayload := map[string]any{"stage": stageType}
	if tokenBudget != nil {
		promptPayload["token_budget"] = *tokenBudget
	}
	r.appendEvent(ctx, runID, events.PromptBuilt, promptPayload, stageID)
	r.appendEvent(ctx, runID, events.InferenceStarted, map[string]any{"stage": stageType}, stageID)

	content, err := r.Infer(ctx, baseURL, model.ModelName, messages)
	if err != nil {
		r.appendEvent(ctx, runID, events.InferenceCompleted, map[string]any{
			"stage": stageType, "status": "error", "error": err.Error(),
		}, stageID)
		return fail(err)
	}

	output, err := decodeReply(content)
	if err != nil {
		r.appendEvent(ctx, runID, events.InferenceCompleted, map[string]any{
			"stage": stageType, "status": "error", "error": err.Error(),
		}, stageID)
		return fail(err)
	}
	r.appendEvent(ctx, runID, events.InferenceCompleted, map[string]any{
		"stage": stageType, "status": "ok",
	}, stageID)

	if err := r.putJSON(ctx, runID, stageID+"_output", output); err != nil {
		return fail(err)
	}
	trace := Trace{
		Stage:        stageType,
		Model:        model.ModelName,
		Messages:     messages,
		ResponseText: content,
		Output:       output,
	}
	if err := r.putJSON(ctx, runID, stageID+"_inference", trace); err != nil {
		return fail(err)
	}

	r.appendEvent(ctx, runID, events.StageCompleted, map[string]any{"stage": stageType}, stageID)
	return output, nil
}

// decodeReply runs the strict TMP-S compile and extracts the JSON payload
// of the first non-empty O record.
func decodeReply(content string) (map[string]any, error) {
	msg, issues := tmps.Compile(content)
	if len(issues) > 0 {
		hints := make([]string, 0, len(issues))
		for _, issue := range issues {
			hints = append(hints, issue.Hint)
		}
		return nil, fmt.Errorf("stage reply is not valid TMP-S: %s", strings.Join(hints, "; "))
	}
	payload, ok := msg.FirstOutputPayload()
	if !ok {
		return nil, fmt.Errorf("stage reply has no O record payload")
	}
	return ExtractJSON(payload)
}

func normalizeBaseURL(baseURL string) string {
	cleaned := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return strings.TrimSuffix(cleaned, "/v1")
}

func selectTokenBudget(model registry.Model, input map[string]any) *int {
	if model.Params != nil && model.Params.TokenBudget != nil {
		return model.Params.TokenBudget
	}
	switch v := input["token_budget"].(type) {
	case int:
		return &v
	case float64:
		n := int(v)
		return &n
	}
	return nil
}

func systemPrompt(stageType string) string {
	switch strings.ToUpper(strings.TrimSpace(stageType)) {
	case "PLANNER":
		return "You are PLANNER. You do NOT write code. " +
			"Reply with TMP-S v2.2 lines whose O record carries strict JSON for PlannerOutput v0.1 only. " +
			"No Markdown and no extra text."
	case "CODER":
		return "You are CODER. Implement the plan with a minimal unified diff. " +
			"Reply with TMP-S v2.2 lines whose O record carries strict JSON for CoderOutput v0.1 only. " +
			"No Markdown and no extra text."
	default:
		return "You are a structured assistant. " +
			"Reply with TMP-S v2.2 lines whose O record carries strict JSON only. " +
			"No Markdown and no extra text."
	}
}

func buildPrompt(briefing map[string]any, stageType string, tokenBudget *int, input map[string]any) []llmclient.Message {
	if briefing == nil {
		briefing = map[string]any{}
	}
	userPayload := map[string]any{
		"stage_type":         strings.ToUpper(strings.TrimSpace(stageType)),
		"orchestra_briefing": briefing,
		"input_payload":      input,
		"response_format":    "strict_json_only",
	}
	if tokenBudget != nil {
		userPayload["token_budget"] = *tokenBudget
	}
	encoded, _ := json.Marshal(userPayload)
	return []llmclient.Message{
		{Role: "system", Content: systemPrompt(stageType)},
		{Role: "user", Content: string(encoded)},
	}
}

func (r *Runner) appendEvent(ctx context.Context, runID, eventType string, payload map[string]any, stageID string) {
	if r.Events == nil {
		return
	}
	if _, err := r.Events.Append(ctx, runID, eventType, payload, stageID); err != nil {
		r.logger().Warn("failed to append stage event",
			zap.String("run_id", runID), zap.String("event", eventType), zap.Error(err))
	}
}

func (r *Runner) putJSON(ctx context.Context, runID, key string, payload any) error {
	if r.Store == nil {
		return fmt.Errorf("artifact store is required")
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.Store.Put(ctx, runID, key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}
