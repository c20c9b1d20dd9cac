package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"orchestra/internal/llmclient"
	"orchestra/internal/tmps"
)

const defaultMaxAttempts = 2

// Attempt records the outcome of one numbered validator model invocation so
// the retry bound and the fallback path stay independently testable.
type Attempt struct {
	Index        int           `json:"attempt"`
	ResponseText string        `json:"response_text,omitempty"`
	Error        string        `json:"error,omitempty"`
	Issues       []tmps.Issue  `json:"tmp_s_issues,omitempty"`
	Parsed       *tmps.Message `json:"parsed_tmp_s,omitempty"`
}

// ArtifactSink receives the runtime's audit artifacts. The run orchestrator
// backs it with the run's artifact store.
type ArtifactSink interface {
	PutJSON(ctx context.Context, key string, payload any) error
	PutText(ctx context.Context, key, text string) error
}

// Inference is the external chat-completion collaborator.
type Inference func(ctx context.Context, baseURL, model string, messages []llmclient.Message) (string, error)

// ModelConfig is the slice of a model snapshot the runtime needs.
type ModelConfig struct {
	Provider    string
	BaseURL     string
	ModelName   string
	UseLLM      bool
	MaxAttempts int
}

// Runtime drives the LLM-backed validation path with a bounded attempt loop
// and a deterministic fallback, so callers always receive a well-formed label.
type Runtime struct {
	Infer Inference
	Sink  ArtifactSink
	Log   *zap.Logger
}

func (r *Runtime) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Validate grades rec. When the model config disables LLM use or is
// incomplete it runs the deterministic engine and still persists the label
// re-encoded as TMP-S for audit parity. Otherwise it prompts the validator
// model for TMP-S v2.2, retrying on grammar violations up to the attempt
// budget, then degrades to a fixed fallback message.
func (r *Runtime) Validate(ctx context.Context, rec RequestRecord, model ModelConfig, stageID string) FinalValidatorLabel {
	if stageID == "" {
		stageID = "validator"
	}
	if !model.UseLLM || model.BaseURL == "" || model.ModelName == "" || r.Infer == nil {
		label := ValidateRequest(rec)
		msg, text := encodeLabel(label, rec, stageID, 0)
		r.persist(ctx, stageID, msg, text)
		return label
	}

	maxAttempts := model.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	retryPrompt := ""
	lastError := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		messages := buildMessages(rec, retryPrompt)
		content, err := r.Infer(ctx, model.BaseURL, model.ModelName, messages)
		if err != nil {
			lastError = err.Error()
			r.logger().Warn("validator inference failed",
				zap.String("stage", stageID), zap.Int("attempt", attempt), zap.Error(err))
			r.putAttempt(ctx, stageID, Attempt{Index: attempt, Error: lastError})
			retryPrompt = "TMP-S required. Output TMP-S v2.2 lines only."
			continue
		}

		msg := tmps.Normalize(tmps.Parse(content))
		issues := tmps.Validate(msg, tmps.LenientProfile)
		if len(issues) > 0 {
			hints := make([]string, 0, len(issues))
			for _, issue := range issues {
				hints = append(hints, issue.Hint)
			}
			lastError = strings.Join(hints, "; ")
			r.putAttempt(ctx, stageID, Attempt{
				Index:        attempt,
				ResponseText: content,
				Error:        lastError,
				Issues:       issues,
			})
			retryPrompt = "TMP-S invalid. Output only TMP-S v2.2 lines in correct order with pipes and required counts."
			continue
		}

		r.putAttempt(ctx, stageID, Attempt{Index: attempt, ResponseText: content, Parsed: &msg})
		r.persist(ctx, stageID, msg, content)
		return labelFromTmpS(msg, rec, msg.Errors)
	}

	if lastError == "" {
		lastError = "Unknown TMP-S error."
	}
	r.logger().Warn("validator attempts exhausted, using fallback",
		zap.String("stage", stageID), zap.String("error", lastError))
	msg, text := fallbackMessage(rec, maxAttempts, lastError)
	r.persist(ctx, stageID, msg, text)
	label := labelFromTmpS(msg, rec, []tmps.ErrorRecord{{
		Path:     "$.llm_runtime",
		Severity: "error",
		FixHint:  lastError,
	}})
	return label
}

func (r *Runtime) putAttempt(ctx context.Context, stageID string, attempt Attempt) {
	if r.Sink == nil {
		return
	}
	key := fmt.Sprintf("%s_attempt_%02d", stageID, attempt.Index)
	if err := r.Sink.PutJSON(ctx, key, attempt); err != nil {
		r.logger().Warn("failed to persist validator attempt", zap.String("key", key), zap.Error(err))
	}
}

func (r *Runtime) persist(ctx context.Context, stageID string, msg tmps.Message, text string) {
	if r.Sink == nil {
		return
	}
	if err := r.Sink.PutText(ctx, stageID+"_tmp_s", text); err != nil {
		r.logger().Warn("failed to persist tmp-s text", zap.Error(err))
	}
	if err := r.Sink.PutJSON(ctx, stageID+"_tmp_s_parsed", msg); err != nil {
		r.logger().Warn("failed to persist parsed tmp-s", zap.Error(err))
	}
}

func buildMessages(rec RequestRecord, retryPrompt string) []llmclient.Message {
	system := "You are a validator. Output ONLY TMP-S v2.2 lines. " +
		"No Markdown or extra text. Pipes must have no spaces. " +
		"Header is mandatory: V|2.2|<run_id>|<stage>|<attempt>. " +
		"Defaulting rules: decision P => accept|0|0|*, " +
		"strategy defaults to 0, focus defaults to * if omitted."
	userPayload := map[string]any{
		"instruction":    "Validate the response against schema and constraints.",
		"request_record": rec,
	}
	if retryPrompt != "" {
		userPayload["retry_prompt"] = retryPrompt
	}
	encoded, _ := json.Marshal(userPayload)
	return []llmclient.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(encoded)},
	}
}

// labelFromTmpS maps a grammatically valid TMP-S message onto the label
// shape. Hard and soft checks are synthesized as all-pass: the model, not a
// local check, vouched for structure.
func labelFromTmpS(msg tmps.Message, rec RequestRecord, errs []tmps.ErrorRecord) FinalValidatorLabel {
	localized := make([]ErrorLocalization, 0, len(errs))
	for _, e := range errs {
		path := e.Path
		if path == "" {
			path = "$.tmp_s"
		}
		localized = append(localized, ErrorLocalization{
			Severity: mapSeverity(e.Severity),
			Path:     path,
			Issue:    "tmp_s_error",
			Why:      "Validator reported issue.",
			FixHint:  e.FixHint,
		})
	}

	nextActions := make([]string, 0, len(msg.Briefs))
	for _, brief := range msg.Briefs {
		nextActions = append(nextActions, brief.Action)
	}
	if len(nextActions) == 0 {
		nextActions = []string{
			"Review validator output.",
			"Fix TMP-S formatting.",
			"Retry validator run.",
		}
	}
	if len(nextActions) > 7 {
		nextActions = nextActions[:7]
	}

	rationale := msg.Audit.Rationale
	if rationale == "" {
		rationale = "Validator output parsed from TMP-S."
	}
	return FinalValidatorLabel{
		Version: SchemaVersion,
		HardChecks: HardChecks{
			JSONParseable:         true,
			SchemaValid:           true,
			RequiredFieldsPresent: true,
			NoExtraneousFields:    true,
			FieldTypesValid:       true,
		},
		SoftChecks: SoftChecks{
			Correctness:         1.0,
			ConstraintAdherence: 1.0,
			Completeness:        1.0,
			Clarity:             1.0,
			Overall:             1.0,
		},
		ErrorLocalization: localized,
		MinimalRationale:  rationale,
		OrchestraBriefing: OrchestraBriefing{
			KnownCorrect:          []string{},
			UncertainOrNeedsCheck: []string{},
			MissingInputs:         []string{},
			NextActions:           nextActions,
			RetryPrompt:           retryPromptFor(msg.Control.Strategy, msg.Control.Focus),
			Script:                CompressPromptToScript(rec.Prompt),
			CurrentScope:          []string{},
			AllowedActions:        []string{},
			Constraints:           []string{},
		},
		Control: ControlDecision{
			Decision:       MapDecision(msg.Control.Decision),
			RetryStrategy:  msg.Control.Strategy,
			StopConditions: []string{},
			RouteTo:        msg.Control.Focus,
			MaxRetries:     msg.Control.MaxRetries,
		},
	}
}

// MapDecision translates the TMP-S decision vocabulary into control
// decisions. Unknown values degrade to a retry on the same node.
func MapDecision(decision string) string {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "a", "accept", "ok", "pass":
		return DecisionAccept
	case "r", "retry", "retry_same_node":
		return DecisionRetrySame
	case "x", "reroute":
		return DecisionReroute
	case "e", "escalate":
		return DecisionEscalate
	case "abort":
		return DecisionAbort
	default:
		return DecisionRetrySame
	}
}

func mapSeverity(severity string) string {
	switch strings.ToLower(severity) {
	case "info", "warning", "error":
		return strings.ToLower(severity)
	default:
		return "error"
	}
}

func retryPromptFor(strategy, focus string) string {
	if strategy == "" && focus == "" {
		return "Retry with TMP-S v2.2 compliance."
	}
	if strategy == "" {
		strategy = "0"
	}
	if focus == "" {
		focus = "*"
	}
	return fmt.Sprintf("Retry with strategy=%s focus=%s.", strategy, focus)
}

// fallbackMessage is the canned TMP-S reply used when the attempt budget is
// exhausted: decision retry, strategy 5 (fallback_minimal), three briefs.
func fallbackMessage(rec RequestRecord, attempt int, errText string) (tmps.Message, string) {
	text := strings.Join([]string{
		fmt.Sprintf("V|2.2|%s|validator|%d", rec.RequestID, attempt),
		"A|0000|0000|retry|TMP-S parse or validation failed.",
		fmt.Sprintf("E|$.tmp_s|error|%s", errText),
		"B|p1:system|Review TMP-S formatting.",
		"B|p2:system|Return valid TMP-S lines.",
		"B|p3:system|Retry validator output.",
		"C|retry|5|0|fallback_minimal",
	}, "\n")
	return tmps.Normalize(tmps.Parse(text)), text
}

// encodeLabel re-renders a deterministic label as TMP-S so both validation
// paths leave the same audit trail.
func encodeLabel(label FinalValidatorLabel, rec RequestRecord, stageID string, attempt int) (tmps.Message, string) {
	decision := label.Control.Decision
	if decision == "" {
		decision = DecisionRetrySame
	}
	strategy := label.Control.RetryStrategy
	if strategy == "" {
		strategy = "0"
	}
	focus := label.Control.RouteTo
	if focus == "" {
		focus = "*"
	}
	text := strings.Join([]string{
		fmt.Sprintf("V|2.2|%s|%s|%d", rec.RequestID, stageID, attempt),
		fmt.Sprintf("A|0000|0000|%s|%s", decision, label.MinimalRationale),
		"B|p1:system|Review deterministic validator output.",
		"B|p2:system|Proceed with next step if applicable.",
		"B|p3:system|Log validator decision.",
		fmt.Sprintf("C|%s|%s|%d|%s", decision, strategy, label.Control.MaxRetries, focus),
	}, "\n")
	return tmps.Normalize(tmps.Parse(text)), text
}
