// Package run drives one pipeline execution end to end: snapshot resolution
// at creation time, an idempotent step loop, pause on non-accept validator
// decisions, and durable state/event records for every transition.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orchestra/internal/events"
	"orchestra/internal/llmclient"
	"orchestra/internal/registry"
	"orchestra/internal/stage"
	"orchestra/internal/store"
	"orchestra/internal/validator"
)

// Lifecycle states. PAUSED is not terminal; resume transitions back to
// RUNNING.
const (
	StatusCreated   = "CREATED"
	StatusRunning   = "RUNNING"
	StatusPaused    = "PAUSED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

const (
	keyInput          = "input"
	keyPipeline       = "pipeline_snapshot"
	keyModelSnapshots = "model_snapshots"
	keyStateInitial   = "state_initial"
	keyStateRunning   = "state_running"
	keyStatePaused    = "state_paused"
	keyStateFinal     = "state_final"
)

// Inference is the external chat-completion collaborator shared by the
// validator runtime and the stage runner.
type Inference func(ctx context.Context, baseURL, model string, messages []llmclient.Message) (string, error)

// State is one persisted lifecycle record. The event log stays canonical;
// state files are a read-side cache of its latest implications.
type State struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Run is the creation-time view of one pipeline execution.
type Run struct {
	ID         string                  `json:"id"`
	PipelineID string                  `json:"pipeline_id"`
	Status     string                  `json:"status"`
	CreatedAt  time.Time               `json:"created_at"`
	Snapshots  []registry.StepSnapshot `json:"snapshots"`
}

// Summary is the listing projection for one run.
type Summary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Service owns the run state machine. One call per run id at a time; the
// caller serializes access, distinct run ids are independent.
type Service struct {
	Store     store.Store
	Events    *events.Log
	Pipelines *registry.Pipelines
	Runner    *stage.Runner
	Infer     Inference
	Log       *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Create resolves the pipeline and model snapshots once, persists them with
// the initial input, and appends RUN_CREATED. Unknown pipeline ids, unknown
// models, and role mismatches fail here, before anything is written.
func (s *Service) Create(ctx context.Context, pipelineID string, input map[string]any) (Run, error) {
	if s == nil || s.Store == nil || s.Pipelines == nil {
		return Run{}, fmt.Errorf("run service is not configured")
	}
	pipeline, err := s.Pipelines.Get(pipelineID)
	if err != nil {
		return Run{}, fmt.Errorf("resolve pipeline %s: %w", pipelineID, err)
	}
	snapshots, err := s.Pipelines.ResolveModelSnapshots(pipeline)
	if err != nil {
		return Run{}, fmt.Errorf("resolve model snapshots for %s: %w", pipelineID, err)
	}
	if input == nil {
		input = map[string]any{}
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	if err := s.putJSON(ctx, runID, keyInput, input); err != nil {
		return Run{}, err
	}
	if err := s.putJSON(ctx, runID, keyPipeline, pipeline); err != nil {
		return Run{}, err
	}
	if err := s.putJSON(ctx, runID, keyModelSnapshots, snapshots); err != nil {
		return Run{}, err
	}
	if err := s.writeState(ctx, runID, keyStateInitial, State{Status: StatusCreated, UpdatedAt: now}); err != nil {
		return Run{}, err
	}
	s.appendEvent(ctx, runID, events.RunCreated, map[string]any{"pipeline_id": pipeline.ID}, "")

	return Run{ID: runID, PipelineID: pipeline.ID, Status: StatusCreated, CreatedAt: now, Snapshots: snapshots}, nil
}

// ExecuteAuto drives the pipeline from wherever it stands. Steps whose
// output artifact already exists are replayed without touching the inference
// collaborator. A non-accept validator decision pauses the run; any stage or
// configuration error marks it FAILED and propagates.
func (s *Service) ExecuteAuto(ctx context.Context, runID string) (string, error) {
	return s.execute(ctx, runID, false)
}

// Resume transitions a paused run back to RUNNING. The validator step that
// caused the pause is re-invoked once (its persisted non-accept label is
// replaced); every other decided step replays idempotently.
func (s *Service) Resume(ctx context.Context, runID string) (string, error) {
	status, err := s.Status(ctx, runID)
	if err != nil {
		return "", err
	}
	if status != StatusPaused {
		return "", fmt.Errorf("run %s is %s, not %s", runID, status, StatusPaused)
	}
	return s.execute(ctx, runID, true)
}

func (s *Service) execute(ctx context.Context, runID string, revalidatePaused bool) (string, error) {
	snapshots, input, err := s.loadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if err := s.writeState(ctx, runID, keyStateRunning, State{Status: StatusRunning, UpdatedAt: time.Now().UTC()}); err != nil {
		return "", err
	}
	s.appendEvent(ctx, runID, events.RunStarted, nil, "")

	var briefing map[string]any
	var plannerOutput map[string]any
	for i, snap := range snapshots {
		stageID := strings.TrimSpace(snap.Step)
		if stageID == "" {
			stageID = fmt.Sprintf("step-%d", i+1)
		}
		switch snap.Role {
		case "validator":
			label, ran, err := s.runValidator(ctx, runID, stageID, snap, input, plannerOutput, revalidatePaused)
			if err != nil {
				return "", s.fail(ctx, runID, stageID, err)
			}
			if ran {
				revalidatePaused = false
			}
			if label.Control.Decision != validator.DecisionAccept {
				state := State{Status: StatusPaused, UpdatedAt: time.Now().UTC(), Stage: stageID}
				if err := s.writeState(ctx, runID, keyStatePaused, state); err != nil {
					return "", err
				}
				return StatusPaused, nil
			}
			briefing = briefingMap(label.OrchestraBriefing)
		case "planner", "coder":
			output, err := s.runStage(ctx, runID, stageID, snap, input, briefing, plannerOutput)
			if err != nil {
				return "", s.fail(ctx, runID, stageID, err)
			}
			if snap.Role == "planner" {
				plannerOutput = output
			}
		default:
			return "", s.fail(ctx, runID, stageID, fmt.Errorf("unsupported step role: %s", snap.Role))
		}
	}

	if err := s.writeState(ctx, runID, keyStateFinal, State{Status: StatusCompleted, UpdatedAt: time.Now().UTC()}); err != nil {
		return "", err
	}
	s.appendEvent(ctx, runID, events.RunCompleted, nil, "")
	return StatusCompleted, nil
}

// runValidator reuses a persisted label when one exists; ran reports whether
// the validator runtime was actually invoked on this pass.
func (s *Service) runValidator(ctx context.Context, runID, stageID string, snap registry.StepSnapshot, input, plannerOutput map[string]any, revalidatePaused bool) (validator.FinalValidatorLabel, bool, error) {
	var label validator.FinalValidatorLabel
	raw, err := s.Store.Get(ctx, runID, stageID)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &label); err != nil {
			return label, false, fmt.Errorf("decode validator label %s: %w", stageID, err)
		}
		if label.Control.Decision == validator.DecisionAccept || !revalidatePaused {
			return label, false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return label, false, fmt.Errorf("load validator label %s: %w", stageID, err)
	}

	rec, err := buildValidatorRequest(runID, stageID, input, plannerOutput)
	if err != nil {
		return label, false, err
	}
	runtime := &validator.Runtime{
		Infer: validator.Inference(s.Infer),
		Sink:  runSink{store: s.Store, runID: runID},
		Log:   s.Log,
	}
	label = runtime.Validate(ctx, rec, modelConfig(snap.Model), stageID)
	if err := s.putJSON(ctx, runID, stageID, label); err != nil {
		return label, true, err
	}
	s.appendEvent(ctx, runID, events.DecisionMade, map[string]any{
		"stage":    stageID,
		"decision": label.Control.Decision,
		"strategy": label.Control.RetryStrategy,
	}, stageID)
	return label, true, nil
}

func (s *Service) runStage(ctx context.Context, runID, stageID string, snap registry.StepSnapshot, input, briefing, plannerOutput map[string]any) (map[string]any, error) {
	raw, err := s.Store.Get(ctx, runID, stageID+"_output")
	if err == nil {
		var output map[string]any
		if err := json.Unmarshal(raw, &output); err != nil {
			return nil, fmt.Errorf("decode %s_output: %w", stageID, err)
		}
		return output, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load %s_output: %w", stageID, err)
	}
	if s.Runner == nil {
		return nil, fmt.Errorf("stage runner is not configured")
	}

	payload := map[string]any{}
	for k, v := range input {
		payload[k] = v
	}
	if briefing != nil {
		payload["orchestra_briefing"] = briefing
	}
	if snap.Role == "coder" && plannerOutput != nil {
		payload["planner_output"] = plannerOutput
	}
	return s.Runner.Run(ctx, runID, stageID, snap, payload)
}

// buildValidatorRequest maps a validator stage id to its gate shape: the
// pre-planner gate validates the run input, the post-planner gate validates
// the planner output. Anything else is a configuration error.
func buildValidatorRequest(runID, stageID string, input, plannerOutput map[string]any) (validator.RequestRecord, error) {
	now := time.Now().UTC()
	switch stageID {
	case "validator_pre_planner":
		raw, err := json.Marshal(input)
		if err != nil {
			return validator.RequestRecord{}, fmt.Errorf("encode run input: %w", err)
		}
		return validator.RequestRecord{
			RequestID:      runID,
			CreatedAt:      now,
			Prompt:         stringField(input, "user_prompt", "goal"),
			ResponseText:   string(raw),
			RequiredFields: []string{"goal", "user_prompt"},
			FieldTypes: map[string]validator.FieldType{
				"goal":        validator.FieldString,
				"user_prompt": validator.FieldString,
			},
		}, nil
	case "validator_post_planner":
		raw, err := json.Marshal(plannerOutput)
		if err != nil {
			return validator.RequestRecord{}, fmt.Errorf("encode planner output: %w", err)
		}
		return validator.RequestRecord{
			RequestID:      runID,
			CreatedAt:      now,
			Prompt:         stringField(input, "user_prompt", "goal"),
			ResponseText:   string(raw),
			RequiredFields: []string{"summary", "plan_steps"},
			FieldTypes: map[string]validator.FieldType{
				"summary":    validator.FieldString,
				"plan_steps": validator.FieldArray,
			},
		}, nil
	default:
		return validator.RequestRecord{}, fmt.Errorf("unsupported validator stage: %s", stageID)
	}
}

// Status derives the lifecycle state from state-file presence in priority
// order. A read-side projection: it never re-runs validation.
func (s *Service) Status(ctx context.Context, runID string) (string, error) {
	raw, err := s.Store.Get(ctx, runID, keyStateFinal)
	if err == nil {
		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			return "", fmt.Errorf("decode final state: %w", err)
		}
		return state.Status, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	for _, probe := range []struct {
		key    string
		status string
	}{
		{keyStatePaused, StatusPaused},
		{keyStateRunning, StatusRunning},
		{keyStateInitial, StatusCreated},
	} {
		if _, err := s.Store.Get(ctx, runID, probe.key); err == nil {
			return probe.status, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("run %s not found", runID)
}

// List projects every known run id to its current status.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.Store.Runs(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		status, err := s.Status(ctx, id)
		if err != nil {
			status = StatusCreated
		}
		summaries = append(summaries, Summary{ID: id, Status: status})
	}
	return summaries, nil
}

// Artifacts lists the run's persisted keys, restricted to the recognized
// artifact names. Unknown keys in the backing store are ignored.
func (s *Service) Artifacts(ctx context.Context, runID string) ([]string, error) {
	keys, err := s.Store.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	allowed := make([]string, 0, len(keys))
	for _, key := range keys {
		if recognizedArtifact(key) {
			allowed = append(allowed, key)
		}
	}
	return allowed, nil
}

// Artifact returns one artifact's raw content, rejecting names outside the
// recognized set.
func (s *Service) Artifact(ctx context.Context, runID, key string) ([]byte, error) {
	if !recognizedArtifact(key) {
		return nil, fmt.Errorf("unknown artifact key: %s", key)
	}
	return s.Store.Get(ctx, runID, key)
}

// EventTail returns the last n events of a run (all of them when n <= 0).
func (s *Service) EventTail(ctx context.Context, runID string, n int) ([]events.Event, error) {
	if s.Events == nil {
		return nil, fmt.Errorf("event log is not configured")
	}
	return s.Events.Tail(ctx, runID, n)
}

func recognizedArtifact(key string) bool {
	switch key {
	case keyInput, keyPipeline, keyModelSnapshots,
		keyStateInitial, keyStateRunning, keyStatePaused, keyStateFinal,
		"events":
		return true
	}
	if strings.HasPrefix(key, "validator_") {
		return true
	}
	for _, suffix := range []string{"_output", "_inference", "_tmp_s", "_tmp_s_parsed"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func (s *Service) fail(ctx context.Context, runID, stageID string, cause error) error {
	state := State{Status: StatusFailed, UpdatedAt: time.Now().UTC(), Stage: stageID, Error: cause.Error()}
	if err := s.writeState(ctx, runID, keyStateFinal, state); err != nil {
		s.logger().Warn("failed to persist final state", zap.String("run_id", runID), zap.Error(err))
	}
	s.appendEvent(ctx, runID, events.RunFailed, map[string]any{"stage": stageID, "error": cause.Error()}, stageID)
	return cause
}

func (s *Service) loadRun(ctx context.Context, runID string) ([]registry.StepSnapshot, map[string]any, error) {
	raw, err := s.Store.Get(ctx, runID, keyModelSnapshots)
	if err != nil {
		return nil, nil, fmt.Errorf("load model snapshots for %s: %w", runID, err)
	}
	var snapshots []registry.StepSnapshot
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		return nil, nil, fmt.Errorf("decode model snapshots: %w", err)
	}
	raw, err = s.Store.Get(ctx, runID, keyInput)
	if err != nil {
		return nil, nil, fmt.Errorf("load input for %s: %w", runID, err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, nil, fmt.Errorf("decode input: %w", err)
	}
	return snapshots, input, nil
}

func (s *Service) writeState(ctx context.Context, runID, key string, state State) error {
	return s.putJSON(ctx, runID, key, state)
}

func (s *Service) putJSON(ctx context.Context, runID, key string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Store.Put(ctx, runID, key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, runID, eventType string, payload map[string]any, stageID string) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Append(ctx, runID, eventType, payload, stageID); err != nil {
		s.logger().Warn("failed to append run event",
			zap.String("run_id", runID), zap.String("event", eventType), zap.Error(err))
	}
}

func modelConfig(m registry.Model) validator.ModelConfig {
	cfg := validator.ModelConfig{
		Provider:  m.Provider,
		BaseURL:   m.BaseURL,
		ModelName: m.ModelName,
	}
	if m.ValidatorConfig != nil {
		cfg.UseLLM = m.ValidatorConfig.UseLLM
		cfg.MaxAttempts = m.ValidatorConfig.MaxAttempts
	}
	return cfg
}

func briefingMap(b validator.OrchestraBriefing) map[string]any {
	raw, err := json.Marshal(b)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// runSink binds the validator runtime's flat artifact keys to one run id.
type runSink struct {
	store store.Store
	runID string
}

func (s runSink) PutJSON(ctx context.Context, key string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.store.Put(ctx, s.runID, key, data)
}

func (s runSink) PutText(ctx context.Context, key, text string) error {
	return s.store.Put(ctx, s.runID, key, []byte(text))
}
