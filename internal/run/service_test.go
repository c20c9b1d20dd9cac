package run

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"orchestra/internal/events"
	"orchestra/internal/llmclient"
	"orchestra/internal/registry"
	"orchestra/internal/stage"
	"orchestra/internal/store"
)

const stageReply = `V|2.2|run-1|planner|1
A|ok|0.9|P|Output ready.
B|p1:coder|Implement steps.
B|p2:coder|Write tests.
B|p3:system|Review output.
C|A|0|0|*
O|json|planner_output|{"summary":"done","plan_steps":[{"step":1}]}`

type fixture struct {
	svc     *Service
	backing *store.MemoryStore
	log     *events.Log
	calls   *int
}

func newFixture(t *testing.T, infer stage.Inference) fixture {
	t.Helper()
	models := registry.NewModels(t.TempDir())
	for _, m := range []registry.Model{
		{ID: "val", Role: "validator", Provider: "openai-compatible", PromptProfile: "default", ModelName: "val-model", BaseURL: "http://localhost:9"},
		{ID: "plan", Role: "planner", Provider: "openai-compatible", PromptProfile: "default", ModelName: "plan-model", BaseURL: "http://localhost:9"},
		{ID: "code", Role: "coder", Provider: "openai-compatible", PromptProfile: "default", ModelName: "code-model", BaseURL: "http://localhost:9"},
	} {
		if err := models.Create(m); err != nil {
			t.Fatalf("seed model %s: %v", m.ID, err)
		}
	}
	pipelines := registry.NewPipelines(t.TempDir(), models)
	pipeline := registry.Pipeline{
		ID:   "default",
		Name: "default",
		Steps: []registry.Step{
			{Step: "validator_pre_planner", Type: "validator_init", Role: "validator", ModelID: "val"},
			{Step: "planner", Type: "planner", Role: "planner", ModelID: "plan"},
			{Step: "validator_post_planner", Type: "validator_gate", Role: "validator", ModelID: "val"},
			{Step: "coder", Type: "coder", Role: "coder", ModelID: "code"},
		},
	}
	if err := pipelines.Create(pipeline); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	backing := store.NewMemoryStore()
	log := &events.Log{Store: backing}
	calls := 0
	counted := func(ctx context.Context, baseURL, model string, messages []llmclient.Message) (string, error) {
		calls++
		if infer == nil {
			return stageReply, nil
		}
		return infer(ctx, baseURL, model, messages)
	}
	runner := &stage.Runner{Store: backing, Events: log, Infer: counted}
	svc := &Service{Store: backing, Events: log, Pipelines: pipelines, Runner: runner}
	return fixture{svc: svc, backing: backing, log: log, calls: &calls}
}

func goodInput() map[string]any {
	return map[string]any{"goal": "ship the feature", "user_prompt": "please build it"}
}

func hasEvent(t *testing.T, log *events.Log, runID, eventType string) bool {
	t.Helper()
	all, err := log.List(context.Background(), runID)
	if err != nil {
		t.Fatalf("List events: %v", err)
	}
	for _, event := range all {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func TestCreatePersistsSnapshots(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusCreated || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}
	if len(created.Snapshots) != 4 {
		t.Fatalf("snapshots = %d, want 4", len(created.Snapshots))
	}
	status, err := fx.svc.Status(ctx, created.ID)
	if err != nil || status != StatusCreated {
		t.Fatalf("Status = %q, %v", status, err)
	}
	for _, key := range []string{"input", "pipeline_snapshot", "model_snapshots", "state_initial"} {
		if _, err := fx.backing.Get(ctx, created.ID, key); err != nil {
			t.Fatalf("artifact %s: %v", key, err)
		}
	}
	if !hasEvent(t, fx.log, created.ID, events.RunCreated) {
		t.Fatal("RUN_CREATED not appended")
	}
}

func TestCreateUnknownPipeline(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.svc.Create(context.Background(), "missing", goodInput()); err == nil {
		t.Fatal("want error for unknown pipeline")
	}
}

func TestExecuteAutoCompletes(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := fx.svc.ExecuteAuto(ctx, created.ID)
	if err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("status = %q", status)
	}
	if *fx.calls != 2 {
		t.Fatalf("inference calls = %d, want planner and coder only", *fx.calls)
	}
	for _, key := range []string{
		"validator_pre_planner", "planner_output", "planner_inference",
		"validator_post_planner", "coder_output", "coder_inference", "state_final",
	} {
		if _, err := fx.backing.Get(ctx, created.ID, key); err != nil {
			t.Fatalf("artifact %s: %v", key, err)
		}
	}
	if got, err := fx.svc.Status(ctx, created.ID); err != nil || got != StatusCompleted {
		t.Fatalf("Status = %q, %v", got, err)
	}
	if !hasEvent(t, fx.log, created.ID, events.RunCompleted) {
		t.Fatal("RUN_COMPLETED not appended")
	}
	if !hasEvent(t, fx.log, created.ID, events.DecisionMade) {
		t.Fatal("DECISION_MADE not appended")
	}
}

func TestNonAcceptValidatorPausesRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", map[string]any{"goal": "only a goal"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := fx.svc.ExecuteAuto(ctx, created.ID)
	if err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	if status != StatusPaused {
		t.Fatalf("status = %q", status)
	}
	if *fx.calls != 0 {
		t.Fatalf("inference calls = %d, want none past a paused gate", *fx.calls)
	}
	for _, key := range []string{"planner_output", "coder_output"} {
		if _, err := fx.backing.Get(ctx, created.ID, key); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("artifact %s must not exist, got err %v", key, err)
		}
	}
	if got, err := fx.svc.Status(ctx, created.ID); err != nil || got != StatusPaused {
		t.Fatalf("Status = %q, %v", got, err)
	}
}

func TestExecuteAutoIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.ExecuteAuto(ctx, created.ID); err != nil {
		t.Fatalf("first ExecuteAuto: %v", err)
	}

	status, err := fx.svc.ExecuteAuto(ctx, created.ID)
	if err != nil {
		t.Fatalf("second ExecuteAuto: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("status = %q", status)
	}
	if *fx.calls != 2 {
		t.Fatalf("inference calls = %d, replay must not re-invoke the collaborator", *fx.calls)
	}
}

func TestResumeRevalidatesPausedGate(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", map[string]any{"goal": "only a goal"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status, err := fx.svc.ExecuteAuto(ctx, created.ID); err != nil || status != StatusPaused {
		t.Fatalf("ExecuteAuto = %q, %v", status, err)
	}

	fixed, _ := json.Marshal(goodInput())
	if err := fx.backing.Put(ctx, created.ID, "input", fixed); err != nil {
		t.Fatalf("Put input: %v", err)
	}
	status, err := fx.svc.Resume(ctx, created.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("status = %q", status)
	}
	if got, err := fx.svc.Status(ctx, created.ID); err != nil || got != StatusCompleted {
		t.Fatalf("Status = %q, %v", got, err)
	}
}

func TestResumeRejectsNonPausedRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.Resume(ctx, created.ID); err == nil {
		t.Fatal("want error when resuming a run that is not paused")
	}
}

func TestStageFailureMarksRunFailed(t *testing.T) {
	fx := newFixture(t, func(context.Context, string, string, []llmclient.Message) (string, error) {
		return "", errors.New("backend unreachable")
	})
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := fx.svc.ExecuteAuto(ctx, created.ID); err == nil {
		t.Fatal("want propagated stage error")
	}
	status, err := fx.svc.Status(ctx, created.ID)
	if err != nil || status != StatusFailed {
		t.Fatalf("Status = %q, %v", status, err)
	}
	raw, err := fx.backing.Get(ctx, created.ID, "state_final")
	if err != nil {
		t.Fatalf("Get state_final: %v", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Stage != "planner" || !strings.Contains(state.Error, "backend unreachable") {
		t.Fatalf("state = %+v", state)
	}
	if !hasEvent(t, fx.log, created.ID, events.RunFailed) {
		t.Fatal("RUN_FAILED not appended")
	}
}

func TestListProjectsStatuses(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	first, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.ExecuteAuto(ctx, first.ID); err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	second, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	summaries, err := fx.svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byID := map[string]string{}
	for _, summary := range summaries {
		byID[summary.ID] = summary.Status
	}
	if byID[first.ID] != StatusCompleted || byID[second.ID] != StatusCreated {
		t.Fatalf("summaries = %v", byID)
	}
}

func TestArtifactRejectsUnknownKey(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.Artifact(ctx, created.ID, "random_key"); err == nil {
		t.Fatal("want rejection of an unrecognized artifact key")
	}
	raw, err := fx.svc.Artifact(ctx, created.ID, "input")
	if err != nil {
		t.Fatalf("Artifact input: %v", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if input["goal"] != "ship the feature" {
		t.Fatalf("input = %v", input)
	}
}

func TestUnsupportedValidatorStageFailsRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	created, err := fx.svc.Create(ctx, "default", goodInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	raw, err := fx.backing.Get(ctx, created.ID, "model_snapshots")
	if err != nil {
		t.Fatalf("Get snapshots: %v", err)
	}
	var snapshots []registry.StepSnapshot
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		t.Fatalf("decode snapshots: %v", err)
	}
	snapshots[0].Step = "validator_mystery_gate"
	patched, _ := json.Marshal(snapshots)
	if err := fx.backing.Put(ctx, created.ID, "model_snapshots", patched); err != nil {
		t.Fatalf("Put snapshots: %v", err)
	}

	_, err = fx.svc.ExecuteAuto(ctx, created.ID)
	if err == nil || !strings.Contains(err.Error(), "unsupported validator stage") {
		t.Fatalf("err = %v", err)
	}
	if status, statusErr := fx.svc.Status(ctx, created.ID); statusErr != nil || status != StatusFailed {
		t.Fatalf("Status = %q, %v", status, statusErr)
	}
}
