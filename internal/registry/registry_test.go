package registry

import (
	"errors"
	"strings"
	"testing"
)

func testModel(id, role string) Model {
	return Model{
		ID:            id,
		Role:          role,
		Provider:      "openai-compatible",
		PromptProfile: "default",
		ModelName:     "test-model",
		BaseURL:       "http://localhost:8000/v1",
	}
}

func newCatalogs(t *testing.T) (*Models, *Pipelines) {
	t.Helper()
	models := NewModels(t.TempDir())
	pipelines := NewPipelines(t.TempDir(), models)
	return models, pipelines
}

func TestModelCreateGetRoundTrip(t *testing.T) {
	models, _ := newCatalogs(t)
	want := testModel("val-1", "validator")
	want.ValidatorConfig = &ValidatorConfig{UseLLM: true, MaxAttempts: 3}
	if err := models.Create(want); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := models.Get("val-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "val-1" || got.Role != "validator" {
		t.Fatalf("Get = %+v", got)
	}
	if got.ValidatorConfig == nil || !got.ValidatorConfig.UseLLM || got.ValidatorConfig.MaxAttempts != 3 {
		t.Fatalf("validator_config = %+v", got.ValidatorConfig)
	}
}

func TestModelCreateRejectsInvalid(t *testing.T) {
	models, _ := newCatalogs(t)

	bad := testModel("m", "dj")
	if err := models.Create(bad); err == nil || !strings.Contains(err.Error(), "role") {
		t.Fatalf("expected role error, got %v", err)
	}

	bad = testModel("m", "planner")
	bad.Provider = "groq"
	if err := models.Create(bad); err == nil || !strings.Contains(err.Error(), "provider") {
		t.Fatalf("expected provider error, got %v", err)
	}

	bad = testModel("m", "planner")
	bad.BaseURL = ""
	if err := models.Create(bad); err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("expected base_url error, got %v", err)
	}

	bad = testModel("../oops", "planner")
	if err := models.Create(bad); err == nil {
		t.Fatal("expected path separator error")
	}
}

func TestModelLocalProvidersAllowEmptyEndpoint(t *testing.T) {
	models, _ := newCatalogs(t)
	m := Model{ID: "local", Role: "coder", Provider: "llamacpp", PromptProfile: "default"}
	if err := models.Create(m); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestModelCreateDuplicateFails(t *testing.T) {
	models, _ := newCatalogs(t)
	if err := models.Create(testModel("m", "planner")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := models.Create(testModel("m", "planner")); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestModelUpdateAndDelete(t *testing.T) {
	models, _ := newCatalogs(t)
	if err := models.Create(testModel("m", "planner")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated := testModel("m", "planner")
	updated.ModelName = "new-name"
	if err := models.Update("m", updated); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := models.Get("m")
	if err != nil || got.ModelName != "new-name" {
		t.Fatalf("Get after update = %+v, %v", got, err)
	}

	if err := models.Update("other", updated); err == nil {
		t.Fatal("expected id mismatch error")
	}
	if err := models.Delete("m"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := models.Get("m"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Get after delete = %v, want ErrModelNotFound", err)
	}
	if err := models.Delete("m"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Delete again = %v, want ErrModelNotFound", err)
	}
}

func TestParseModelRejectsUnknownParams(t *testing.T) {
	_, err := ParseModel([]byte(`{"id":"m","role":"planner","provider":"vllm","prompt_profile":"default","model_name":"x","base_url":"http://h","params":{"temperature":0.5}}`))
	if err == nil || !strings.Contains(err.Error(), "unsupported keys") {
		t.Fatalf("err = %v, want unsupported keys", err)
	}
}

func TestParseModelAcceptsKnownParams(t *testing.T) {
	m, err := ParseModel([]byte(`{"id":"m","role":"planner","provider":"vllm","prompt_profile":"default","model_name":"x","base_url":"http://h","params":{"token_budget":2048,"extra_args":["--flag"]}}`))
	if err != nil {
		t.Fatalf("ParseModel: %v", err)
	}
	if m.Params == nil || m.Params.TokenBudget == nil || *m.Params.TokenBudget != 2048 {
		t.Fatalf("params = %+v", m.Params)
	}
}

func defaultPipeline() Pipeline {
	return Pipeline{
		ID: "default",
		Steps: []Step{
			{Step: "validator_pre_planner", Type: "validator_init", Role: "validator", ModelID: "val"},
			{Step: "planner", Type: "planner", Role: "planner", ModelID: "plan"},
			{Step: "coder", Type: "coder", Role: "coder", ModelID: "code"},
		},
	}
}

func seedModels(t *testing.T, models *Models) {
	t.Helper()
	for id, role := range map[string]string{"val": "validator", "plan": "planner", "code": "coder"} {
		if err := models.Create(testModel(id, role)); err != nil {
			t.Fatalf("seed model %s: %v", id, err)
		}
	}
}

func TestPipelineCreateAndResolve(t *testing.T) {
	models, pipelines := newCatalogs(t)
	seedModels(t, models)
	if err := pipelines.Create(defaultPipeline()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pipeline, err := pipelines.Get("default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snapshots, err := pipelines.ResolveModelSnapshots(pipeline)
	if err != nil {
		t.Fatalf("ResolveModelSnapshots: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snapshots))
	}
	if snapshots[0].Step != "validator_pre_planner" || snapshots[0].Model.Role != "validator" {
		t.Fatalf("snapshot[0] = %+v", snapshots[0])
	}
	if snapshots[1].Index != 2 {
		t.Fatalf("snapshot[1].Index = %d, want 2", snapshots[1].Index)
	}
}

func TestPipelineRejectsUnknownModel(t *testing.T) {
	models, pipelines := newCatalogs(t)
	seedModels(t, models)
	p := defaultPipeline()
	p.Steps[1].ModelID = "ghost"
	if err := pipelines.Create(p); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want model not found", err)
	}
}

func TestPipelineRejectsRoleMismatch(t *testing.T) {
	models, pipelines := newCatalogs(t)
	seedModels(t, models)
	p := defaultPipeline()
	p.Steps[1].ModelID = "code"
	if err := pipelines.Create(p); err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("err = %v, want role mismatch", err)
	}
}

func TestPipelineRejectsTypeRoleConflict(t *testing.T) {
	models, pipelines := newCatalogs(t)
	seedModels(t, models)
	p := defaultPipeline()
	p.Steps[0].Type = "planner"
	if err := pipelines.Create(p); err == nil || !strings.Contains(err.Error(), "must use role") {
		t.Fatalf("err = %v, want type/role conflict", err)
	}
}

func TestResolveFailsOnStaleModelRole(t *testing.T) {
	models, pipelines := newCatalogs(t)
	seedModels(t, models)
	if err := pipelines.Create(defaultPipeline()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Re-point the bound model at a different role after pipeline creation.
	stale := testModel("plan", "coder")
	if err := models.Update("plan", stale); err != nil {
		t.Fatalf("Update: %v", err)
	}
	pipeline, err := pipelines.Get("default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := pipelines.ResolveModelSnapshots(pipeline); err == nil {
		t.Fatal("expected role mismatch at resolve time")
	}
}

func TestFindPipelinesUsingModel(t *testing.T) {
	models, pipelines := newCatalogs(t)
	seedModels(t, models)
	if err := pipelines.Create(defaultPipeline()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	other := defaultPipeline()
	other.ID = "no-coder"
	other.Steps = other.Steps[:2]
	if err := pipelines.Create(other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	matches, err := pipelines.FindPipelinesUsingModel("code")
	if err != nil {
		t.Fatalf("FindPipelinesUsingModel: %v", err)
	}
	if len(matches) != 1 || matches[0] != "default" {
		t.Fatalf("matches = %v", matches)
	}

	matches, err = pipelines.FindPipelinesUsingModel("val")
	if err != nil {
		t.Fatalf("FindPipelinesUsingModel: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %v, want both pipelines", matches)
	}
}
