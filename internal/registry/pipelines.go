package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StepTypeRole binds each declared step type to the role its model must
// carry.
var StepTypeRole = map[string]string{
	"validator_init": "validator",
	"validator_gate": "validator",
	"planner":        "planner",
	"coder":          "coder",
}

// Step is one pipeline entry. Step (or Name) labels the stage for artifact
// and event naming; Type is optional but, when present, pins the role.
type Step struct {
	Step    string         `json:"step,omitempty"`
	Name    string         `json:"name,omitempty"`
	Type    string         `json:"type,omitempty"`
	Role    string         `json:"role"`
	ModelID string         `json:"model_id"`
	Params  map[string]any `json:"params,omitempty"`
}

// StageID is the stable identifier used for artifacts and events.
func (s Step) StageID(index int) string {
	if name := strings.TrimSpace(s.Step); name != "" {
		return name
	}
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return fmt.Sprintf("step-%d", index)
}

// Pipeline is one catalog record.
type Pipeline struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// StepSnapshot is a step with its model configuration frozen at run
// creation.
type StepSnapshot struct {
	Index   int    `json:"index"`
	Step    string `json:"step"`
	Role    string `json:"role"`
	ModelID string `json:"model_id"`
	Model   Model  `json:"model_snapshot"`
}

// Pipelines is the file-backed pipeline catalog. Model references are
// verified against the linked model catalog on write.
type Pipelines struct {
	dir    string
	models *Models
}

func NewPipelines(dir string, models *Models) *Pipelines {
	return &Pipelines{dir: dir, models: models}
}

func (r *Pipelines) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Pipelines) validate(p Pipeline, verifyModels bool) error {
	if err := safeID(p.ID); err != nil {
		return fmt.Errorf("pipeline %w", err)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline steps are required")
	}
	for i, step := range p.Steps {
		if !ModelRoles[step.Role] {
			return fmt.Errorf("step %d: role must be one of %v", i+1, sortedKeys(ModelRoles))
		}
		if step.Type != "" {
			expected, ok := StepTypeRole[step.Type]
			if !ok {
				return fmt.Errorf("step %d: type must be one of %v", i+1, sortedStepTypes())
			}
			if step.Role != expected {
				return fmt.Errorf("step %d: type %s must use role %s", i+1, step.Type, expected)
			}
		}
		if strings.TrimSpace(step.ModelID) == "" {
			return fmt.Errorf("step %d: model_id is required", i+1)
		}
		if verifyModels {
			model, err := r.models.Get(step.ModelID)
			if err != nil {
				return fmt.Errorf("step %d: model_id not found: %s", i+1, step.ModelID)
			}
			if model.Role != "" && model.Role != step.Role {
				return fmt.Errorf("step %d: model role mismatch for model_id %s: expected %s, got %s",
					i+1, step.ModelID, step.Role, model.Role)
			}
		}
	}
	return nil
}

func (r *Pipelines) Create(p Pipeline) error {
	if r == nil {
		return fmt.Errorf("pipeline registry is nil")
	}
	if err := r.validate(p, true); err != nil {
		return err
	}
	if _, err := os.Stat(r.path(p.ID)); err == nil {
		return fmt.Errorf("pipeline already exists: %s", p.ID)
	}
	return r.write(p)
}

func (r *Pipelines) Update(id string, p Pipeline) error {
	if r == nil {
		return fmt.Errorf("pipeline registry is nil")
	}
	if err := r.validate(p, true); err != nil {
		return err
	}
	if p.ID != id {
		return fmt.Errorf("pipeline id mismatch: %s vs %s", id, p.ID)
	}
	if _, err := os.Stat(r.path(id)); os.IsNotExist(err) {
		return ErrPipelineNotFound
	}
	return r.write(p)
}

func (r *Pipelines) Get(id string) (Pipeline, error) {
	if r == nil {
		return Pipeline{}, fmt.Errorf("pipeline registry is nil")
	}
	if err := safeID(id); err != nil {
		return Pipeline{}, fmt.Errorf("pipeline %w", err)
	}
	data, err := os.ReadFile(r.path(id))
	if os.IsNotExist(err) {
		return Pipeline{}, ErrPipelineNotFound
	}
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	var pipeline Pipeline
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return Pipeline{}, fmt.Errorf("decode pipeline: %w", err)
	}
	if err := r.validate(pipeline, false); err != nil {
		return Pipeline{}, err
	}
	return pipeline, nil
}

func (r *Pipelines) List() ([]Pipeline, error) {
	if r == nil {
		return nil, fmt.Errorf("pipeline registry is nil")
	}
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	sort.Strings(paths)
	pipelines := make([]Pipeline, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var pipeline Pipeline
		if err := json.Unmarshal(data, &pipeline); err != nil {
			continue
		}
		if err := r.validate(pipeline, false); err != nil {
			continue
		}
		pipelines = append(pipelines, pipeline)
	}
	return pipelines, nil
}

func (r *Pipelines) Delete(id string) error {
	if r == nil {
		return fmt.Errorf("pipeline registry is nil")
	}
	if err := safeID(id); err != nil {
		return fmt.Errorf("pipeline %w", err)
	}
	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return ErrPipelineNotFound
	}
	return err
}

// ResolveModelSnapshots freezes each step's model configuration, failing on
// an unknown model or a role mismatch. The result is what a run persists as
// its immutable model view.
func (r *Pipelines) ResolveModelSnapshots(p Pipeline) ([]StepSnapshot, error) {
	if r == nil {
		return nil, fmt.Errorf("pipeline registry is nil")
	}
	snapshots := make([]StepSnapshot, 0, len(p.Steps))
	for i, step := range p.Steps {
		index := i + 1
		model, err := r.models.Get(step.ModelID)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", index, err)
		}
		if step.Role != "" && model.Role != "" && step.Role != model.Role {
			return nil, fmt.Errorf("model role mismatch for step %d: expected %s, got %s",
				index, step.Role, model.Role)
		}
		snapshots = append(snapshots, StepSnapshot{
			Index:   index,
			Step:    step.StageID(index),
			Role:    step.Role,
			ModelID: step.ModelID,
			Model:   model,
		})
	}
	return snapshots, nil
}

// FindPipelinesUsingModel lists pipeline ids referencing the model, so a
// delete can be refused while the model is still bound.
func (r *Pipelines) FindPipelinesUsingModel(modelID string) ([]string, error) {
	pipelines, err := r.List()
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, pipeline := range pipelines {
		for _, step := range pipeline.Steps {
			if step.ModelID == modelID {
				matches = append(matches, pipeline.ID)
				break
			}
		}
	}
	return matches, nil
}

func (r *Pipelines) write(p Pipeline) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create pipelines dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	return os.WriteFile(r.path(p.ID), data, 0o644)
}

func sortedStepTypes() []string {
	types := make([]string, 0, len(StepTypeRole))
	for stepType := range StepTypeRole {
		types = append(types, stepType)
	}
	sort.Strings(types)
	return types
}
