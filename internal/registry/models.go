// Package registry manages the model and pipeline catalogs: one JSON file
// per record under a configured directory. Records are validated on write
// and on read, and ids are confined to single path segments.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// ModelRoles are the pipeline roles a model can be bound to.
var ModelRoles = map[string]bool{
	"validator":    true,
	"planner":      true,
	"coder":        true,
	"preprocessor": true,
}

// ModelProviders are the supported inference backends.
var ModelProviders = map[string]bool{
	"openai-compatible": true,
	"vllm":              true,
	"ollama":            true,
	"llamacpp":          true,
}

// Locally-managed runtimes resolve their endpoint at launch, so base_url and
// model_name may be empty for them.
var providersWithOptionalEndpoints = map[string]bool{
	"llamacpp": true,
	"ollama":   true,
}

var allowedParamFields = map[string]bool{
	"ctx_size":     true,
	"threads":      true,
	"n_gpu_layers": true,
	"offload_kqv":  true,
	"token_budget": true,
	"extra_args":   true,
}

// ModelParams are the launch/runtime tuning knobs. Unknown keys are
// rejected at parse time rather than silently dropped.
type ModelParams struct {
	CtxSize     *int     `json:"ctx_size,omitempty"`
	Threads     *int     `json:"threads,omitempty"`
	NGPULayers  *int     `json:"n_gpu_layers,omitempty"`
	OffloadKQV  *bool    `json:"offload_kqv,omitempty"`
	TokenBudget *int     `json:"token_budget,omitempty"`
	ExtraArgs   []string `json:"extra_args,omitempty"`
}

// ValidatorConfig switches a validator-role model between the deterministic
// engine and the LLM-backed attempt loop.
type ValidatorConfig struct {
	UseLLM      bool `json:"use_llm"`
	MaxAttempts int  `json:"max_attempts,omitempty"`
}

// Model is one catalog record.
type Model struct {
	ID              string           `json:"id"`
	Role            string           `json:"role"`
	Provider        string           `json:"provider"`
	PromptProfile   string           `json:"prompt_profile"`
	ModelName       string           `json:"model_name"`
	BaseURL         string           `json:"base_url"`
	Adapter         string           `json:"adapter,omitempty"`
	Params          *ModelParams     `json:"params,omitempty"`
	ValidatorConfig *ValidatorConfig `json:"validator_config,omitempty"`
}

// Models is the file-backed model catalog.
type Models struct {
	dir string
}

func NewModels(dir string) *Models {
	return &Models{dir: dir}
}

func safeID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("id must not contain path separators")
	}
	return nil
}

// ParseModel decodes a model payload, rejecting unsupported params keys.
func ParseModel(data []byte) (Model, error) {
	var raw struct {
		Params map[string]json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Model{}, fmt.Errorf("model payload must be a JSON object: %w", err)
	}
	var unknown []string
	for key := range raw.Params {
		if !allowedParamFields[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Model{}, fmt.Errorf("params contain unsupported keys: %v", unknown)
	}

	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return Model{}, fmt.Errorf("decode model: %w", err)
	}
	return model, nil
}

func validateModel(m Model) error {
	if err := safeID(m.ID); err != nil {
		return fmt.Errorf("model %w", err)
	}
	if !ModelRoles[m.Role] {
		return fmt.Errorf("role must be one of %v", sortedKeys(ModelRoles))
	}
	if !ModelProviders[m.Provider] {
		return fmt.Errorf("provider must be one of %v", sortedKeys(ModelProviders))
	}
	if strings.TrimSpace(m.PromptProfile) == "" {
		return fmt.Errorf("prompt_profile is required")
	}
	if !providersWithOptionalEndpoints[m.Provider] {
		if strings.TrimSpace(m.ModelName) == "" {
			return fmt.Errorf("model_name is required")
		}
		if strings.TrimSpace(m.BaseURL) == "" {
			return fmt.Errorf("base_url is required")
		}
	}
	return nil
}

func (r *Models) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Models) Create(m Model) error {
	if r == nil {
		return fmt.Errorf("model registry is nil")
	}
	if err := validateModel(m); err != nil {
		return err
	}
	if _, err := os.Stat(r.path(m.ID)); err == nil {
		return fmt.Errorf("model already exists: %s", m.ID)
	}
	return r.write(m)
}

func (r *Models) Get(id string) (Model, error) {
	if r == nil {
		return Model{}, fmt.Errorf("model registry is nil")
	}
	if err := safeID(id); err != nil {
		return Model{}, fmt.Errorf("model %w", err)
	}
	data, err := os.ReadFile(r.path(id))
	if os.IsNotExist(err) {
		return Model{}, ErrModelNotFound
	}
	if err != nil {
		return Model{}, fmt.Errorf("read model: %w", err)
	}
	return ParseModel(data)
}

func (r *Models) List() ([]Model, error) {
	if r == nil {
		return nil, fmt.Errorf("model registry is nil")
	}
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	sort.Strings(paths)
	models := make([]Model, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		model, err := ParseModel(data)
		if err != nil {
			continue
		}
		models = append(models, model)
	}
	return models, nil
}

func (r *Models) Update(id string, m Model) error {
	if r == nil {
		return fmt.Errorf("model registry is nil")
	}
	if err := validateModel(m); err != nil {
		return err
	}
	if m.ID != id {
		return fmt.Errorf("model id mismatch: %s vs %s", id, m.ID)
	}
	if _, err := os.Stat(r.path(id)); os.IsNotExist(err) {
		return ErrModelNotFound
	}
	return r.write(m)
}

func (r *Models) Delete(id string) error {
	if r == nil {
		return fmt.Errorf("model registry is nil")
	}
	if err := safeID(id); err != nil {
		return fmt.Errorf("model %w", err)
	}
	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return ErrModelNotFound
	}
	return err
}

func (r *Models) write(m Model) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return os.WriteFile(r.path(m.ID), data, 0o644)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
