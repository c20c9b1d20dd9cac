// Package validator grades untrusted LLM output. The deterministic engine
// checks JSON shape against a declared schema; the runtime path asks a
// validator model to emit TMP-S and degrades to a canned label when the model
// cannot produce valid protocol within the attempt budget. Both paths yield
// the same FinalValidatorLabel shape.
package validator

import "time"

// SchemaVersion tags persisted records and labels.
const SchemaVersion = "0.1"

// FieldType is the declared JSON type of a schema field. Checks are
// structural over the decoded value, never reflective.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
	FieldNull    FieldType = "null"
)

// RequestRecord describes one validation request. It is created once per
// stage output and never mutated.
type RequestRecord struct {
	Version        string               `json:"version"`
	RequestID      string               `json:"request_id"`
	CreatedAt      time.Time            `json:"created_at"`
	Prompt         string               `json:"prompt"`
	ResponseText   string               `json:"response_text"`
	RequiredFields []string             `json:"required_fields"`
	AllowedFields  []string             `json:"allowed_fields,omitempty"` // nil = any field allowed
	FieldTypes     map[string]FieldType `json:"field_types,omitempty"`
}

// HardChecks are the five binary syntactic validations.
type HardChecks struct {
	JSONParseable         bool `json:"json_parseable"`
	SchemaValid           bool `json:"schema_valid"`
	RequiredFieldsPresent bool `json:"required_fields_present"`
	NoExtraneousFields    bool `json:"no_extraneous_fields"`
	FieldTypesValid       bool `json:"field_types_valid"`
}

// SoftChecks are continuous quality scores in [0,1].
type SoftChecks struct {
	Correctness         float64 `json:"correctness"`
	ConstraintAdherence float64 `json:"constraint_adherence"`
	Completeness        float64 `json:"completeness"`
	Clarity             float64 `json:"clarity"`
	Overall             float64 `json:"overall"`
}

// ErrorLocalization points at one problem in the graded output.
type ErrorLocalization struct {
	Severity string `json:"severity"` // info, warning, error
	Path     string `json:"path"`     // JSON-pointer-like, $ rooted
	Issue    string `json:"issue"`
	Why      string `json:"why"`
	FixHint  string `json:"fix_hint"`
	SpanHint string `json:"span_hint,omitempty"`
}

// CompressedSpec is the feature list inside a compressed script.
type CompressedSpec struct {
	Features []string `json:"features"`
}

// CompressedScript is the deterministic restatement of a prompt: task id,
// one-line intent, and extracted features.
type CompressedScript struct {
	TaskID      string         `json:"task_id"`
	Intent      string         `json:"intent"`
	Spec        CompressedSpec `json:"spec"`
	Constraints []string       `json:"constraints"`
	Budgets     map[string]int `json:"budgets"`
}

// OrchestraBriefing is the hand-off object carried to the next stage.
type OrchestraBriefing struct {
	KnownCorrect          []string         `json:"known_correct"`
	UncertainOrNeedsCheck []string         `json:"uncertain_or_needs_check"`
	MissingInputs         []string         `json:"missing_inputs"`
	NextActions           []string         `json:"next_actions"` // 3..7 entries
	OptionalPatch         string           `json:"optional_patch,omitempty"`
	RetryPrompt           string           `json:"retry_prompt"`
	Script                CompressedScript `json:"script"`
	CurrentScope          []string         `json:"current_scope"`
	AllowedActions        []string         `json:"allowed_actions"`
	TokenBudget           *int             `json:"token_budget,omitempty"`
	Constraints           []string         `json:"constraints"`
}

// Control decisions.
const (
	DecisionAccept    = "accept"
	DecisionRetrySame = "retry_same_node"
	DecisionReroute   = "reroute"
	DecisionEscalate  = "escalate"
	DecisionAbort     = "abort"
)

// Retry strategies the deterministic engine emits.
const (
	StrategySchemaRepair  = "schema_repair"
	StrategyQualityReview = "quality_review"
)

// ControlDecision is the validator's routing verdict.
type ControlDecision struct {
	Decision       string   `json:"decision"`
	RetryStrategy  string   `json:"retry_strategy,omitempty"`
	StopConditions []string `json:"stop_conditions"`
	RouteTo        string   `json:"route_to,omitempty"`
	MaxRetries     int      `json:"max_retries"`
}

// FinalValidatorLabel is the complete verdict for one validation request.
// Produced once per validator invocation and persisted immutably.
type FinalValidatorLabel struct {
	Version           string              `json:"version"`
	HardChecks        HardChecks          `json:"hard_checks"`
	SoftChecks        SoftChecks          `json:"soft_checks"`
	ErrorLocalization []ErrorLocalization `json:"error_localization"`
	MinimalRationale  string              `json:"minimal_rationale"`
	OrchestraBriefing OrchestraBriefing   `json:"orchestra_briefing"`
	Control           ControlDecision     `json:"control"`
}
