package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ValidateRequest runs the deterministic hard-check path: parse the response
// as JSON, verify required/allowed/typed fields, and fold the result into a
// control decision. It never calls a model and never fails.
func ValidateRequest(rec RequestRecord) FinalValidatorLabel {
	var errs []ErrorLocalization

	var parsed any
	parseErr := json.Unmarshal([]byte(rec.ResponseText), &parsed)
	jsonOK := parseErr == nil
	obj, isObject := parsed.(map[string]any)

	requiredPresent := false
	noExtraneous := false
	typesValid := false

	switch {
	case !jsonOK:
		errs = append(errs, ErrorLocalization{
			Severity: "error",
			Path:     "$",
			Issue:    "json_parse_error",
			Why:      "Response is not valid JSON.",
			FixHint:  "Return a valid JSON object.",
			SpanHint: parseErr.Error(),
		})
	case !isObject:
		errs = append(errs, ErrorLocalization{
			Severity: "error",
			Path:     "$",
			Issue:    "json_not_object",
			Why:      "Response JSON is not an object.",
			FixHint:  "Return a JSON object with key-value pairs.",
		})
	default:
		missing := missingFields(obj, rec.RequiredFields)
		requiredPresent = len(missing) == 0
		if !requiredPresent {
			errs = append(errs, ErrorLocalization{
				Severity: "error",
				Path:     "$",
				Issue:    "missing_required_fields",
				Why:      fmt.Sprintf("Missing required fields: %s.", strings.Join(missing, ", ")),
				FixHint:  "Include all required fields in the JSON object.",
			})
		}

		if rec.AllowedFields == nil {
			noExtraneous = true
		} else {
			extraneous := extraneousFields(obj, rec.AllowedFields)
			noExtraneous = len(extraneous) == 0
			if !noExtraneous {
				errs = append(errs, ErrorLocalization{
					Severity: "error",
					Path:     "$",
					Issue:    "extraneous_fields",
					Why:      fmt.Sprintf("Extraneous fields present: %s.", strings.Join(extraneous, ", ")),
					FixHint:  "Remove fields that are not allowed.",
				})
			}
		}

		mismatches := typeMismatches(obj, rec.FieldTypes)
		typesValid = len(mismatches) == 0
		for _, field := range mismatches {
			errs = append(errs, ErrorLocalization{
				Severity: "error",
				Path:     "$." + field,
				Issue:    "field_type_mismatch",
				Why:      "Field type does not match expected schema.",
				FixHint:  "Update the field to the expected type.",
			})
		}
	}

	schemaValid := jsonOK && isObject && requiredPresent && noExtraneous && typesValid
	hard := HardChecks{
		JSONParseable:         jsonOK,
		SchemaValid:           schemaValid,
		RequiredFieldsPresent: requiredPresent,
		NoExtraneousFields:    noExtraneous,
		FieldTypesValid:       typesValid,
	}
	soft := defaultSoftChecks(hard)

	var (
		rationale    string
		knownCorrect []string
		uncertain    []string
		nextActions  []string
		retryPrompt  string
		control      ControlDecision
	)
	switch {
	case schemaValid && soft.Overall >= 0.7:
		rationale = "All hard checks passed; soft scores are defaulted pending semantic review."
		knownCorrect = []string{"Hard checks passed."}
		uncertain = []string{"Semantic correctness not assessed."}
		nextActions = []string{
			"Proceed to the next node.",
			"Monitor for semantic issues downstream.",
			"Run any required integration checks.",
		}
		retryPrompt = "No retry required."
		control = ControlDecision{
			Decision:       DecisionAccept,
			StopConditions: []string{},
			RouteTo:        "next_node",
		}
	case schemaValid:
		rationale = "Hard checks passed, but soft scores indicate a quality gap."
		knownCorrect = []string{"Schema compliance passed."}
		uncertain = []string{"Semantic quality needs improvement."}
		nextActions = []string{
			"Review correctness against the goal.",
			"Tighten adherence to constraints.",
			"Improve completeness and clarity.",
		}
		retryPrompt = "Improve the response for correctness, constraint adherence, completeness, and clarity."
		control = ControlDecision{
			Decision:       DecisionRetrySame,
			RetryStrategy:  StrategyQualityReview,
			StopConditions: []string{"max_retries_reached"},
			RouteTo:        "same_node",
		}
	default:
		missing := rec.RequiredFields
		if isObject {
			missing = missingFields(obj, rec.RequiredFields)
		}
		retryPrompt = "Return strict JSON object that matches the required schema."
		if len(missing) > 0 {
			retryPrompt += fmt.Sprintf(" Required fields: %s.", strings.Join(missing, ", "))
		}
		rationale = "Hard checks failed; output must be corrected before semantic review."
		uncertain = []string{"Schema compliance failed."}
		nextActions = []string{
			"Return valid JSON.",
			"Include all required fields.",
			"Remove extraneous fields and fix types.",
		}
		control = ControlDecision{
			Decision:       DecisionRetrySame,
			RetryStrategy:  StrategySchemaRepair,
			StopConditions: []string{"max_retries_reached"},
			RouteTo:        "same_node",
		}
	}

	return FinalValidatorLabel{
		Version:           SchemaVersion,
		HardChecks:        hard,
		SoftChecks:        soft,
		ErrorLocalization: errs,
		MinimalRationale:  rationale,
		OrchestraBriefing: OrchestraBriefing{
			KnownCorrect:          knownCorrect,
			UncertainOrNeedsCheck: uncertain,
			MissingInputs:         []string{},
			NextActions:           nextActions,
			RetryPrompt:           retryPrompt,
			Script:                CompressPromptToScript(rec.ResponseText),
			CurrentScope:          []string{},
			AllowedActions:        []string{},
			Constraints:           []string{},
		},
		Control: control,
	}
}

// CompressPromptToScript builds the deterministic restatement of free text:
// normalized first 160 chars as intent, bullet or key:-prefixed lines (max 5)
// as features.
func CompressPromptToScript(text string) CompressedScript {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
	intent := "Clarify user intent."
	if normalized != "" {
		intent = truncate(normalized, 160)
	}
	var features []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*"):
			features = append(features, strings.TrimSpace(strings.TrimLeft(line, "-* ")))
		case strings.Contains(line, ":") && len(features) < 5:
			key, _, _ := strings.Cut(line, ":")
			features = append(features, strings.TrimSpace(key))
		}
	}
	if len(features) == 0 && normalized != "" {
		features = []string{truncate(normalized, 120)}
	}
	return CompressedScript{
		TaskID:      "task",
		Intent:      intent,
		Spec:        CompressedSpec{Features: features},
		Constraints: []string{},
		Budgets:     map[string]int{},
	}
}

func defaultSoftChecks(hard HardChecks) SoftChecks {
	passed := 0
	for _, ok := range []bool{
		hard.JSONParseable,
		hard.SchemaValid,
		hard.RequiredFieldsPresent,
		hard.NoExtraneousFields,
		hard.FieldTypesValid,
	} {
		if ok {
			passed++
		}
	}
	base := math.Round(float64(passed)/5*100) / 100
	return SoftChecks{
		Correctness:         base,
		ConstraintAdherence: base,
		Completeness:        base,
		Clarity:             base,
		Overall:             base,
	}
}

func missingFields(obj map[string]any, required []string) []string {
	var missing []string
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

func extraneousFields(obj map[string]any, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, field := range allowed {
		allowedSet[field] = true
	}
	var extraneous []string
	for field := range obj {
		if !allowedSet[field] {
			extraneous = append(extraneous, field)
		}
	}
	sort.Strings(extraneous)
	return extraneous
}

func typeMismatches(obj map[string]any, fieldTypes map[string]FieldType) []string {
	var mismatches []string
	for field, expected := range fieldTypes {
		value, ok := obj[field]
		if !ok {
			continue
		}
		if !matchesType(value, expected) {
			mismatches = append(mismatches, field)
		}
	}
	sort.Strings(mismatches)
	return mismatches
}

func matchesType(value any, expected FieldType) bool {
	switch expected {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		_, ok := value.(float64)
		return ok
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldArray:
		_, ok := value.([]any)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldNull:
		return value == nil
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
