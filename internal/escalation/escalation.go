// Package escalation is the cheap go/no-go policy layer: a confidence
// heuristic over raw stage output and a trend-based escalation decision. It
// never drives retries itself; orchestrators consult it before spending a
// full validator pass.
package escalation

import "strings"

// Actions returned by Decide.
const (
	ActionAdapt    = "adapt"
	ActionReframe  = "reframe"
	ActionEscalate = "escalate"
	ActionAbort    = "abort"
)

// StepResult carries the signals Decide needs about the current step.
type StepResult struct {
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues"`
	RetryCount int      `json:"retry_count"`
	TokensUsed int      `json:"tokens_used"`
}

// WindowAdjustment narrows the diagnostic code window after a bad step.
type WindowAdjustment struct {
	WindowChunks int `json:"window_chunks"`
}

// Decision is the outcome of one escalation check.
type Decision struct {
	Action           string            `json:"action"`
	Reason           string            `json:"reason"`
	ModifiedPrompt   string            `json:"modified_prompt,omitempty"`
	WindowAdjustment *WindowAdjustment `json:"window_adjustment,omitempty"`
}

// ComputeConfidence scores a validator step without a model call: baseline
// 0.7 when the output parsed as JSON with all required fields, minus 0.3 for
// missing fields, minus 0.3 for hedge language, clamped to [0,1].
func ComputeConfidence(jsonParseOK, requiredFieldsPresent bool, outputText string) float64 {
	confidence := 0.0
	if jsonParseOK && requiredFieldsPresent {
		confidence = 0.7
	}
	if !requiredFieldsPresent {
		confidence -= 0.3
	}
	normalized := strings.ToLower(outputText)
	if strings.Contains(normalized, "can't") || strings.Contains(normalized, "cannot") ||
		strings.Contains(normalized, "unsure") {
		confidence -= 0.3
	}
	return clampConfidence(confidence)
}

// Decide picks adapt, reframe, escalate, or abort from the confidence trend.
// Abort wins outright when confidence is critically low after repeated
// retries; a falling trend reframes early and escalates late.
func Decide(current StepResult, confidenceHistory []float64) Decision {
	trendFalling := len(confidenceHistory) > 0 &&
		current.Confidence < confidenceHistory[len(confidenceHistory)-1]

	if current.Confidence <= 0.2 && current.RetryCount >= 2 {
		return Decision{
			Action:           ActionAbort,
			Reason:           "Confidence critically low after multiple retries.",
			WindowAdjustment: &WindowAdjustment{WindowChunks: 2},
		}
	}

	if trendFalling {
		action := ActionReframe
		if current.RetryCount >= 2 {
			action = ActionEscalate
		}
		return Decision{
			Action:           action,
			Reason:           "Confidence is trending downward.",
			WindowAdjustment: &WindowAdjustment{WindowChunks: 1},
		}
	}

	return Decision{
		Action: ActionAdapt,
		Reason: "Confidence stable; proceed with adaptive retry.",
	}
}

func clampConfidence(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
