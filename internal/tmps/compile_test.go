package tmps

import (
	"encoding/json"
	"strings"
	"testing"
)

func stageReply(payload string) string {
	return joinLines(
		"V|2.2|run-1|planner|1",
		"A|1111|1111|P|ok",
		"B|p1:planner|Draft the plan.",
		"B|p2:planner|List touched files.",
		"B|p3:planner|Name success signals.",
		"C|accept|0|0|*",
		"S|planner|planner|gpt-4o-mini|1",
		"O|PLAN|*|"+payload,
	)
}

func TestCompileAcceptsStageReply(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"summary": "ok", "plan_steps": []any{}})
	msg, issues := Compile(stageReply(string(payload)))
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	got, ok := msg.FirstOutputPayload()
	if !ok || got != string(payload) {
		t.Fatalf("payload not extracted: %q", got)
	}
	if len(msg.Stages) != 1 || msg.Stages[0].Stage != "planner" || msg.Stages[0].Attempt != 1 {
		t.Fatalf("stage tag not parsed: %+v", msg.Stages)
	}
}

func TestCompileRejectsEmptyLines(t *testing.T) {
	text := strings.Replace(stageReply("{}"), "C|accept|0|0|*", "\nC|accept|0|0|*", 1)
	_, issues := Compile(text)
	if !hasCode(issues, IssueEmpty) {
		t.Fatalf("expected an empty-line issue, got %v", issues)
	}
}

func TestCompileRejectsTrailerBeforeControl(t *testing.T) {
	text := joinLines(
		"V|2.2|run-1|planner|1",
		"A|1111|1111|P|ok",
		"O|PLAN|*|{}",
		"B|p1:planner|x.", "B|p2:planner|y.", "B|p3:planner|z.",
		"C|accept|0|0|*",
	)
	_, issues := Compile(text)
	if !hasCode(issues, IssueOrder) {
		t.Fatalf("expected an order issue, got %v", issues)
	}
}

func TestCompileChecksEnums(t *testing.T) {
	text := joinLines(
		"V|2.2|run-1|planner|1",
		"A|1111|1111|Z|ok",
		"E|$.x|Q|Fix it.",
		"B|p1:planner|x.", "B|p2:planner|y.", "B|p3:planner|z.",
		"C|maybe|9|0|*",
	)
	_, issues := Compile(text)
	enums := 0
	for _, issue := range issues {
		if issue.Code == IssueEnum {
			enums++
		}
	}
	if enums != 4 {
		t.Fatalf("expected 4 enum issues (verdict, severity, decision, strategy), got %d: %v", enums, issues)
	}
}

func TestCompileChecksPayloadLimit(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 130))
	_, issues := Compile(stageReply(long))
	if !hasCode(issues, IssueLimit) {
		t.Fatalf("expected a payload limit issue, got %v", issues)
	}
}

func TestCompileNormalizesOnSuccess(t *testing.T) {
	text := joinLines(
		"A|1111|1111|P|ok",
		"B|p1:a|x.", "B|p2:a|y.", "B|p3:a|z.",
		"C|P|0|0|*",
	)
	msg, issues := Compile(text)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if msg.Control.Decision != "accept" || msg.Header.Ver != "2.2" {
		t.Fatalf("compile must normalize: %+v", msg.Control)
	}
}

func hasCode(issues []Issue, code string) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}
