package tmps

import (
	"fmt"
	"strings"
)

var (
	verdicts   = map[string]bool{"P": true, "W": true, "F": true, "H": true}
	severities = map[string]bool{"C": true, "H": true, "M": true, "L": true}
	decisions  = map[string]bool{
		"A": true, "R": true, "X": true, "E": true, "P": true,
		"accept": true, "retry": true, "retry_same_node": true,
		"reroute": true, "escalate": true, "abort": true,
	}
	strategies = map[string]bool{"0": true, "1": true, "2": true, "3": true, "4": true, "5": true}
)

var fieldCounts = map[string]int{"A": 4, "E": 3, "B": 2, "C": 4, "S": 4, "O": 3}

// Validate reports every grammar violation in msg under the given profile.
// It is pure: msg is never mutated and no issue is fatal by itself.
func Validate(msg Message, profile Profile) []Issue {
	var issues []Issue

	prefixes := make([]string, 0, len(msg.Records))
	for _, rec := range msg.Records {
		if rec.Prefix == "" {
			if profile.Strict {
				issues = append(issues, Issue{IssueEmpty, "Empty lines are not allowed in TMP-S."})
			}
			continue
		}
		prefixes = append(prefixes, rec.Prefix)
		if !allowedPrefixes[rec.Prefix] || (!profile.AllowTrailers && (rec.Prefix == "S" || rec.Prefix == "O")) {
			issues = append(issues, Issue{IssuePrefix, "Unsupported line prefix: " + rec.Prefix})
			continue
		}
		if strings.Contains(rec.Raw, " |") || strings.Contains(rec.Raw, "| ") {
			issues = append(issues, Issue{IssueSpacing, "Pipes must have no surrounding spaces."})
		}
		if want, ok := fieldCounts[rec.Prefix]; ok && len(rec.Fields) != want {
			issues = append(issues, Issue{IssueFields, fmt.Sprintf("%s line must have %d fields.", rec.Prefix, want)})
		}
	}

	if len(prefixes) == 0 {
		return append(issues, Issue{IssueMissing, "No TMP-S lines provided."})
	}
	issues = append(issues, validateOrder(prefixes, profile)...)

	briefs := 0
	for _, p := range prefixes {
		if p == "B" {
			briefs++
		}
	}
	if briefs < MinBriefs || briefs > MaxBriefs {
		issues = append(issues, Issue{IssueCount, fmt.Sprintf("B count must be %d..%d.", MinBriefs, MaxBriefs)})
	}

	limit := profile.RationaleWordLimit
	if limit <= 0 {
		limit = StrictProfile.RationaleWordLimit
	}
	if msg.Audit.Rationale != "" && wordCount(msg.Audit.Rationale) > limit {
		issues = append(issues, Issue{IssueLimit, "Rationale exceeds word limit."})
	}

	if profile.Strict {
		issues = append(issues, validateStrict(msg)...)
	}
	return issues
}

// validateOrder checks the V? A E* B{3..7} C (S|O)* sequence. Trailers count
// as order violations when the profile forbids them.
func validateOrder(prefixes []string, profile Profile) []Issue {
	ok := func() bool {
		i := 0
		if i < len(prefixes) && prefixes[i] == "V" {
			i++
		}
		if i >= len(prefixes) || prefixes[i] != "A" {
			return false
		}
		i++
		for i < len(prefixes) && prefixes[i] == "E" {
			i++
		}
		for i < len(prefixes) && prefixes[i] == "B" {
			i++
		}
		if i >= len(prefixes) || prefixes[i] != "C" {
			return false
		}
		i++
		if profile.AllowTrailers {
			for i < len(prefixes) && (prefixes[i] == "S" || prefixes[i] == "O") {
				i++
			}
		}
		return i == len(prefixes)
	}()
	if ok {
		return nil
	}
	hint := "Line order must be V? A E* B{3..7} C."
	if profile.AllowTrailers {
		hint = "Line order must be V? A E* B{3..7} C with S/O only after C."
	}
	return []Issue{{IssueOrder, hint}}
}

// validateStrict covers the compile-only rules: enum membership and the
// per-record word limits.
func validateStrict(msg Message) []Issue {
	var issues []Issue
	for _, rec := range msg.Records {
		if want, ok := fieldCounts[rec.Prefix]; !ok || len(rec.Fields) != want {
			continue
		}
		switch rec.Prefix {
		case "A":
			if !verdicts[rec.Fields[2]] {
				issues = append(issues, Issue{IssueEnum, "Verdict must be P/W/F/H."})
			}
			if strings.Contains(rec.Fields[3], "|") {
				issues = append(issues, Issue{IssueLimit, "Rationale contains invalid pipe character."})
			}
		case "E":
			if !severities[rec.Fields[1]] {
				issues = append(issues, Issue{IssueEnum, "Severity must be C/H/M/L."})
			}
			if wordCount(rec.Fields[2]) > limitFixHintWords {
				issues = append(issues, Issue{IssueLimit, "Fix hint exceeds word limit."})
			}
		case "B":
			if wordCount(rec.Fields[1]) > limitActionWords {
				issues = append(issues, Issue{IssueLimit, "B action exceeds word limit."})
			}
		case "C":
			if !decisions[rec.Fields[0]] {
				issues = append(issues, Issue{IssueEnum, "Decision must be A/R/X/E or a known decision word."})
			}
			if !strategies[rec.Fields[1]] {
				issues = append(issues, Issue{IssueEnum, "Strategy must be 0..5."})
			}
		}
	}
	for _, out := range msg.Outputs {
		if strings.Contains(out.Payload, "|") {
			issues = append(issues, Issue{IssueLimit, "O payload must not contain '|'."})
		}
		if wordCount(out.Payload) > limitPayloadWords {
			issues = append(issues, Issue{IssueLimit, "O payload exceeds word limit."})
		}
	}
	return issues
}

// Compile is the strict one-shot path used for stage output: parse, validate
// under the strict profile, and normalize. A non-empty issue list means the
// message must not be trusted.
func Compile(text string) (Message, []Issue) {
	msg := Parse(text)
	issues := Validate(msg, StrictProfile)
	if len(issues) > 0 {
		return msg, issues
	}
	return Normalize(msg), nil
}
