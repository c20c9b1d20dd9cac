// Package tmps implements the TMP-S v2.2 line protocol: a pipe-delimited
// record format small models can be coached to emit. One grammar serves both
// callers through a Profile: the lenient validator profile tolerates missing
// headers and long rationales, the strict stage-output profile allows S/O
// trailer records and fails closed on every violation.
package tmps

import (
	"strconv"
	"strings"
)

const Version = "2.2"

const (
	MinBriefs = 3
	MaxBriefs = 7

	limitFixHintWords = 12
	limitActionWords  = 10
	limitPayloadWords = 120
)

// Profile selects the grammar variant used by Validate and Compile.
type Profile struct {
	// AllowTrailers permits S/O records after the C line.
	AllowTrailers bool
	// RationaleWordLimit bounds the A-record rationale.
	RationaleWordLimit int
	// Strict enables the compile-only checks: empty lines, enum membership,
	// fix-hint/action/payload limits.
	Strict bool
}

// StrictProfile is the stage-output grammar used by Compile.
var StrictProfile = Profile{AllowTrailers: true, RationaleWordLimit: 12, Strict: true}

// LenientProfile is the validator grammar: no trailers, relaxed rationale.
var LenientProfile = Profile{AllowTrailers: false, RationaleWordLimit: 40, Strict: false}

// Record is one raw protocol line. Unknown prefixes and blank lines survive
// parsing as opaque records so Validate can report them.
type Record struct {
	Prefix string   `json:"prefix"`
	Fields []string `json:"fields"`
	Raw    string   `json:"raw"`
}

// Header is the optional V record. Attempt is -1 until parsed or normalized.
type Header struct {
	Ver     string `json:"ver"`
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// Audit is the single mandatory A record.
type Audit struct {
	Hard      string `json:"hard"`
	Soft      string `json:"soft"`
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
}

// ErrorRecord is an E record: a localized problem with a fix hint.
type ErrorRecord struct {
	Path     string `json:"path"`
	Severity string `json:"severity"`
	FixHint  string `json:"fix_hint"`
}

// Brief is a B record: one prioritized next action for a named agent.
type Brief struct {
	Pri    string `json:"pri"`
	Agent  string `json:"agent"`
	Action string `json:"action"`
}

// Control is the single mandatory C record carrying the routing verdict.
type Control struct {
	Decision   string `json:"decision"`
	Strategy   string `json:"strategy"`
	MaxRetries int    `json:"max_retries"`
	Focus      string `json:"focus"`
}

// StageTag is an S trailer record identifying which stage produced output.
type StageTag struct {
	Stage   string `json:"stage"`
	Role    string `json:"role"`
	ModelID string `json:"model_id"`
	Attempt int    `json:"attempt"`
}

// Output is an O trailer record carrying a payload, typically JSON.
type Output struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Payload string `json:"payload"`
}

// Message is a parsed TMP-S message. Records preserves every input line in
// order; the typed fields hold the first matching record of each kind.
type Message struct {
	Header  Header        `json:"header"`
	Audit   Audit         `json:"audit"`
	Errors  []ErrorRecord `json:"errors"`
	Briefs  []Brief       `json:"briefs"`
	Control Control       `json:"control"`
	Stages  []StageTag    `json:"stages,omitempty"`
	Outputs []Output      `json:"outputs,omitempty"`
	Records []Record      `json:"-"`
}

// Issue is one grammar violation. Code groups violations so callers can act
// on a class of problem without string matching the hint.
type Issue struct {
	Code string `json:"code"`
	Hint string `json:"hint"`
}

// Issue codes.
const (
	IssueEmpty   = "empty"
	IssuePrefix  = "prefix"
	IssueSpacing = "spacing"
	IssueFields  = "fields"
	IssueOrder   = "order"
	IssueCount   = "count"
	IssueEnum    = "enum"
	IssueLimit   = "limit"
	IssueMissing = "missing"
)

var allowedPrefixes = map[string]bool{
	"V": true, "A": true, "E": true, "B": true, "C": true, "S": true, "O": true,
}

// Parse splits text into TMP-S records. It never fails: blank lines and
// unknown prefixes are kept as opaque records for Validate to judge.
func Parse(text string) Message {
	var msg Message
	msg.Header.Attempt = -1
	sawAudit := false
	sawControl := false
	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			msg.Records = append(msg.Records, Record{Raw: line})
			continue
		}
		prefix := stripped[:1]
		if !allowedPrefixes[prefix] {
			msg.Records = append(msg.Records, Record{Prefix: prefix, Raw: stripped})
			continue
		}
		fields := splitFields(stripped[1:])
		rec := Record{Prefix: prefix, Fields: fields, Raw: stripped}
		msg.Records = append(msg.Records, rec)
		switch prefix {
		case "V":
			msg.Header = parseHeader(fields)
		case "A":
			if !sawAudit {
				msg.Audit = parseAudit(fields)
				sawAudit = true
			}
		case "E":
			msg.Errors = append(msg.Errors, parseError(fields))
		case "B":
			msg.Briefs = append(msg.Briefs, parseBrief(fields))
		case "C":
			if !sawControl {
				msg.Control = parseControl(fields)
				sawControl = true
			}
		case "S":
			msg.Stages = append(msg.Stages, parseStageTag(fields))
		case "O":
			msg.Outputs = append(msg.Outputs, parseOutput(fields))
		}
	}
	return msg
}

// Normalize fills protocol defaults: version 2.2, attempt 0, and the "P"
// shorthand decision expanded to accept|0|0|*. Normalize is idempotent.
func Normalize(msg Message) Message {
	if msg.Header.Ver == "" {
		msg.Header.Ver = Version
	}
	if msg.Header.Attempt < 0 {
		msg.Header.Attempt = 0
	}
	if strings.EqualFold(msg.Control.Decision, "P") {
		msg.Control = Control{Decision: "accept", Strategy: "0", MaxRetries: 0, Focus: "*"}
		return msg
	}
	if msg.Control.Strategy == "" {
		msg.Control.Strategy = "0"
	}
	if msg.Control.Focus == "" {
		msg.Control.Focus = "*"
	}
	return msg
}

// FirstOutputPayload returns the payload of the first O record with a
// non-empty payload field.
func (m Message) FirstOutputPayload() (string, bool) {
	for _, out := range m.Outputs {
		if strings.TrimSpace(out.Payload) != "" {
			return out.Payload, true
		}
	}
	return "", false
}

func parseHeader(fields []string) Header {
	h := Header{Attempt: -1}
	if len(fields) > 0 && strings.HasPrefix(fields[0], "?") {
		fields[0] = fields[0][1:]
	}
	if len(fields) > 0 {
		h.Ver = fields[0]
	}
	if len(fields) > 1 {
		h.RunID = fields[1]
	}
	if len(fields) > 2 {
		h.Stage = fields[2]
	}
	if len(fields) > 3 {
		if n, err := strconv.Atoi(fields[3]); err == nil {
			h.Attempt = n
		}
	}
	return h
}

func parseAudit(fields []string) Audit {
	var a Audit
	if len(fields) > 0 {
		a.Hard = fields[0]
	}
	if len(fields) > 1 {
		a.Soft = fields[1]
	}
	if len(fields) > 2 {
		a.Verdict = fields[2]
	}
	if len(fields) > 3 {
		a.Rationale = fields[3]
	}
	return a
}

func parseError(fields []string) ErrorRecord {
	var e ErrorRecord
	if len(fields) > 0 {
		e.Path = fields[0]
	}
	if len(fields) > 1 {
		e.Severity = fields[1]
	}
	if len(fields) > 2 {
		e.FixHint = fields[2]
	}
	return e
}

func parseBrief(fields []string) Brief {
	var b Brief
	if len(fields) > 0 {
		pri, agent, ok := strings.Cut(fields[0], ":")
		b.Pri = pri
		if ok {
			b.Agent = agent
		}
	}
	if len(fields) > 1 {
		b.Action = fields[1]
	}
	return b
}

func parseControl(fields []string) Control {
	var c Control
	if len(fields) > 0 {
		c.Decision = fields[0]
	}
	if len(fields) > 1 {
		c.Strategy = fields[1]
	}
	if len(fields) > 2 {
		if n, err := strconv.Atoi(fields[2]); err == nil {
			c.MaxRetries = n
		}
	}
	if len(fields) > 3 {
		c.Focus = fields[3]
	}
	return c
}

func parseStageTag(fields []string) StageTag {
	var s StageTag
	if len(fields) > 0 {
		s.Stage = fields[0]
	}
	if len(fields) > 1 {
		s.Role = fields[1]
	}
	if len(fields) > 2 {
		s.ModelID = fields[2]
	}
	if len(fields) > 3 {
		if n, err := strconv.Atoi(fields[3]); err == nil {
			s.Attempt = n
		}
	}
	return s
}

func parseOutput(fields []string) Output {
	var o Output
	if len(fields) > 0 {
		o.Kind = fields[0]
	}
	if len(fields) > 1 {
		o.Path = fields[1]
	}
	// The payload may itself be split on '|' only when it embeds pipes, which
	// the grammar forbids; rejoin so Validate can flag the violation.
	if len(fields) > 2 {
		o.Payload = strings.Join(fields[2:], "|")
	}
	return o
}

func splitFields(payload string) []string {
	payload = strings.TrimLeft(payload, " ")
	payload = strings.TrimPrefix(payload, "|")
	if payload == "" {
		return nil
	}
	return strings.Split(payload, "|")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
