package escalation

import "strings"

// WindowLine is one numbered line inside an error window.
type WindowLine struct {
	LineNo int    `json:"line_no"`
	Text   string `json:"text"`
}

// ErrorWindow is a compact view of source text centered on an error line,
// chunk-aligned, with declaration lines outside the window optionally kept
// as orientation.
type ErrorWindow struct {
	ErrorLine       int          `json:"error_line"`
	TotalLines      int          `json:"total_lines"`
	WindowStartLine int          `json:"window_start_line"`
	WindowEndLine   int          `json:"window_end_line"`
	Window          []WindowLine `json:"window"`
	Signatures      []WindowLine `json:"signatures"`
}

// CreateErrorWindow slices fullCode into chunkSize-line chunks and keeps
// windowChunks chunks on either side of the chunk containing errorLine
// (1-indexed). Non-positive chunkSize falls back to 1; negative windowChunks
// to 0. errorLine is clamped into range.
func CreateErrorWindow(fullCode string, errorLine, chunkSize, windowChunks int, includeSignatures bool) ErrorWindow {
	lines := splitLines(fullCode)
	totalLines := len(lines)
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if windowChunks < 0 {
		windowChunks = 0
	}

	if totalLines == 0 {
		return ErrorWindow{
			ErrorLine:  errorLine,
			Window:     []WindowLine{},
			Signatures: []WindowLine{},
		}
	}

	if errorLine < 1 {
		errorLine = 1
	}
	if errorLine > totalLines {
		errorLine = totalLines
	}
	errorChunk := (errorLine - 1) / chunkSize
	maxChunkIndex := (totalLines - 1) / chunkSize

	startChunk := errorChunk - windowChunks
	if startChunk < 0 {
		startChunk = 0
	}
	endChunk := errorChunk + windowChunks
	if endChunk > maxChunkIndex {
		endChunk = maxChunkIndex
	}

	windowStartLine := startChunk*chunkSize + 1
	windowEndLine := (endChunk + 1) * chunkSize
	if windowEndLine > totalLines {
		windowEndLine = totalLines
	}

	window := make([]WindowLine, 0, windowEndLine-windowStartLine+1)
	for lineNo := windowStartLine; lineNo <= windowEndLine; lineNo++ {
		window = append(window, WindowLine{LineNo: lineNo, Text: lines[lineNo-1]})
	}

	signatures := []WindowLine{}
	if includeSignatures {
		for i, line := range lines {
			lineNo := i + 1
			if lineNo >= windowStartLine && lineNo <= windowEndLine {
				continue
			}
			if isSignature(line) {
				signatures = append(signatures, WindowLine{LineNo: lineNo, Text: line})
			}
		}
	}

	return ErrorWindow{
		ErrorLine:       errorLine,
		TotalLines:      totalLines,
		WindowStartLine: windowStartLine,
		WindowEndLine:   windowEndLine,
		Window:          window,
		Signatures:      signatures,
	}
}

// splitLines mirrors splitlines semantics for the common case: no trailing
// empty line for text ending in a newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// isSignature keeps the declaration lines that orient a reader: Go and
// Python style function and type definitions.
func isSignature(line string) bool {
	stripped := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(stripped, "func ") ||
		strings.HasPrefix(stripped, "type ") ||
		strings.HasPrefix(stripped, "def ") ||
		strings.HasPrefix(stripped, "class ")
}
