package stage

import (
	"encoding/json"
	"errors"
)

// ExtractJSON pulls the first balanced JSON object out of free text. Quoted
// braces do not count toward nesting, so payloads with brace characters in
// string values decode correctly.
func ExtractJSON(text string) (map[string]any, error) {
	start, end := findJSONBounds(text)
	if start == -1 || end == -1 {
		return nil, errors.New("no JSON object found in response text")
	}
	var parsed any
	if err := json.Unmarshal([]byte(text[start:end]), &parsed); err != nil {
		return nil, err
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, errors.New("extracted JSON is not an object")
	}
	return obj, nil
}

func findJSONBounds(text string) (int, int) {
	start := -1
	for i, c := range text {
		if c == '{' {
			start = i
			break
		}
	}
	if start == -1 {
		return -1, -1
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
