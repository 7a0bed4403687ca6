package specialist

import "encoding/json"

// ExtractToolCalls scans free text for embedded tool-call JSON objects
// of the shape {"name": ..., "arguments": {...}} and returns those whose
// name appears in allowed, in the order they occur. Objects inside
// string literals never match because the scanner tracks string state,
// and any candidate whose name fails the whitelist is discarded.
func ExtractToolCalls(text string, allowed map[string]bool) []ToolCall {
	var out []ToolCall
	for _, candidate := range findJSONCandidates(text) {
		var raw struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		if raw.Name == "" || !allowed[raw.Name] {
			continue
		}
		if raw.Arguments == nil {
			raw.Arguments = map[string]any{}
		}
		out = append(out, ToolCall{Name: raw.Name, Arguments: raw.Arguments})
	}
	return out
}

// JSONObjects returns every top-level JSON object candidate embedded in
// text, in order. Phases use it to pull structured replies (task lists,
// review verdicts) out of otherwise free-form model output.
func JSONObjects(text string) []string {
	return findJSONCandidates(text)
}

// findJSONCandidates scans for top-level JSON object candidates with a
// byte-level state machine that skips string contents and escapes, so
// braces inside string literals never open or close a candidate. ASCII
// delimiter bytes never occur inside UTF-8 multi-byte sequences, so
// byte iteration is safe.
func findJSONCandidates(s string) []string {
	var candidates []string
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}
