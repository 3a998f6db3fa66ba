package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON parses a model completion into target. Models wrap JSON in
// markdown fences or prose more often than not, so the parse is
// defensive: try the body as-is, then the fenced block, then the first
// balanced {...} span. Failure discards the vote.
func ParseJSON(content string, target interface{}) error {
	candidate := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(candidate), target); err == nil {
		return nil
	}

	fenced := extractFenced(candidate)
	if fenced != "" {
		if err := json.Unmarshal([]byte(fenced), target); err == nil {
			return nil
		}
	}

	braced := extractBraced(candidate)
	if braced != "" {
		if err := json.Unmarshal([]byte(braced), target); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no parseable JSON in completion")
}

// extractFenced pulls the body of a ```json ... ``` or ``` ... ``` block.
func extractFenced(content string) string {
	raw := []byte(content)
	start := -1
	if idx := bytes.Index(raw, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(raw, []byte("```")); idx >= 0 {
		start = idx + 3
	}
	if start < 0 {
		return ""
	}
	if idx := bytes.Index(raw[start:], []byte("```")); idx >= 0 {
		return strings.TrimSpace(string(raw[start : start+idx]))
	}
	return ""
}

// extractBraced returns the first balanced top-level {...} span,
// respecting string literals and escapes.
func extractBraced(content string) string {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range content {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}
