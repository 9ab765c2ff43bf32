package advisor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Parse stages, recorded so response quality per model can be tracked.
const (
	ParseDirect   = "direct"
	ParseFenced   = "fenced"
	ParseBalanced = "balanced"
	ParseTolerant = "tolerant"
)

// ParseResponse extracts the decision payload from a model response.
// Models wrap JSON in prose and markdown more often than not, so parsing
// walks a ladder: direct parse, fenced code block, first balanced object,
// then a tolerant pass that repairs trailing commas and unquoted keys.
func ParseResponse(content string) (*rawResponse, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, "", fmt.Errorf("empty response")
	}

	if resp, ok := tryParse(content); ok {
		return resp, ParseDirect, nil
	}

	if fenced := extractFenced(content); fenced != "" {
		if resp, ok := tryParse(fenced); ok {
			return resp, ParseFenced, nil
		}
	}

	if balanced := extractBalanced(content); balanced != "" {
		if resp, ok := tryParse(balanced); ok {
			return resp, ParseBalanced, nil
		}
		if resp, ok := tryParse(repairJSON(balanced)); ok {
			return resp, ParseTolerant, nil
		}
	}

	if resp, ok := tryParse(repairJSON(content)); ok {
		return resp, ParseTolerant, nil
	}

	return nil, "", fmt.Errorf("no parsable JSON object in response")
}

func tryParse(text string) (*rawResponse, bool) {
	var resp rawResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, false
	}
	if resp.Decisions == nil {
		return nil, false
	}
	return &resp, true
}

// extractFenced pulls the body of the first ```json or ``` code block.
func extractFenced(content string) string {
	start := strings.Index(content, "```json")
	offset := 7
	if start < 0 {
		start = strings.Index(content, "```")
		offset = 3
	}
	if start < 0 {
		return ""
	}

	body := content[start+offset:]
	end := strings.Index(body, "```")
	if end < 0 {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(body[:end])
}

// extractBalanced returns the first balanced {...} substring, tracking
// string literals so braces inside reasoning text do not break matching.
func extractBalanced(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// repairJSON fixes the two malformations models actually produce:
// trailing commas and unquoted object keys.
func repairJSON(text string) string {
	text = trailingCommaRe.ReplaceAllString(text, "$1")
	text = unquotedKeyRe.ReplaceAllString(text, `$1"$2":`)
	return text
}
