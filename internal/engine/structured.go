package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredValidator validates model replies against a named JSON Schema.
type StructuredValidator struct {
	name       string
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewStructuredValidator compiles schemaJSON. name is shown to the model and
// in logs (e.g. "bot_routing_decision").
func NewStructuredValidator(name string, schemaJSON json.RawMessage) (*StructuredValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &StructuredValidator{
		name:       name,
		schema:     schema,
		schemaJSON: schemaJSON,
	}, nil
}

// MustStructuredValidator is NewStructuredValidator for package-level schemas.
func MustStructuredValidator(name string, schemaJSON json.RawMessage) *StructuredValidator {
	sv, err := NewStructuredValidator(name, schemaJSON)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return sv
}

func (sv *StructuredValidator) Name() string { return sv.name }

// SchemaJSON returns the raw schema for prompt injection.
func (sv *StructuredValidator) SchemaJSON() json.RawMessage {
	return sv.schemaJSON
}

// Instructions is appended to the system prompt of schema requests.
func (sv *StructuredValidator) Instructions() string {
	return fmt.Sprintf(
		"Respond with a single JSON object named %s that matches this JSON Schema. Output only the JSON, no prose.\n%s",
		sv.name, string(sv.schemaJSON),
	)
}

// StructuredResult is a validated reply.
type StructuredResult struct {
	Raw    string
	JSON   string
	Parsed any
}

// ValidateResponse extracts JSON from the reply and validates it. Failures
// are returned as *SchemaViolation.
func (sv *StructuredValidator) ValidateResponse(responseText string) (*StructuredResult, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, &SchemaViolation{
			Message: "response does not contain valid JSON",
			Raw:     responseText,
		}
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &SchemaViolation{
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     responseText,
		}
	}

	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &SchemaViolation{
			Message: fmt.Sprintf("%s validation failed: %s", sv.name, err),
			Raw:     responseText,
			Parsed:  parsed,
		}
	}

	return &StructuredResult{
		Raw:    responseText,
		JSON:   jsonStr,
		Parsed: parsed,
	}, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// ```json fenced block
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// generic fenced block
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// first balanced { or [
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
