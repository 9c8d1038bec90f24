package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RequiredFields the keys a model response must carry to be accepted.
// Presence is all that is checked; values are not range-validated.
var RequiredFields = []string{
	"交易对",
	"是否应该入场",
	"做多还是做空",
	"目标入场价",
	"止损价",
	"止盈价",
}

var (
	ErrEmptyResponse = errors.New("empty model response")
	ErrNoJSON        = errors.New("no JSON object found in model response")
)

// Parse validates raw model output and returns the structured document.
// It tolerates markdown code fences and prose around the JSON object:
// everything between the first '{' and the last '}' is taken as the
// candidate document.
func Parse(raw string) (*Document, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, ErrNoJSON
	}
	jsonStr := text[start : end+1]

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("model response is not valid JSON: %w", err)
	}
	for _, field := range RequiredFields {
		if _, ok := keys[field]; !ok {
			return nil, fmt.Errorf("model response missing required field %q", field)
		}
	}

	var doc Document
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("model response does not fit document schema: %w", err)
	}
	return &doc, nil
}
