package advise

import (
	"encoding/json"
	"fmt"
	"strings"

	"pixeldrift/internal/correct"
)

// suggestionPayload is the JSON shape the model is asked to answer with.
type suggestionPayload struct {
	Kind        string  `json:"kind"`
	Payload     string  `json:"payload"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ParseSuggestion reads a model answer. Markdown code fences are stripped
// first; models wrap JSON in them no matter how the prompt asks.
func ParseSuggestion(response string) (correct.Suggestion, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	if response == "" {
		return correct.Suggestion{}, fmt.Errorf("advisor returned an empty response")
	}

	var p suggestionPayload
	if err := json.Unmarshal([]byte(response), &p); err != nil {
		return correct.Suggestion{}, fmt.Errorf("parse advisor JSON: %w", err)
	}

	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}

	return correct.Suggestion{
		Kind:        p.Kind,
		Payload:     p.Payload,
		Description: p.Description,
		Confidence:  p.Confidence,
	}, nil
}
