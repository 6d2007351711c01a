package proxy

import (
	"encoding/json"
	"fmt"
)

const (
	maxModelChars   = 128
	maxMessages     = 256
	maxContentChars = 100_000
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest mirrors the OpenAI POST /v1/chat/completions body.
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		TopP        *float64         `json:"top_p"`
		Stream      bool             `json:"stream"`
		Stop        stopList         `json:"stop"`
	}
)

// stopList accepts the OpenAI "stop" field as a bare string or an array of
// strings.
type stopList []string

func (s *stopList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*s = many
		return nil
	}
	return fmt.Errorf("'stop' must be a string or array of strings")
}

// temperature returns the effective temperature (OpenAI default 1.0).
func (r *inboundRequest) temperature() float64 {
	if r.Temperature == nil {
		return 1.0
	}
	return *r.Temperature
}

// validate checks the schema and returns every violation found so clients
// can fix a bad request in one round trip.
func (r *inboundRequest) validate() []string {
	var issues []string

	switch {
	case r.Model == "":
		issues = append(issues, "'model' is required")
	case len(r.Model) > maxModelChars:
		issues = append(issues, fmt.Sprintf("'model' must be at most %d characters", maxModelChars))
	}

	switch {
	case len(r.Messages) == 0:
		issues = append(issues, "'messages' must contain at least one item")
	case len(r.Messages) > maxMessages:
		issues = append(issues, fmt.Sprintf("'messages' must contain at most %d items", maxMessages))
	default:
		for i, m := range r.Messages {
			switch m.Role {
			case "system", "user", "assistant":
			default:
				issues = append(issues, fmt.Sprintf("messages[%d].role must be one of: system, user, assistant", i))
			}
			if len(m.Content) > maxContentChars {
				issues = append(issues, fmt.Sprintf("messages[%d].content exceeds %d characters", i, maxContentChars))
			}
		}
	}

	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		issues = append(issues, "'temperature' must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		issues = append(issues, "'top_p' must be between 0 and 1")
	}
	if r.MaxTokens < 0 {
		issues = append(issues, "'max_tokens' must be a positive integer")
	}

	return issues
}
