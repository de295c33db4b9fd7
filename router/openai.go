// Minimal OpenAI-compatible request surface. The router parses only the
// fields that influence routing; the raw body passes through to the
// backend untouched.

package router

import (
	"strings"

	"github.com/bytedance/sonic"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or multimodal part list
}

type completionRequest struct {
	Model     string        `json:"model"`
	Prompt    any           `json:"prompt,omitempty"` // string or []string
	Messages  []chatMessage `json:"messages,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

// promptText flattens the prompt or message list into the text affinity
// strategies match on. Multimodal content contributes only its text
// parts.
func (r *completionRequest) promptText() string {
	switch p := r.Prompt.(type) {
	case string:
		return p
	case []any:
		var sb strings.Builder
		for _, item := range p {
			if s, ok := item.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	}

	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		switch content := m.Content.(type) {
		case string:
			sb.WriteString(content)
		case []any:
			for _, part := range content {
				if pm, ok := part.(map[string]any); ok {
					if t, ok := pm["text"].(string); ok {
						sb.WriteString(t)
					}
				}
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// sessionKeyFromBody pulls the configured session field out of the raw
// body without a full parse.
func sessionKeyFromBody(body []byte, field string) string {
	if field == "" || len(body) == 0 {
		return ""
	}
	node, err := sonic.Get(body, field)
	if err != nil {
		return ""
	}
	s, err := node.String()
	if err != nil {
		return ""
	}
	return s
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type healthStatus struct {
	Status    string `json:"status"`
	Strategy  string `json:"strategy"`
	Endpoints int    `json:"endpoints"`
	Version   string `json:"version"`
}
