package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// RedactedValue replaces the value of every sensitive field.
const RedactedValue = "[REDACTED]"

var sensitiveField = regexp.MustCompile(`(?i)(password|secret|key|token)`)

// SanitizePayload validates that raw is a JSON object and redacts every
// field, at any depth, whose name looks like a credential. An empty payload
// sanitizes to {}.
func SanitizePayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object: %v", ErrInvalidInput, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidInput)
	}

	out, err := json.Marshal(redact(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}

func redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if sensitiveField.MatchString(k) {
				val[k] = RedactedValue
				continue
			}
			val[k] = redact(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = redact(inner)
		}
		return val
	default:
		return v
	}
}
