package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
)

// CompletionShape enumerates the reply encodings the upstream agent is known
// to produce.
type CompletionShape int

const (
	// ShapeStream is a chunked byte stream that concatenates into the payload.
	ShapeStream CompletionShape = iota
	// ShapeStringable is a single raw string payload.
	ShapeStringable
)

// Completion is the opaque reply of one agent invocation, tagged by shape.
type Completion struct {
	Shape  CompletionShape
	Chunks iter.Seq2[[]byte, error]
	Raw    string
}

// StreamCompletion wraps a chunked byte stream.
func StreamCompletion(chunks iter.Seq2[[]byte, error]) Completion {
	return Completion{Shape: ShapeStream, Chunks: chunks}
}

// StringCompletion wraps a raw string payload.
func StringCompletion(raw string) Completion {
	return Completion{Shape: ShapeStringable, Raw: raw}
}

// Decode normalizes a completion into plain text.
//
// Both shapes resolve to a single payload string which is then probed: a JSON
// object carrying a base64 "bytes" field decodes to that field's content; any
// other payload, JSON or not, is returned as-is. Malformed JSON never fails
// the decode — the payload falls back to raw text deterministically. The only
// failure modes are a broken chunk stream and invalid base64 in a present
// "bytes" field.
func Decode(c Completion) (string, error) {
	switch c.Shape {
	case ShapeStream:
		if c.Chunks == nil {
			return "", nil
		}
		var buf []byte
		for chunk, err := range c.Chunks {
			if err != nil {
				return "", NewError(KindDecode, fmt.Errorf("read completion stream: %w", err))
			}
			buf = append(buf, chunk...)
		}
		return extractText(string(buf))
	case ShapeStringable:
		return extractText(c.Raw)
	default:
		return "", NewError(KindDecode, fmt.Errorf("unknown completion shape %d", c.Shape))
	}
}

// extractText applies the JSON/bytes probe to a payload string.
func extractText(payload string) (string, error) {
	var envelope struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.Bytes == "" {
		return payload, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Bytes)
	if err != nil {
		return "", NewError(KindDecode, fmt.Errorf("decode bytes field: %w", err))
	}
	return string(decoded), nil
}
