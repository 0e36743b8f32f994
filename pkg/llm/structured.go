package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"appforge/pkg/llm/llmerrors"
)

// ChunkFunc receives raw text as it streams from the model. It must not
// block: slow consumers should buffer on their side.
type ChunkFunc func(text string)

// GenerateObject streams a completion and parses the result into T. The raw
// text is forwarded to onChunk (if non-nil) as it arrives, so callers can
// relay progress while the object is still forming. Parse failures get one
// repair pass: fences are stripped and the outermost JSON object extracted
// before the request is retried with the malformed output appended. A second
// failure returns a classified parse error.
func GenerateObject[T any](ctx context.Context, client Client, in Request, onChunk ChunkFunc) (T, error) {
	var zero T

	raw, err := collectStream(ctx, client, in, onChunk)
	if err != nil {
		return zero, err
	}

	out, parseErr := parseObject[T](raw)
	if parseErr == nil {
		return out, nil
	}

	// Repair pass: show the model its own malformed output once.
	repair := in
	repair.Messages = append(append([]Message{}, in.Messages...),
		AssistantMessage(raw),
		UserMessage(fmt.Sprintf("Your previous response was not valid JSON (%v). Respond again with only the JSON object, no prose and no code fences.", parseErr)),
	)

	raw, err = collectStream(ctx, client, repair, onChunk)
	if err != nil {
		return zero, err
	}
	out, parseErr = parseObject[T](raw)
	if parseErr != nil {
		return zero, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, parseErr, "model output failed schema parse after repair attempt")
	}
	return out, nil
}

// collectStream runs a streaming completion to the end and returns the
// concatenated text, falling back to Complete if the provider declines to
// stream.
func collectStream(ctx context.Context, client Client, in Request, onChunk ChunkFunc) (string, error) {
	ch, err := client.Stream(ctx, in)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			if onChunk != nil {
				onChunk(chunk.Content)
			}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

func parseObject[T any](raw string) (T, error) {
	var out T
	cleaned := ExtractJSONObject(raw)
	if cleaned == "" {
		return out, fmt.Errorf("no JSON object found in %d bytes of output", len(raw))
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return out, fmt.Errorf("unmarshal: %w", err)
	}
	return out, nil
}

// ExtractJSONObject strips markdown fences and returns the outermost {...}
// span of s, or "" if none exists. Brace matching ignores braces inside JSON
// strings.
func ExtractJSONObject(s string) string {
	s = stripFences(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening fence line (``` or ```json) and a trailing fence.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
