package openaicompat

import (
	"fmt"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

// ValidateChat enforces the request shapes this family rejects with opaque
// upstream errors: orphaned tool messages, non-function tools, and
// malformed tool_choice. Failures wrap ErrInvalidRequest so callers get a
// 400 instead of a confusing upstream 500.
func ValidateChat(req *forge.ChatRequest) error {
	if err := validateToolOrdering(req.Messages); err != nil {
		return err
	}
	if err := validateTools(req.Tools); err != nil {
		return err
	}
	return validateToolChoice(req.ToolChoice)
}

// validateToolOrdering requires every role:"tool" message to answer an
// assistant message that issued tool_calls. Messages between them (other
// tool results from a parallel call batch) are skipped.
func validateToolOrdering(msgs []forge.Message) error {
	for i, m := range msgs {
		if m.Role != "tool" {
			continue
		}
		found := false
		for j := i - 1; j >= 0; j-- {
			if msgs[j].Role != "assistant" {
				continue
			}
			if len(msgs[j].ToolCalls) == 0 {
				break
			}
			found = true
			break
		}
		if !found {
			return fmt.Errorf("openaicompat: message %d: tool result without a preceding assistant tool_calls message: %w",
				i, forge.ErrInvalidRequest)
		}
	}
	return nil
}

func validateTools(tools []forge.Tool) error {
	for i, t := range tools {
		if t.Type != "function" {
			return fmt.Errorf("openaicompat: tools[%d]: type must be %q, got %q: %w",
				i, "function", t.Type, forge.ErrInvalidRequest)
		}
		if t.Function == nil || t.Function.Name == "" {
			return fmt.Errorf("openaicompat: tools[%d]: function.name is required: %w",
				i, forge.ErrInvalidRequest)
		}
	}
	return nil
}

func validateToolChoice(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	v := gjson.ParseBytes(raw)
	switch v.Type {
	case gjson.String:
		switch v.String() {
		case "none", "auto", "required":
			return nil
		}
		return fmt.Errorf("openaicompat: tool_choice %q: must be none, auto, or required: %w",
			v.String(), forge.ErrInvalidRequest)
	case gjson.JSON:
		if !v.IsObject() {
			return fmt.Errorf("openaicompat: tool_choice must be a string or object: %w", forge.ErrInvalidRequest)
		}
		if v.Get("type").String() != "function" {
			return fmt.Errorf("openaicompat: tool_choice.type must be %q: %w", "function", forge.ErrInvalidRequest)
		}
		if v.Get("function.name").String() == "" {
			return fmt.Errorf("openaicompat: tool_choice.function.name is required: %w", forge.ErrInvalidRequest)
		}
		return nil
	default:
		return fmt.Errorf("openaicompat: tool_choice must be a string or object: %w", forge.ErrInvalidRequest)
	}
}
