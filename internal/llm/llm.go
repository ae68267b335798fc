// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
	"strings"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "llama3.2", "gpt-4o-mini").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int

	// JSON asks the model for a single JSON value as output.
	JSON bool
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// ExtractJSON returns the JSON value embedded in a model response. It strips
// markdown code fences and any prose around the outermost object or array.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}
	response = strings.TrimSpace(response)

	start := strings.IndexAny(response, "{[")
	if start == -1 {
		return response
	}
	closer := byte('}')
	if response[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(response, closer)
	if end < start {
		return response[start:]
	}
	return response[start : end+1]
}
