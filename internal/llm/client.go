// Package llm provides the LlmClient decorator chain: a base HTTP
// transport wrapped successively by resilience, strict-JSON repair,
// telemetry, and optional ensemble voting.
package llm

import "context"

// Client is the contract shared by every decorator in the chain.
type Client interface {
	// Analyze asks the model to classify event given up to K neighbours of
	// prior context, returning the raw (unparsed) JSON text of its response.
	Analyze(ctx context.Context, event AnalyzeEvent, neighbours []NeighbourEvent) (string, error)

	// Generate sends a system/user prompt pair and returns the raw response
	// text.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AnalyzeEvent is the minimal event shape the prompt templater needs.
type AnalyzeEvent struct {
	Time    string
	Channel string
	EventID int
	Message string
}

// NeighbourEvent is a single retrieved neighbour rendered into the prompt.
type NeighbourEvent struct {
	Time    string
	Channel string
	EventID int
	Message string
}
