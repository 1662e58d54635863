package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/castellan/castellan/internal/config"
)

const (
	providerLocalModelServer = "local-model-server"
	providerRemoteChatAPI    = "remote-chat-API"
)

// baseClient is the transport to a local-model-server or remote-chat-API
// endpoint: buffered body read, JSON envelope decode, io.LimitReader
// bound on anything read back for diagnostics.
type baseClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newBaseClient(cfg config.LLMConfig) *baseClient {
	return &baseClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type generateRequest struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Stream      bool           `json:"stream"`
	Options     generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze templates the event+neighbours prompt and delegates to Generate
// with no system prompt.
func (c *baseClient) Analyze(ctx context.Context, event AnalyzeEvent, neighbours []NeighbourEvent) (string, error) {
	prompt := buildAnalyzePrompt(event, neighbours)
	return c.Generate(ctx, "", prompt)
}

// Generate dispatches to the provider-specific transport. Non-success HTTP
// propagates as an error; a JSON envelope decode failure returns an empty
// string, never an error (the decorator chain repairs from there).
func (c *baseClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch c.cfg.Provider {
	case providerRemoteChatAPI:
		return c.generateChat(ctx, systemPrompt, userPrompt)
	default:
		return c.generateLocal(ctx, userPrompt)
	}
}

func (c *baseClient) generateLocal(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.2,
			NumPredict:  512,
			TopP:        0.9,
			TopK:        40,
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling generate request: %w", err)
	}

	resp, err := c.post(ctx, c.cfg.Endpoint+"/api/generate", body, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil
	}
	return parsed.Response, nil
}

func (c *baseClient) generateChat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []chatMessage{}
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling chat request: %w", err)
	}

	resp, err := c.post(ctx, c.cfg.Endpoint+"/chat/completions", body, c.cfg.APIKey)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *baseClient) post(ctx context.Context, url string, body []byte, bearerToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("llm: transport error: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm: endpoint returned status %d: %s", resp.StatusCode, respBody)
	}
	return resp, nil
}

var _ Client = (*baseClient)(nil)
