// Package llm is the HTTP client for an OpenAI-compatible API, covering the
// two external calls the engine makes: text embedding and chat completion.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable is returned when the external API call cannot complete
// (timeout, auth failure, rate limit, transport error). Callers must treat
// it as a hard failure; there is no silent fallback to another vector space.
var ErrUnavailable = errors.New("provider unavailable")

// Message represents a chat message in the OpenAI API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client communicates with an OpenAI-compatible server over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL. The timeout bounds
// every request; a timeout surfaces as ErrUnavailable.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func unavailablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unavailablef("%s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return unavailablef("%s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return unavailablef("%s: decoding response: %v", path, err)
	}
	return nil
}

// embeddingRequest is the JSON body for POST /embeddings.
type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embeddingResponse is the JSON returned by POST /embeddings.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text using the specified
// model. The vector is deterministic for a fixed text and model.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var result embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, unavailablef("/embeddings: empty embedding in response")
	}
	return result.Data[0].Embedding, nil
}

// chatRequest is the JSON body for POST /chat/completions.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// chatResponse is the JSON returned by POST /chat/completions.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends messages to the given model and returns the assistant's response.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	var result chatResponse
	if err := c.post(ctx, "/chat/completions", chatRequest{Model: model, Messages: messages}, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", unavailablef("/chat/completions: empty choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
