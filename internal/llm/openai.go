package llm

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/topaibot/internal/logging"
)

// attributionTransport adds the provider attribution headers to every request.
type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// OpenAIClientConfig configures OpenAIClient.
type OpenAIClientConfig struct {
	BaseURL   string
	Referer   string
	Title     string
	Transport http.RoundTripper // nil = http.DefaultTransport
}

// OpenAIClient implements Completer against any OpenAI-compatible chat
// completions endpoint. One go-openai client is kept per credential.
type OpenAIClient struct {
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIClient builds a client for the configured endpoint.
func NewOpenAIClient(cfg OpenAIClientConfig) *OpenAIClient {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	baseURL := normalizeBaseURL(cfg.BaseURL)
	L_debug("llm: completion client created", "baseURL", baseURL, "referer", cfg.Referer, "title", cfg.Title)
	return &OpenAIClient{
		baseURL: baseURL,
		http: &http.Client{Transport: &attributionTransport{
			base:    base,
			referer: cfg.Referer,
			title:   cfg.Title,
		}},
		clients: make(map[string]*openai.Client),
	}
}

// normalizeBaseURL accepts both ".../api/v1" and ".../api/v1/chat/completions".
func normalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	return strings.TrimSuffix(u, "/")
}

func (c *OpenAIClient) client(apiKey string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiKey]; ok {
		return cl
	}
	config := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		config.BaseURL = c.baseURL
	}
	config.HTTPClient = c.http
	cl := openai.NewClientWithConfig(config)
	c.clients[apiKey] = cl
	return cl
}

// CreateCompletion implements Completer.
func (c *OpenAIClient) CreateCompletion(ctx context.Context, apiKey string, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
		// go-openai omits a zero temperature from the body.
		if chatReq.Temperature == 0 {
			chatReq.Temperature = math.SmallestNonzeroFloat32
		}
	}

	resp, err := c.client(apiKey).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
