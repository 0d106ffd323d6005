package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type captured struct {
	path    string
	auth    string
	referer string
	title   string
	body    map[string]any
}

func newProviderServer(t *testing.T, statusFor func(auth string) int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{
			path:    r.URL.Path,
			auth:    r.Header.Get("Authorization"),
			referer: r.Header.Get("HTTP-Referer"),
			title:   r.Header.Get("X-Title"),
		}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		mu.Lock()
		reqs = append(reqs, c)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if code := statusFor(c.auth); code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"error","code":` + jsonInt(code) + `}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":" Olá! Como posso ajudar? "},"finish_reason":"stop"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), reqs...)
	}
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestOpenAIClientSendsAttributionAndBearer(t *testing.T) {
	srv, reqs := newProviderServer(t, func(string) int { return http.StatusOK })
	client := NewOpenAIClient(OpenAIClientConfig{
		BaseURL: srv.URL + "/api/v1/chat/completions",
		Referer: "http://localhost:3000",
		Title:   "TOPAI NET_GIGAS",
	})

	temp := float32(0.7)
	text, err := client.CreateCompletion(context.Background(), "sk-test-1", Request{
		Model:       "deepseek/deepseek-chat:free",
		Messages:    []Message{{Role: RoleSystem, Content: "persona"}, {Role: RoleUser, Content: "Olá"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if text != "Olá! Como posso ajudar?" {
		t.Errorf("text = %q", text)
	}

	got := reqs()
	if len(got) != 1 {
		t.Fatalf("requests = %d", len(got))
	}
	r := got[0]
	if r.path != "/api/v1/chat/completions" {
		t.Errorf("path = %q", r.path)
	}
	if r.auth != "Bearer sk-test-1" {
		t.Errorf("auth = %q", r.auth)
	}
	if r.referer != "http://localhost:3000" || r.title != "TOPAI NET_GIGAS" {
		t.Errorf("attribution = %q / %q", r.referer, r.title)
	}
	if r.body["model"] != "deepseek/deepseek-chat:free" {
		t.Errorf("model = %v", r.body["model"])
	}
	if msgs, ok := r.body["messages"].([]any); !ok || len(msgs) != 2 {
		t.Errorf("messages = %v", r.body["messages"])
	}
}

func TestOpenAIClientTemperature(t *testing.T) {
	srv, reqs := newProviderServer(t, func(string) int { return http.StatusOK })
	client := NewOpenAIClient(OpenAIClientConfig{BaseURL: srv.URL})

	zero := float32(0)
	for _, temp := range []*float32{&zero, nil} {
		if _, err := client.CreateCompletion(context.Background(), "sk-test-1", Request{
			Model:       "m",
			Messages:    []Message{{Role: RoleUser, Content: "Olá"}},
			Temperature: temp,
		}); err != nil {
			t.Fatalf("CreateCompletion: %v", err)
		}
	}

	got := reqs()
	if len(got) != 2 {
		t.Fatalf("requests = %d", len(got))
	}
	v, ok := got[0].body["temperature"].(float64)
	if !ok || v <= 0 || v > 1e-30 {
		t.Errorf("zero temperature sent as %v (present=%v), want a near-zero value", got[0].body["temperature"], ok)
	}
	if _, ok := got[1].body["temperature"]; ok {
		t.Errorf("unset temperature sent as %v", got[1].body["temperature"])
	}
}

func TestGatewayOverOpenAIClientFallsThroughKeys(t *testing.T) {
	srv, reqs := newProviderServer(t, func(auth string) int {
		switch auth {
		case "Bearer sk-bad":
			return http.StatusUnauthorized
		case "Bearer sk-busy":
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	})
	client := NewOpenAIClient(OpenAIClientConfig{BaseURL: srv.URL + "/api/v1/"})
	g := NewGateway(client, GatewayConfig{
		Keys:          []string{"sk-bad", "sk-busy", "sk-good"},
		PrimaryModel:  "primary",
		FallbackModel: "fallback",
	}, nil)

	res, err := g.Complete(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(reqs()) != 3 || len(res.Attempts) != 3 {
		t.Fatalf("requests = %d attempts = %d", len(reqs()), len(res.Attempts))
	}
	if !errors.Is(res.Attempts[0].Err, ErrProviderAuth) {
		t.Errorf("attempt 0 err = %v, want auth", res.Attempts[0].Err)
	}
	if !errors.Is(res.Attempts[1].Err, ErrProviderRateLimited) {
		t.Errorf("attempt 1 err = %v, want rate limited", res.Attempts[1].Err)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://openrouter.ai/api/v1":                   "https://openrouter.ai/api/v1",
		" https://openrouter.ai/api/v1/ ":                "https://openrouter.ai/api/v1",
		"https://openrouter.ai/api/v1/chat/completions":  "https://openrouter.ai/api/v1",
		"https://openrouter.ai/api/v1/chat/completions/": "https://openrouter.ai/api/v1",
		"": "",
	}
	for in, want := range tests {
		if got := normalizeBaseURL(in); got != want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
