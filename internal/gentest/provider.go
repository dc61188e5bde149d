package gentest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultProviderTimeout = 15 * time.Second

type HTTPProviderConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider is a thin JSON client for the external text-generation
// service.
type HTTPProvider struct {
	url     string
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPProvider(c HTTPProviderConfig) *HTTPProvider {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	return &HTTPProvider{
		url:    c.URL,
		apiKey: c.APIKey,
		client: &fasthttp.Client{
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxConnsPerHost: 16,
		},
		timeout: timeout,
	}
}

type generateTextRequest struct {
	Topic      string   `json:"topic"`
	Difficulty string   `json:"difficulty"`
	WordCount  int      `json:"word_count"`
	Interests  []string `json:"interests,omitempty"`
}

type generateTextResponse struct {
	Text string `json:"text"`
}

func (p *HTTPProvider) GenerateText(ctx context.Context, r ProviderRequest) (string, error) {
	body, err := json.Marshal(generateTextRequest{
		Topic:      r.Topic,
		Difficulty: string(r.Difficulty),
		WordCount:  r.WordCount,
		Interests:  r.Interests,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(p.url)
	req.Header.SetContentType("application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.SetBody(body)

	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("call provider: %w", err)
	}

	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return "", fmt.Errorf("provider returned status %d", code)
	}

	var out generateTextResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	return out.Text, nil
}
