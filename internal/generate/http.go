package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucreale/florence/internal/reliability"
)

// HTTPGenerator forwards input text to a reply-service HTTP endpoint.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type generateRequest struct {
	Input string `json:"input"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, input string) (string, error) {
	payload, err := json.Marshal(generateRequest{Input: input})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return "", fmt.Errorf("reply service busy (status %d): %s", res.StatusCode, string(detail))
		}
		return "", fmt.Errorf("reply service status %d: %s", res.StatusCode, string(detail))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		// Plain-text reply services are accepted as-is.
		text := strings.TrimSpace(string(body))
		if text == "" {
			return "", fmt.Errorf("empty reply service response")
		}
		return text, nil
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("reply service returned empty response")
	}
	return out.Response, nil
}
