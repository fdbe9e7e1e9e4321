package telephony

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

// Config controls the outbound call client.
type Config struct {
	APIKey        string
	BaseURL       string
	AssistantID   string
	PhoneNumberID string

	// Assistant overrides applied to every created call.
	SilenceTimeout time.Duration
	ResponseDelay  time.Duration
}

// Client creates outbound calls against the voice platform API.
type Client struct {
	cfg  Config
	http *http.Client
}

var ErrNotConfigured = errors.New("telephony client not configured")

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.ResponseDelay <= 0 {
		cfg.ResponseDelay = 400 * time.Millisecond
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports whether the client has enough settings to place calls.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != "" && c.cfg.BaseURL != ""
}

type CreateCallRequest struct {
	PhoneNumber  string         `json:"phone_number,omitempty"`
	CustomerName string         `json:"customer_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type CreateCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// CreateCall creates an outbound call session with tuned voice settings
// and returns the platform-assigned call ID.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResponse, error) {
	if !c.Configured() {
		return CreateCallResponse{}, ErrNotConfigured
	}

	payload := map[string]any{
		"assistantId": c.cfg.AssistantID,
		"assistantOverrides": map[string]any{
			"silenceTimeoutSeconds": c.cfg.SilenceTimeout.Seconds(),
			"responseDelaySeconds":  c.cfg.ResponseDelay.Seconds(),
			"interruptionsEnabled":  true,
		},
	}
	if strings.TrimSpace(req.PhoneNumber) != "" {
		payload["phoneNumberId"] = c.cfg.PhoneNumberID
		customer := map[string]any{"number": req.PhoneNumber}
		if strings.TrimSpace(req.CustomerName) != "" {
			customer["name"] = req.CustomerName
		}
		payload["customer"] = customer
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return CreateCallResponse{}, fmt.Errorf("marshal call payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return CreateCallResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return CreateCallResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return CreateCallResponse{}, fmt.Errorf("platform status %d: %s", res.StatusCode, string(detail))
	}

	var call struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&call); err != nil {
		return CreateCallResponse{}, fmt.Errorf("decode call response: %w", err)
	}
	if strings.TrimSpace(call.ID) == "" {
		return CreateCallResponse{}, errors.New("platform returned empty call id")
	}

	return CreateCallResponse{CallID: call.ID, Status: call.Status}, nil
}
