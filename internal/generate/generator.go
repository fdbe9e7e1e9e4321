// Package generate holds the boundary to the external response
// pipeline: given caller text, produce reply text. Retrieval, prompt
// construction, and output validation all live behind this interface.
package generate

import (
	"context"
	"fmt"
	"strings"
)

// Generator produces reply text for one input utterance.
type Generator interface {
	Generate(ctx context.Context, input string) (string, error)
}

// Config controls generator construction.
type Config struct {
	Mode string
	URL  string
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPGenerator(cfg.URL), nil
		}
		return NewMockGenerator(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("generator URL is required for http mode")
		}
		return NewHTTPGenerator(cfg.URL), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}
