package generate

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator provides deterministic local replies when no reply
// service is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, input string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	text := strings.TrimSpace(input)
	if text == "" {
		return "I'm here with you. What would you like to know?", nil
	}
	return fmt.Sprintf("I heard you: %s", text), nil
}
