package history

import (
	"context"
	"time"
)

// TurnRecord stores a single caller or assistant conversational turn.
type TurnRecord struct {
	ID           string    `json:"id"`
	CallID       string    `json:"call_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Interruption bool      `json:"interruption"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists and retrieves call transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, callID string, limit int) ([]TurnRecord, error)
	Close() error
}
