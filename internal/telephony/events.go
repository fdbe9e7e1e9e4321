package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies webhook event variants sent by the voice platform.
type EventType string

const (
	EventSpeechUpdate    EventType = "speech-update"
	EventTranscript      EventType = "transcript"
	EventHang            EventType = "hang"
	EventEndOfCallReport EventType = "end-of-call-report"
	EventFunctionCall    EventType = "function-call"
	EventStatusUpdate    EventType = "status-update"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusStarted = "started"
	StatusStopped = "stopped"

	TranscriptFinal   = "final"
	TranscriptPartial = "partial"
)

// Event is the normalized form of one webhook notification. Unknown
// event types still parse; downstream handlers ignore them.
type Event struct {
	Type            EventType
	CallID          string
	Role            string
	Status          string
	Transcript      string
	TranscriptType  string
	Summary         string
	DurationSeconds float64
	FunctionName    string
	Parameters      map[string]any
}

// Known reports whether the event type belongs to the closed handled set.
func (e Event) Known() bool {
	switch e.Type {
	case EventSpeechUpdate, EventTranscript, EventHang,
		EventEndOfCallReport, EventFunctionCall, EventStatusUpdate:
		return true
	default:
		return false
	}
}

type wireEnvelope struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Type            string           `json:"type"`
	Status          string           `json:"status"`
	Role            string           `json:"role"`
	Transcript      string           `json:"transcript"`
	TranscriptType  string           `json:"transcriptType"`
	Summary         string           `json:"summary"`
	DurationSeconds float64          `json:"durationSeconds"`
	FunctionCall    wireFunctionCall `json:"functionCall"`
	Call            wireCall         `json:"call"`
}

type wireFunctionCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

type wireCall struct {
	ID string `json:"id"`
}

// ParseEvent decodes a raw webhook body. The platform wraps every event
// in a {"message": {...}} envelope.
func ParseEvent(raw []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("invalid webhook envelope: %w", err)
	}

	m := env.Message
	return Event{
		Type:            EventType(strings.TrimSpace(m.Type)),
		CallID:          strings.TrimSpace(m.Call.ID),
		Role:            m.Role,
		Status:          m.Status,
		Transcript:      m.Transcript,
		TranscriptType:  m.TranscriptType,
		Summary:         m.Summary,
		DurationSeconds: m.DurationSeconds,
		FunctionName:    m.FunctionCall.Name,
		Parameters:      m.FunctionCall.Parameters,
	}, nil
}
