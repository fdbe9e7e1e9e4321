package conversation

import "time"

// SpeechState tracks whose turn it is to speak and how the call is
// progressing. Disconnected is terminal.
type SpeechState string

const (
	StateIdle         SpeechState = "idle"
	StateListening    SpeechState = "listening"
	StateProcessing   SpeechState = "processing"
	StateSpeaking     SpeechState = "speaking"
	StateInterrupted  SpeechState = "interrupted"
	StateWarning      SpeechState = "warning"
	StateDisconnected SpeechState = "disconnected"
)

// SilencePhase selects which inactivity timeout applies.
type SilencePhase string

const (
	PhaseInitial          SilencePhase = "initial"
	PhaseMidConversation  SilencePhase = "mid_conversation"
	PhaseTTSPlayback      SilencePhase = "tts_playback"
	PhaseSystemProcessing SilencePhase = "system_processing"
)

// Interruption records one caller barge-in during assistant playback.
// UserSpeechFragment is filled in by the transcript that follows.
type Interruption struct {
	Timestamp          time.Time `json:"timestamp"`
	UserSpeechFragment string    `json:"user_speech_fragment"`
	WasDuringTTS       bool      `json:"was_during_tts"`
	RetryCount         int       `json:"retry_count"`
}

// Snapshot is a read-only view of one conversation, safe to expose to
// introspection endpoints at any time.
type Snapshot struct {
	ConversationID    string       `json:"conversation_id"`
	SpeechState       SpeechState  `json:"speech_state"`
	SilencePhase      SilencePhase `json:"silence_phase"`
	TurnCount         int          `json:"turn_count"`
	RetryCount        int          `json:"retry_count"`
	InterruptionCount int          `json:"interruption_count"`
	TTSActive         bool         `json:"tts_active"`
	LastResponse      string       `json:"last_response,omitempty"`
}
