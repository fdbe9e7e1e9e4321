package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucreale/florence/internal/generate"
	"github.com/lucreale/florence/internal/history"
	"github.com/lucreale/florence/internal/observability"
	"github.com/lucreale/florence/internal/telephony"
)

// ActionStopSpeaking tells the platform to cancel assistant playback.
const ActionStopSpeaking = "stop_speaking"

const historySaveTimeout = 2 * time.Second

// Timings groups every timeout and threshold the orchestrator and the
// silence monitor use.
type Timings struct {
	SilenceTimeout        time.Duration
	InitialSilenceTimeout time.Duration
	// WarningGrace is the window after a check-in before disconnecting.
	// Kept separate from SilenceTimeout on purpose.
	WarningGrace    time.Duration
	MonitorTick     time.Duration
	SpeechDebounce  time.Duration
	RetryDelay      time.Duration
	GenerateTimeout time.Duration
	MaxRetries      int
}

func DefaultTimings() Timings {
	return Timings{
		SilenceTimeout:        2500 * time.Millisecond,
		InitialSilenceTimeout: 10 * time.Second,
		WarningGrace:          5 * time.Second,
		MonitorTick:           500 * time.Millisecond,
		SpeechDebounce:        150 * time.Millisecond,
		RetryDelay:            1500 * time.Millisecond,
		GenerateTimeout:       30 * time.Second,
		MaxRetries:            3,
	}
}

// Result is what an event handler hands back to the webhook layer.
// A nil Result means the event needed no reply.
type Result struct {
	Action   string `json:"action,omitempty"`
	Response string `json:"response,omitempty"`
	Result   string `json:"result,omitempty"`
}

// Conversation is the state machine for one voice call. Events for a
// conversation are processed strictly in arrival order: evMu serializes
// handlers end to end (including generator calls), while mu guards the
// state fields so snapshots and the silence monitor never wait on an
// in-flight generation.
type Conversation struct {
	id      string
	timings Timings
	gen     generate.Generator
	store   history.Store
	metrics *observability.Metrics
	log     zerolog.Logger

	evMu sync.Mutex

	mu                sync.Mutex
	speechState       SpeechState
	silencePhase      SilencePhase
	lastVoiceActivity time.Time
	lastTTSStart      time.Time
	ttsActive         bool
	turnCount         int
	retryCount        int
	interruptions     []Interruption
	pendingResponse   string
	endedAt           time.Time
	monitorGen        int64

	now func() time.Time
}

func New(id string, gen generate.Generator, store history.Store, metrics *observability.Metrics, timings Timings, log zerolog.Logger) *Conversation {
	c := &Conversation{
		id:           id,
		timings:      timings,
		gen:          gen,
		store:        store,
		metrics:      metrics,
		log:          log,
		speechState:  StateIdle,
		silencePhase: PhaseInitial,
		now:          time.Now,
	}
	c.lastVoiceActivity = c.now()
	c.startMonitor()
	return c
}

func (c *Conversation) ID() string { return c.id }

// Snapshot returns a read-only view of the conversation state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ConversationID:    c.id,
		SpeechState:       c.speechState,
		SilencePhase:      c.silencePhase,
		TurnCount:         c.turnCount,
		RetryCount:        c.retryCount,
		InterruptionCount: len(c.interruptions),
		TTSActive:         c.ttsActive,
		LastResponse:      c.pendingResponse,
	}
}

// HandleEvent processes one webhook event. Unknown event types are
// logged and ignored; nothing here returns an error to the platform.
func (c *Conversation) HandleEvent(ctx context.Context, ev telephony.Event) *Result {
	c.evMu.Lock()
	defer c.evMu.Unlock()

	c.metrics.CallEvents.WithLabelValues(string(ev.Type)).Inc()

	c.mu.Lock()
	ended := c.speechState == StateDisconnected
	c.mu.Unlock()
	// Disconnected is terminal. The end-of-call report is still accepted
	// because it only logs; it never mutates state.
	if ended && ev.Type != telephony.EventEndOfCallReport {
		return nil
	}

	switch ev.Type {
	case telephony.EventSpeechUpdate:
		return c.handleSpeechUpdate(ev)
	case telephony.EventTranscript:
		return c.handleTranscript(ctx, ev)
	case telephony.EventHang:
		c.handleHang()
		return nil
	case telephony.EventEndOfCallReport:
		c.handleEndOfCall(ev)
		return nil
	case telephony.EventFunctionCall:
		c.log.Info().Str("function", ev.FunctionName).Msg("function call received")
		return &Result{Result: fmt.Sprintf("Function %s acknowledged", ev.FunctionName)}
	case telephony.EventStatusUpdate:
		c.log.Info().Str("status", ev.Status).Msg("call status update")
		return nil
	default:
		c.log.Debug().Str("type", string(ev.Type)).Msg("unhandled webhook event")
		return nil
	}
}

func (c *Conversation) handleSpeechUpdate(ev telephony.Event) *Result {
	now := c.now()

	switch ev.Role {
	case telephony.RoleUser:
		switch ev.Status {
		case telephony.StatusStarted:
			return c.onUserSpeechStart(now)
		case telephony.StatusStopped:
			c.onUserSpeechStop(now)
		}
	case telephony.RoleAssistant:
		switch ev.Status {
		case telephony.StatusStarted:
			c.mu.Lock()
			c.ttsActive = true
			c.lastTTSStart = now
			c.speechState = StateSpeaking
			c.silencePhase = PhaseTTSPlayback
			c.mu.Unlock()
			c.log.Debug().Msg("tts playback started")
		case telephony.StatusStopped:
			c.mu.Lock()
			c.ttsActive = false
			c.speechState = StateListening
			c.lastVoiceActivity = now
			if c.turnCount > 0 {
				c.silencePhase = PhaseMidConversation
			} else {
				c.silencePhase = PhaseInitial
			}
			c.mu.Unlock()
			c.startMonitor()
			c.log.Debug().Msg("tts playback stopped")
		}
	}
	return nil
}

func (c *Conversation) onUserSpeechStart(now time.Time) *Result {
	c.mu.Lock()
	c.lastVoiceActivity = now

	if c.ttsActive {
		timeIntoTTS := now.Sub(c.lastTTSStart)
		if timeIntoTTS > c.timings.SpeechDebounce {
			c.speechState = StateInterrupted
			c.interruptions = append(c.interruptions, Interruption{
				Timestamp:    now,
				WasDuringTTS: true,
				RetryCount:   c.retryCount,
			})
			c.mu.Unlock()
			c.startMonitor()
			c.metrics.Interruptions.Inc()
			c.log.Info().
				Int64("time_into_tts_ms", timeIntoTTS.Milliseconds()).
				Int("retry_count", c.Snapshot().RetryCount).
				Msg("user interruption detected")
			return &Result{Action: ActionStopSpeaking}
		}
		// Within the debounce window: overlap noise, not an interruption.
		c.mu.Unlock()
		c.startMonitor()
		return nil
	}

	c.speechState = StateListening
	c.mu.Unlock()
	c.startMonitor()
	return nil
}

func (c *Conversation) onUserSpeechStop(now time.Time) {
	c.mu.Lock()
	c.lastVoiceActivity = now
	if c.speechState == StateInterrupted {
		c.speechState = StateProcessing
		c.log.Debug().Msg("post-interruption processing")
	}
	c.mu.Unlock()
	c.startMonitor()
}

func (c *Conversation) handleTranscript(ctx context.Context, ev telephony.Event) *Result {
	if ev.Role != telephony.RoleUser ||
		ev.TranscriptType != telephony.TranscriptFinal ||
		strings.TrimSpace(ev.Transcript) == "" {
		return nil
	}

	c.mu.Lock()
	c.turnCount++
	c.silencePhase = PhaseMidConversation
	interrupted := c.speechState == StateInterrupted || c.speechState == StateProcessing
	if !interrupted {
		c.speechState = StateProcessing
		c.silencePhase = PhaseSystemProcessing
	}
	c.mu.Unlock()

	if interrupted {
		return c.handleInterruptionRetry(ctx, ev.Transcript)
	}

	c.stopMonitor()
	c.saveTurnBestEffort(telephony.RoleUser, ev.Transcript, false)

	reply, err := c.generate(ctx, ev.Transcript, "turn")
	c.mu.Lock()
	c.silencePhase = PhaseMidConversation
	if c.speechState == StateProcessing {
		c.speechState = StateListening
	}
	if err == nil {
		c.pendingResponse = reply
		c.retryCount = 0
	}
	c.mu.Unlock()

	c.startMonitor()

	if err != nil {
		c.log.Error().Err(err).Msg("response generation failed")
		return &Result{Response: apologyResponse}
	}
	c.saveTurnBestEffort(telephony.RoleAssistant, reply, false)
	return &Result{Response: reply}
}

// handleInterruptionRetry regenerates a reply after a caller barge-in.
// The retry budget caps consecutive attempts so interruption handling
// can never loop forever.
func (c *Conversation) handleInterruptionRetry(ctx context.Context, transcript string) *Result {
	c.mu.Lock()
	c.retryCount++
	if c.retryCount > c.timings.MaxRetries {
		retries := c.retryCount
		c.retryCount = 0
		c.speechState = StateListening
		c.mu.Unlock()
		c.metrics.RetryExhausted.Inc()
		c.log.Warn().
			Int("retry_count", retries).
			Int("max_retries", c.timings.MaxRetries).
			Msg("max retries exceeded")
		return &Result{Response: clarifyResponse}
	}
	attempt := c.retryCount
	if n := len(c.interruptions); n > 0 {
		c.interruptions[n-1].UserSpeechFragment = transcript
	}
	c.speechState = StateProcessing
	c.silencePhase = PhaseSystemProcessing
	c.mu.Unlock()

	c.stopMonitor()
	c.saveTurnBestEffort(telephony.RoleUser, transcript, true)
	c.log.Info().
		Int("attempt", attempt).
		Int("max", c.timings.MaxRetries).
		Str("transcript_preview", preview(transcript, 80)).
		Msg("interruption retry")

	// Fixed linear pause before re-invoking the generator; this is a
	// deliberate design choice, not backoff.
	if !c.waitRetryDelay(ctx) {
		return nil
	}

	reply, err := c.generate(ctx, InterruptionContext(transcript), "interruption")
	c.mu.Lock()
	c.silencePhase = PhaseMidConversation
	if c.speechState == StateProcessing {
		c.speechState = StateListening
	}
	if err == nil {
		// retryCount stays put: it only resets on a clean turn.
		c.pendingResponse = reply
	}
	c.mu.Unlock()

	c.startMonitor()

	if err != nil {
		c.log.Error().Err(err).Int("attempt", attempt).Msg("retry response failed")
		return &Result{Response: retryFallbackResponse}
	}
	c.saveTurnBestEffort(telephony.RoleAssistant, reply, false)
	return &Result{Response: reply}
}

func (c *Conversation) handleHang() {
	c.mu.Lock()
	c.speechState = StateDisconnected
	c.endedAt = c.now()
	c.monitorGen++
	turns := c.turnCount
	interruptions := len(c.interruptions)
	c.mu.Unlock()

	c.log.Info().
		Int("turn_count", turns).
		Int("interruptions", interruptions).
		Msg("call ended")
}

func (c *Conversation) handleEndOfCall(ev telephony.Event) {
	c.mu.Lock()
	turns := c.turnCount
	interruptions := len(c.interruptions)
	totalRetries := 0
	for _, itr := range c.interruptions {
		totalRetries += itr.RetryCount
	}
	c.mu.Unlock()

	c.log.Info().
		Float64("duration_seconds", ev.DurationSeconds).
		Str("summary_preview", preview(ev.Summary, 200)).
		Int("total_turns", turns).
		Int("total_interruptions", interruptions).
		Int("total_retries", totalRetries).
		Msg("call report")
}

func (c *Conversation) generate(ctx context.Context, input, kind string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, c.timings.GenerateTimeout)
	defer cancel()

	start := time.Now()
	out, err := c.gen.Generate(gctx, input)
	c.metrics.ObserveGenerateLatency(time.Since(start))
	if err != nil {
		c.metrics.GeneratorErrors.WithLabelValues(kind).Inc()
		return "", err
	}
	return out, nil
}

func (c *Conversation) waitRetryDelay(ctx context.Context) bool {
	if c.timings.RetryDelay <= 0 {
		return true
	}
	timer := time.NewTimer(c.timings.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conversation) saveTurnBestEffort(role, content string, interruption bool) {
	if c.store == nil {
		return
	}
	record := history.TurnRecord{
		ID:           uuid.NewString(),
		CallID:       c.id,
		Role:         role,
		Content:      content,
		Interruption: interruption,
		CreatedAt:    time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
		defer cancel()
		if err := c.store.SaveTurn(ctx, record); err != nil {
			c.log.Warn().Err(err).Msg("save turn failed")
		}
	}()
}

// preview truncates on a rune boundary so log output stays valid UTF-8.
func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "none"
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
