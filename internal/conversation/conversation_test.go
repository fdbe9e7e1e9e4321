package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lucreale/florence/internal/history"
	"github.com/lucreale/florence/internal/observability"
	"github.com/lucreale/florence/internal/telephony"
)

// promauto registers globally, so the package shares one metrics set.
var testMetrics = observability.NewMetrics("florence_conversation_test")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type recordingGen struct {
	mu     sync.Mutex
	inputs []string
	reply  string
	err    error
}

func (g *recordingGen) Generate(_ context.Context, input string) (string, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, input)
	g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *recordingGen) lastInput() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.inputs) == 0 {
		return ""
	}
	return g.inputs[len(g.inputs)-1]
}

// quietTimings keeps the silence monitor out of the way for tests that
// only exercise event handling.
func quietTimings() Timings {
	t := DefaultTimings()
	t.SilenceTimeout = time.Hour
	t.InitialSilenceTimeout = time.Hour
	t.WarningGrace = time.Hour
	t.RetryDelay = time.Millisecond
	t.GenerateTimeout = time.Second
	return t
}

func newTestConversation(t *testing.T, gen *recordingGen, timings Timings) (*Conversation, *fakeClock) {
	t.Helper()
	c := New("call-1", gen, nil, testMetrics, timings, zerolog.Nop())
	clk := &fakeClock{t: time.Now()}
	c.mu.Lock()
	c.now = clk.Now
	c.lastVoiceActivity = clk.Now()
	c.mu.Unlock()
	return c, clk
}

func speechEvent(role, status string) telephony.Event {
	return telephony.Event{Type: telephony.EventSpeechUpdate, CallID: "call-1", Role: role, Status: status}
}

func transcriptEvent(text string) telephony.Event {
	return telephony.Event{
		Type:           telephony.EventTranscript,
		CallID:         "call-1",
		Role:           telephony.RoleUser,
		Transcript:     text,
		TranscriptType: telephony.TranscriptFinal,
	}
}

func waitForState(t *testing.T, c *Conversation, want SpeechState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Snapshot().SpeechState == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("speech state = %q, want %q", c.Snapshot().SpeechState, want)
}

func TestTranscriptTurnFlow(t *testing.T) {
	gen := &recordingGen{reply: "Your appointment is tomorrow at ten."}
	c, _ := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	res := c.HandleEvent(ctx, transcriptEvent("when is my appointment?"))
	if res == nil || res.Response != gen.reply {
		t.Fatalf("HandleEvent() = %+v, want response %q", res, gen.reply)
	}
	if got := gen.lastInput(); got != "when is my appointment?" {
		t.Fatalf("generator input = %q", got)
	}

	snap := c.Snapshot()
	if snap.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", snap.TurnCount)
	}
	if snap.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", snap.RetryCount)
	}
	if snap.SilencePhase != PhaseMidConversation {
		t.Fatalf("silence phase = %q, want %q", snap.SilencePhase, PhaseMidConversation)
	}
}

func TestPartialAndEmptyTranscriptsIgnored(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, _ := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	partial := transcriptEvent("hel")
	partial.TranscriptType = telephony.TranscriptPartial
	if res := c.HandleEvent(ctx, partial); res != nil {
		t.Fatalf("partial transcript result = %+v, want nil", res)
	}
	if res := c.HandleEvent(ctx, transcriptEvent("   ")); res != nil {
		t.Fatalf("blank transcript result = %+v, want nil", res)
	}
	if snap := c.Snapshot(); snap.TurnCount != 0 {
		t.Fatalf("turn count = %d, want 0", snap.TurnCount)
	}
}

func TestDebounceIgnoresOverlapNoise(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, clk := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStarted))
	clk.Advance(100 * time.Millisecond)

	res := c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStarted))
	if res != nil {
		t.Fatalf("result = %+v, want nil within debounce window", res)
	}
	snap := c.Snapshot()
	if snap.SpeechState == StateInterrupted {
		t.Fatalf("speech state = %q after overlap noise", snap.SpeechState)
	}
	if snap.InterruptionCount != 0 {
		t.Fatalf("interruption count = %d, want 0", snap.InterruptionCount)
	}
}

func TestInterruptionPastDebounceStopsSpeaking(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, clk := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStarted))
	clk.Advance(200 * time.Millisecond)

	res := c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStarted))
	if res == nil || res.Action != ActionStopSpeaking {
		t.Fatalf("result = %+v, want action %q", res, ActionStopSpeaking)
	}
	snap := c.Snapshot()
	if snap.SpeechState != StateInterrupted {
		t.Fatalf("speech state = %q, want %q", snap.SpeechState, StateInterrupted)
	}
	if snap.InterruptionCount != 1 {
		t.Fatalf("interruption count = %d, want 1", snap.InterruptionCount)
	}
}

func TestAssistantStoppedIsIdempotent(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, _ := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStarted))
	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStopped))
	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStopped))

	snap := c.Snapshot()
	if snap.SpeechState != StateListening {
		t.Fatalf("speech state = %q, want %q", snap.SpeechState, StateListening)
	}
	if snap.TTSActive {
		t.Fatal("tts still marked active after stop")
	}
}

func TestInterruptionRetryUsesFragmentContext(t *testing.T) {
	gen := &recordingGen{reply: "let me address that"}
	c, clk := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStarted))
	clk.Advance(300 * time.Millisecond)
	c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStarted))
	c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStopped))

	if got := c.Snapshot().SpeechState; got != StateProcessing {
		t.Fatalf("speech state = %q, want %q", got, StateProcessing)
	}

	res := c.HandleEvent(ctx, transcriptEvent("wait, what about the cost?"))
	if res == nil || res.Response != gen.reply {
		t.Fatalf("retry result = %+v", res)
	}
	input := gen.lastInput()
	if !strings.Contains(input, "wait, what about the cost?") {
		t.Fatalf("generator input %q missing interruption fragment", input)
	}
	if !strings.Contains(input, "interrupted") {
		t.Fatalf("generator input %q missing interruption framing", input)
	}
	if got := c.Snapshot().RetryCount; got != 1 {
		t.Fatalf("retry count = %d, want 1", got)
	}
}

func TestRetryExhaustionFallsBackToClarifier(t *testing.T) {
	gen := &recordingGen{reply: "another go"}
	timings := quietTimings()
	timings.MaxRetries = 2
	c, clk := newTestConversation(t, gen, timings)
	ctx := context.Background()

	interrupt := func() *Result {
		c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStarted))
		clk.Advance(300 * time.Millisecond)
		c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStarted))
		c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStopped))
		return c.HandleEvent(ctx, transcriptEvent("hold on"))
	}

	if res := interrupt(); res == nil || res.Response != gen.reply {
		t.Fatalf("first retry = %+v", res)
	}
	if res := interrupt(); res == nil || res.Response != gen.reply {
		t.Fatalf("second retry = %+v", res)
	}

	res := interrupt()
	if res == nil || res.Response != clarifyResponse {
		t.Fatalf("exhausted retry = %+v, want clarifier", res)
	}
	snap := c.Snapshot()
	if snap.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 after exhaustion", snap.RetryCount)
	}
	if snap.SpeechState != StateListening {
		t.Fatalf("speech state = %q, want %q", snap.SpeechState, StateListening)
	}
}

func TestGeneratorFailureApologizes(t *testing.T) {
	gen := &recordingGen{err: errors.New("upstream down")}
	c, _ := newTestConversation(t, gen, quietTimings())

	res := c.HandleEvent(context.Background(), transcriptEvent("hello?"))
	if res == nil || res.Response != apologyResponse {
		t.Fatalf("result = %+v, want apology", res)
	}
	if got := c.Snapshot().TurnCount; got != 1 {
		t.Fatalf("turn count = %d, want 1", got)
	}
}

func TestHangIsTerminal(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, _ := newTestConversation(t, gen, quietTimings())
	ctx := context.Background()

	c.HandleEvent(ctx, telephony.Event{Type: telephony.EventHang, CallID: "call-1"})
	if got := c.Snapshot().SpeechState; got != StateDisconnected {
		t.Fatalf("speech state = %q, want %q", got, StateDisconnected)
	}

	if res := c.HandleEvent(ctx, transcriptEvent("anyone there?")); res != nil {
		t.Fatalf("post-hang transcript result = %+v, want nil", res)
	}
	if got := c.Snapshot().TurnCount; got != 0 {
		t.Fatalf("turn count = %d after hang, want 0", got)
	}

	// The end-of-call report only logs, so it is still accepted.
	c.HandleEvent(ctx, telephony.Event{Type: telephony.EventEndOfCallReport, CallID: "call-1", DurationSeconds: 42})
	if got := c.Snapshot().SpeechState; got != StateDisconnected {
		t.Fatalf("speech state = %q after report, want %q", got, StateDisconnected)
	}
}

func TestFunctionCallAcknowledged(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, _ := newTestConversation(t, gen, quietTimings())

	res := c.HandleEvent(context.Background(), telephony.Event{
		Type:         telephony.EventFunctionCall,
		CallID:       "call-1",
		FunctionName: "lookup_appointment",
	})
	if res == nil || !strings.Contains(res.Result, "lookup_appointment") {
		t.Fatalf("function call result = %+v", res)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	c, _ := newTestConversation(t, gen, quietTimings())

	res := c.HandleEvent(context.Background(), telephony.Event{Type: "voice-input", CallID: "call-1"})
	if res != nil {
		t.Fatalf("unknown event result = %+v, want nil", res)
	}
	if got := c.Snapshot().SpeechState; got != StateIdle {
		t.Fatalf("speech state = %q, want %q", got, StateIdle)
	}
}

func TestSilenceEscalatesToWarningThenDisconnect(t *testing.T) {
	gen := &recordingGen{reply: "are you still there?"}
	timings := quietTimings()
	timings.SilenceTimeout = 50 * time.Millisecond
	timings.InitialSilenceTimeout = 50 * time.Millisecond
	timings.WarningGrace = 400 * time.Millisecond
	timings.MonitorTick = 10 * time.Millisecond
	c := New("call-silence", gen, nil, testMetrics, timings, zerolog.Nop())

	waitForState(t, c, StateWarning, time.Second)

	// The warning must hold for the grace window before escalating.
	time.Sleep(100 * time.Millisecond)
	if got := c.Snapshot().SpeechState; got != StateWarning {
		t.Fatalf("speech state = %q during grace window, want %q", got, StateWarning)
	}

	waitForState(t, c, StateDisconnected, time.Second)

	gen.mu.Lock()
	prompted := len(gen.inputs) > 0 && gen.inputs[0] == SilenceCheckInPrompt
	gen.mu.Unlock()
	if !prompted {
		t.Fatalf("check-in prompt not sent, inputs = %v", gen.inputs)
	}
}

func TestInterruptedSilenceEscalates(t *testing.T) {
	gen := &recordingGen{reply: "are you still there?"}
	timings := quietTimings()
	timings.SilenceTimeout = 50 * time.Millisecond
	timings.InitialSilenceTimeout = 50 * time.Millisecond
	timings.WarningGrace = 100 * time.Millisecond
	timings.MonitorTick = 10 * time.Millisecond
	timings.SpeechDebounce = 10 * time.Millisecond
	c := New("call-abandoned", gen, nil, testMetrics, timings, zerolog.Nop())
	ctx := context.Background()

	// Caller barges in past the debounce window, then drops with no
	// further events. The silence monitor must still escalate.
	c.HandleEvent(ctx, speechEvent(telephony.RoleAssistant, telephony.StatusStarted))
	time.Sleep(30 * time.Millisecond)
	res := c.HandleEvent(ctx, speechEvent(telephony.RoleUser, telephony.StatusStarted))
	if res == nil || res.Action != ActionStopSpeaking {
		t.Fatalf("interruption result = %+v, want action %q", res, ActionStopSpeaking)
	}
	if got := c.Snapshot().SpeechState; got != StateInterrupted {
		t.Fatalf("speech state = %q, want %q", got, StateInterrupted)
	}

	waitForState(t, c, StateWarning, time.Second)
	waitForState(t, c, StateDisconnected, 2*time.Second)
}

func TestInitialPhaseUsesLongerTimeout(t *testing.T) {
	gen := &recordingGen{reply: "hello?"}
	timings := quietTimings()
	timings.SilenceTimeout = 50 * time.Millisecond
	timings.InitialSilenceTimeout = 400 * time.Millisecond
	timings.MonitorTick = 10 * time.Millisecond
	c := New("call-greeting", gen, nil, testMetrics, timings, zerolog.Nop())

	// Well past the mid-conversation timeout but inside the initial
	// greeting window: no warning yet.
	time.Sleep(150 * time.Millisecond)
	snap := c.Snapshot()
	if snap.SilencePhase != PhaseInitial {
		t.Fatalf("silence phase = %q, want %q", snap.SilencePhase, PhaseInitial)
	}
	if snap.SpeechState == StateWarning || snap.SpeechState == StateDisconnected {
		t.Fatalf("speech state = %q inside the initial window", snap.SpeechState)
	}

	waitForState(t, c, StateWarning, 2*time.Second)
	c.HandleEvent(context.Background(), telephony.Event{Type: telephony.EventHang, CallID: "call-greeting"})
}

func TestVoiceActivityResetsSilenceTimer(t *testing.T) {
	gen := &recordingGen{reply: "ok"}
	timings := quietTimings()
	timings.SilenceTimeout = 80 * time.Millisecond
	timings.InitialSilenceTimeout = 80 * time.Millisecond
	timings.MonitorTick = 10 * time.Millisecond
	c := New("call-reset", gen, nil, testMetrics, timings, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		c.HandleEvent(ctx, telephony.Event{
			Type:   telephony.EventSpeechUpdate,
			CallID: "call-reset",
			Role:   telephony.RoleUser,
			Status: telephony.StatusStarted,
		})
	}
	if got := c.Snapshot().SpeechState; got != StateListening {
		t.Fatalf("speech state = %q, want %q", got, StateListening)
	}
	c.HandleEvent(ctx, telephony.Event{Type: telephony.EventHang, CallID: "call-reset"})
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("però ", 30)
	got := preview(long, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("preview produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 10 {
		t.Fatalf("preview length = %d runes, want 10", n)
	}
	if got := preview("short", 10); got != "short" {
		t.Fatalf("preview(short) = %q", got)
	}
	if got := preview("   ", 10); got != "none" {
		t.Fatalf("preview(blank) = %q, want none", got)
	}
}

func TestTurnsPersistedToHistory(t *testing.T) {
	gen := &recordingGen{reply: "noted"}
	store := history.NewInMemoryStore()
	c := New("call-hist", gen, store, testMetrics, quietTimings(), zerolog.Nop())
	ctx := context.Background()

	res := c.HandleEvent(ctx, telephony.Event{
		Type:           telephony.EventTranscript,
		CallID:         "call-hist",
		Role:           telephony.RoleUser,
		Transcript:     "I need to reschedule",
		TranscriptType: telephony.TranscriptFinal,
	})
	if res == nil || res.Response != "noted" {
		t.Fatalf("result = %+v", res)
	}

	deadline := time.Now().Add(time.Second)
	for {
		turns, err := store.RecentTurns(ctx, "call-hist", 10)
		if err != nil {
			t.Fatalf("RecentTurns() error = %v", err)
		}
		if len(turns) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted turns = %d, want 2", len(turns))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
