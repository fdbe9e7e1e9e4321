package telephony

import "testing"

func TestParseEventSpeechUpdate(t *testing.T) {
	raw := []byte(`{"message":{"type":"speech-update","status":"started","role":"user","call":{"id":"call-1"}}}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Type != EventSpeechUpdate {
		t.Fatalf("Type = %q, want %q", ev.Type, EventSpeechUpdate)
	}
	if ev.CallID != "call-1" || ev.Role != RoleUser || ev.Status != StatusStarted {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Known() {
		t.Fatalf("Known() = false, want true")
	}
}

func TestParseEventTranscript(t *testing.T) {
	raw := []byte(`{"message":{"type":"transcript","role":"user","transcript":"when should I take it","transcriptType":"final","call":{"id":"call-2"}}}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Type != EventTranscript || ev.Transcript != "when should I take it" || ev.TranscriptType != TranscriptFinal {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEventFunctionCall(t *testing.T) {
	raw := []byte(`{"message":{"type":"function-call","functionCall":{"name":"lookup","parameters":{"key":"v"}},"call":{"id":"call-3"}}}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.FunctionName != "lookup" {
		t.Fatalf("FunctionName = %q, want %q", ev.FunctionName, "lookup")
	}
	if ev.Parameters["key"] != "v" {
		t.Fatalf("Parameters = %v, want key=v", ev.Parameters)
	}
}

func TestParseEventUnknownTypeIsAccepted(t *testing.T) {
	raw := []byte(`{"message":{"type":"voicemail-detected","call":{"id":"call-4"}}}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v, want unknown types accepted", err)
	}
	if ev.Known() {
		t.Fatalf("Known() = true for %q, want false", ev.Type)
	}
}

func TestParseEventRejectsInvalidJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`{not json`)); err == nil {
		t.Fatalf("ParseEvent() error = nil, want invalid JSON rejected")
	}
}
