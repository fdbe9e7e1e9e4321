package conversation

import "fmt"

// Synthetic generator inputs. The markers let the reply pipeline detect
// system-originated input and skip its normal answer validation.
const (
	// SilenceCheckInPrompt asks the generator for a gentle check-in after
	// prolonged caller inactivity.
	SilenceCheckInPrompt = "[SYSTEM: User has been silent. Send a gentle check-in.]"
)

// Fixed spoken fallbacks. Failure paths in the orchestrator always
// degrade to one of these rather than surfacing an error to the caller.
const (
	apologyResponse = "I apologize, I'm having a brief technical difficulty. " +
		"Could you please repeat that?"

	clarifyResponse = "I understand you have a question. Let me address that " +
		"directly. Could you please tell me what specific information you need?"

	retryFallbackResponse = "I hear you. Let me take a moment to address your concern properly."
)

// InterruptionContext wraps an interrupting utterance so the generator
// can respond to the interruption directly.
func InterruptionContext(fragment string) string {
	return fmt.Sprintf(
		"[The patient interrupted the previous response to say: %q]\n"+
			"Please address their concern directly and concisely.",
		fragment,
	)
}
