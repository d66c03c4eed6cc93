package session

// Phase identifies the controller's position in the conversational cycle.
// Exactly one phase is current at any time; the machine cycles and has no
// terminal phase.
type Phase int

const (
	// PhaseIdle - passively listening for the wake word.
	PhaseIdle Phase = iota

	// PhaseWakeWordDetected - wake word accepted, capture about to start.
	PhaseWakeWordDetected

	// PhaseListening - recording user speech.
	PhaseListening

	// PhaseProcessing - transcript sent to the response generator.
	PhaseProcessing

	// PhaseSpeaking - playing back the assistant reply.
	PhaseSpeaking

	// PhaseError - a collaborator failed; recovers to Idle after a delay.
	PhaseError
)

// String returns the log-friendly name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWakeWordDetected:
		return "wake-word-detected"
	case PhaseListening:
		return "listening"
	case PhaseProcessing:
		return "processing"
	case PhaseSpeaking:
		return "speaking"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the value published to subscribers on every transition.
// Message is non-empty for PhaseError and for informational notifications
// (e.g. the "didn't hear anything" retry notice re-published under
// PhaseListening).
type State struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
}

func (s State) String() string {
	if s.Message == "" {
		return s.Phase.String()
	}
	return s.Phase.String() + ": " + s.Message
}
