package session

import "context"

// WakeWordDetector continuously analyzes the microphone stream and raises a
// callback when the trigger phrase is recognized. Detection is paused while a
// conversation turn is active; the underlying audio stream stays open so
// capture can reuse it without re-acquisition latency.
type WakeWordDetector interface {
	Start() error
	Pause()
	Resume()
	Close() error
}

// CaptureEvents carries the completion callbacks for one capture attempt.
// Exactly one of OnTranscript, OnNoSpeech or OnError fires per attempt unless
// the capture is stopped first.
type CaptureEvents struct {
	OnTranscript func(text string)
	OnNoSpeech   func()
	OnError      func(err error)
}

// SpeechCapture records audio until silence or timeout and yields a
// best-effort transcript or a no-speech signal. Start must not block; Stop
// cancels the in-flight attempt (best effort).
type SpeechCapture interface {
	Start(ev CaptureEvents) error
	Stop()
}

// ResponseGenerator produces a reply for the latest user utterance given the
// conversation so far. The history already includes the latest user turn.
type ResponseGenerator interface {
	Generate(ctx context.Context, text string, history []Turn) (string, error)
}

// SpeechPlayback synthesizes and plays the given text. Speak must return
// immediately; exactly one of onComplete or onError fires unless Stop is
// called first. Stop is best effort but the controller always follows it with
// a deterministic transition.
type SpeechPlayback interface {
	Speak(text string, onComplete func(), onError func(err error))
	Stop()
}

// StateChangeCallback is the subscriber contract, invoked synchronously on
// every transition in registration order. Callbacks must return promptly and
// must not call back into the controller from the same goroutine.
type StateChangeCallback func(State)
