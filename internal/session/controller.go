package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Config holds the controller's timing and retry policy. All values are
// externally tunable; zero fields fall back to defaults.
type Config struct {
	// DebounceWindow suppresses repeated wake words within this gap.
	DebounceWindow time.Duration
	// MaxNoSpeechRetries bounds consecutive capture restarts on silence.
	MaxNoSpeechRetries int
	// RetryDelay is the pause before restarting capture after a no-speech.
	RetryDelay time.Duration
	// FinalMessageDelay is the pause between the last informational message
	// and the return to Idle when retries are exhausted.
	FinalMessageDelay time.Duration
	// RecoveryDelay is the pause in the Error state before returning to Idle.
	RecoveryDelay time.Duration
	// GenerateTimeout bounds one response generation round trip.
	GenerateTimeout time.Duration
	// ContinuousMode keeps capturing after playback instead of returning to
	// wake-word detection.
	ContinuousMode bool
}

// DefaultConfig returns the tuning observed to work well in practice.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:     1500 * time.Millisecond,
		MaxNoSpeechRetries: 2,
		RetryDelay:         600 * time.Millisecond,
		FinalMessageDelay:  1200 * time.Millisecond,
		RecoveryDelay:      2 * time.Second,
		GenerateTimeout:    20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.MaxNoSpeechRetries <= 0 {
		c.MaxNoSpeechRetries = d.MaxNoSpeechRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.FinalMessageDelay <= 0 {
		c.FinalMessageDelay = d.FinalMessageDelay
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = d.RecoveryDelay
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = d.GenerateTimeout
	}
	return c
}

// Collaborators are the external engines the controller sequences.
type Collaborators struct {
	Detector  WakeWordDetector
	Capture   SpeechCapture
	Generator ResponseGenerator
	Playback  SpeechPlayback
}

type subscriber struct {
	id int
	fn StateChangeCallback
}

// Controller serializes wake-word detection, speech capture, response
// generation and speech playback into one conversational turn at a time.
// One instance exists per running assistant; it is owned by the composition
// root, not by a package-level global.
//
// All state mutation happens under a single mutex; completion callbacks from
// capture, generation and playback are tagged with a generation token and
// dropped when a later transition has already superseded them.
type Controller struct {
	mu sync.Mutex

	cfg Config
	col Collaborators

	state           State
	lastWakeAt      time.Time
	noSpeechRetries int
	gen             uint64
	closed          bool

	genCancel  context.CancelFunc
	delayTimer *time.Timer

	history *History
	onTurn  func(user, assistant string)

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID int
}

// NewController builds a controller in the Idle state. Call Start to begin
// wake-word detection and Shutdown on process exit.
func NewController(cfg Config, col Collaborators) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		col:     col,
		state:   State{Phase: PhaseIdle},
		history: NewHistory(),
	}
}

// SetTurnHook registers a callback invoked after each completed
// user/assistant exchange (outside the controller lock). Must be set before
// Start.
func (c *Controller) SetTurnHook(fn func(user, assistant string)) { c.onTurn = fn }

// Start begins background wake-word detection.
func (c *Controller) Start() error {
	if c.col.Detector == nil {
		return nil
	}
	return c.col.Detector.Start()
}

// State returns the current state value.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History exposes the conversation record for snapshots.
func (c *Controller) History() *History { return c.history }

// ClearHistory wipes the conversation record. Only explicit external
// commands reach this; no transition clears history implicitly.
func (c *Controller) ClearHistory() { c.history.Clear() }

// Subscribe registers a state-change callback and returns a removal id.
// Duplicate registration is allowed and yields duplicate notification.
func (c *Controller) Subscribe(fn StateChangeCallback) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	c.subs = append(c.subs, subscriber{id: c.nextSubID, fn: fn})
	return c.nextSubID
}

// Unsubscribe removes a previously registered callback. Safe to call from
// inside a notification; in-flight notifications still complete.
func (c *Controller) Unsubscribe(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// OnWakeWord handles a wake-word detection at the given timestamp. It rejects
// the trigger when a turn is already active or when the timestamp falls
// inside the debounce window; both checks are required (state-only misses
// rapid re-triggers after returning to Idle, time-only misses triggers during
// an active turn).
func (c *Controller) OnWakeWord(ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.Phase != PhaseIdle {
		return false
	}
	if !c.lastWakeAt.IsZero() && ts.Sub(c.lastWakeAt) < c.cfg.DebounceWindow {
		return false
	}
	c.lastWakeAt = ts
	if c.col.Detector != nil {
		c.col.Detector.Pause()
	}
	c.setState(State{Phase: PhaseWakeWordDetected})
	c.noSpeechRetries = 0
	c.enterListening()
	return true
}

// InterruptSpeech cuts off the current reply and resumes capture. It is a
// no-op outside the Speaking phase.
func (c *Controller) InterruptSpeech() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.Phase != PhaseSpeaking {
		return false
	}
	c.gen++ // supersede the in-flight playback completion
	if c.col.Playback != nil {
		c.col.Playback.Stop()
	}
	c.enterListening()
	return true
}

// Shutdown cancels in-flight work, clears subscribers and releases the
// detector. The controller accepts no events afterwards.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.stopDelayTimer()
	if c.genCancel != nil {
		c.genCancel()
		c.genCancel = nil
	}
	if c.col.Capture != nil {
		c.col.Capture.Stop()
	}
	if c.col.Playback != nil {
		c.col.Playback.Stop()
	}
	det := c.col.Detector
	c.mu.Unlock()

	if det != nil {
		if err := det.Close(); err != nil {
			log.Printf("session: detector close: %v", err)
		}
	}
	c.subMu.Lock()
	c.subs = nil
	c.subMu.Unlock()
}

// enterListening transitions to Listening and starts a capture attempt.
// Caller holds c.mu.
func (c *Controller) enterListening() {
	c.setState(State{Phase: PhaseListening})
	c.startCapture()
}

// startCapture begins a new capture attempt under a fresh generation.
// Caller holds c.mu.
func (c *Controller) startCapture() {
	c.gen++
	gen := c.gen
	ev := CaptureEvents{
		OnTranscript: func(text string) { c.handleTranscript(gen, text) },
		OnNoSpeech:   func() { c.handleNoSpeech(gen) },
		OnError:      func(err error) { c.fail(gen, fmt.Sprintf("speech capture failed: %v", err)) },
	}
	capture := c.col.Capture
	go func() {
		if capture == nil {
			return
		}
		if err := capture.Start(ev); err != nil {
			c.fail(gen, fmt.Sprintf("speech capture start failed: %v", err))
		}
	}()
}

// handleTranscript processes a finalized utterance from capture. Blank text
// is treated exactly like a no-speech signal, not as an error.
func (c *Controller) handleTranscript(gen uint64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		c.handleNoSpeech(gen)
		return
	}
	c.mu.Lock()
	if c.stale(gen) || c.state.Phase != PhaseListening {
		c.mu.Unlock()
		return
	}
	c.col.Capture.Stop()
	c.noSpeechRetries = 0
	c.history.AppendUser(text)
	c.gen++
	gen = c.gen
	c.setState(State{Phase: PhaseProcessing})
	c.mu.Unlock()

	go c.generate(gen, text)
}

// generate runs the response generator off the controller goroutine and
// reports back under the same generation token.
func (c *Controller) generate(gen uint64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.GenerateTimeout)
	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		cancel()
		return
	}
	c.genCancel = cancel
	c.mu.Unlock()

	reply, err := c.col.Generator.Generate(ctx, text, c.history.Snapshot())
	cancel()

	c.mu.Lock()
	c.genCancel = nil
	c.mu.Unlock()

	if err != nil {
		c.fail(gen, fmt.Sprintf("response generation failed: %v", err))
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		c.fail(gen, "response generation returned an empty reply")
		return
	}
	c.handleReply(gen, text, reply)
}

// handleReply records the assistant turn and starts playback. Speak is issued
// under the same critical section as the Speaking transition (the playback
// contract guarantees it returns immediately), so an interrupt accepted after
// the transition always finds a playback it can stop.
func (c *Controller) handleReply(gen uint64, userText, reply string) {
	c.mu.Lock()
	if c.stale(gen) || c.state.Phase != PhaseProcessing {
		c.mu.Unlock()
		return
	}
	c.history.AppendAssistant(reply)
	c.gen++
	gen = c.gen
	c.setState(State{Phase: PhaseSpeaking})
	c.col.Playback.Speak(reply,
		func() { c.handleSpoken(gen) },
		func(err error) { c.fail(gen, fmt.Sprintf("speech playback failed: %v", err)) },
	)
	hook := c.onTurn
	c.mu.Unlock()

	if hook != nil {
		go hook(userText, reply)
	}
}

// handleSpoken fires on playback completion: continuous mode resumes capture
// directly, otherwise the session returns to wake-word detection.
func (c *Controller) handleSpoken(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) || c.state.Phase != PhaseSpeaking {
		return
	}
	if c.cfg.ContinuousMode {
		c.enterListening()
		return
	}
	c.toIdle()
}

// handleNoSpeech applies the bounded retry policy: restart capture after a
// short delay while retries remain, otherwise announce once and return to
// Idle after the final-message delay.
func (c *Controller) handleNoSpeech(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) || c.state.Phase != PhaseListening {
		return
	}
	c.col.Capture.Stop()
	c.noSpeechRetries++
	if c.noSpeechRetries < c.cfg.MaxNoSpeechRetries {
		c.setState(State{Phase: PhaseListening, Message: "I didn't hear anything, listening again"})
		cur := c.gen
		c.resetDelayTimer(c.cfg.RetryDelay, func() { c.restartCapture(cur) })
		return
	}
	c.noSpeechRetries = 0
	c.setState(State{Phase: PhaseListening, Message: "I didn't catch that. Say the wake word when you need me."})
	cur := c.gen
	c.resetDelayTimer(c.cfg.FinalMessageDelay, func() { c.recoverToIdle(cur) })
}

// restartCapture resumes a retried capture attempt after the retry delay.
func (c *Controller) restartCapture(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) || c.state.Phase != PhaseListening {
		return
	}
	c.startCapture()
}

// recoverToIdle completes a delayed return to Idle (retry exhaustion or error
// recovery).
func (c *Controller) recoverToIdle(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	c.toIdle()
}

// fail converts a collaborator failure into the Error state and schedules
// recovery. All in-flight work is superseded; stale completions are dropped.
func (c *Controller) fail(gen uint64, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	log.Printf("session: %s", msg)
	c.gen++
	cur := c.gen
	c.stopDelayTimer()
	if c.genCancel != nil {
		c.genCancel()
		c.genCancel = nil
	}
	if c.col.Capture != nil {
		c.col.Capture.Stop()
	}
	if c.col.Playback != nil {
		c.col.Playback.Stop()
	}
	c.setState(State{Phase: PhaseError, Message: msg})
	c.resetDelayTimer(c.cfg.RecoveryDelay, func() { c.recoverToIdle(cur) })
}

// toIdle transitions to Idle and resumes wake-word detection.
// Caller holds c.mu.
func (c *Controller) toIdle() {
	c.gen++
	c.setState(State{Phase: PhaseIdle})
	if c.col.Detector != nil {
		c.col.Detector.Resume()
	}
}

// stale reports whether a completion token has been superseded.
// Caller holds c.mu.
func (c *Controller) stale(gen uint64) bool { return c.closed || gen != c.gen }

// setState publishes a transition to all subscribers in registration order.
// Caller holds c.mu, so subscribers never observe a transient intermediate
// value and notifications from consecutive transitions cannot interleave.
// A panicking subscriber is logged and skipped; the rest are still notified.
func (c *Controller) setState(st State) {
	c.state = st
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("session: subscriber %d panicked: %v", s.id, r)
				}
			}()
			s.fn(st)
		}()
	}
}

func (c *Controller) resetDelayTimer(d time.Duration, fn func()) {
	c.stopDelayTimer()
	c.delayTimer = time.AfterFunc(d, fn)
}

func (c *Controller) stopDelayTimer() {
	if c.delayTimer != nil {
		c.delayTimer.Stop()
		c.delayTimer = nil
	}
}
