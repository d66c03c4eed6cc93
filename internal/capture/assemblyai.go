package capture

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/chadiek/jarvis/internal/session"
)

// silenceThreshold is the base inactivity window required before an
// utterance is considered complete. Keep conservative to avoid cutting the
// user mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added to the silence threshold when the last word
// suggests the user is likely to continue the sentence (e.g. "and", "if").
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace waits a little after crossing the silence threshold to
// absorb any late transcript updates from the ASR before finalizing.
const stabilizationGrace = 250 * time.Millisecond

// Config tunes one capture service instance.
type Config struct {
	APIKey string
	// NoSpeechTimeout bounds how long a capture attempt waits for any
	// voice or transcript activity before signaling no-speech.
	NoSpeechTimeout time.Duration
}

// AssemblyAI implements session.SpeechCapture on the AssemblyAI v3 streaming
// API. The WebSocket connection is long-lived; each Start arms one capture
// attempt that ends with exactly one transcript, no-speech or error event.
type AssemblyAI struct {
	cfg       Config
	conn      *websocket.Conn
	audioData chan []byte
	stopCh    chan struct{}
	mu        sync.RWMutex
	connected bool

	// utterance accumulation
	accMu                   sync.Mutex
	latestFullTranscript    string
	committedFullTranscript string
	lastUpdateTime          time.Time
	silenceTimer            *time.Timer
	lastVoiceTime           time.Time

	// current capture attempt
	attemptMu     sync.Mutex
	ev            session.CaptureEvents
	active        bool
	noSpeechTimer *time.Timer
}

// message types from the streaming API
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAI creates a capture service. The connection is established on
// the first Start.
func NewAssemblyAI(cfg Config) *AssemblyAI {
	if cfg.NoSpeechTimeout <= 0 {
		cfg.NoSpeechTimeout = 6 * time.Second
	}
	return &AssemblyAI{
		cfg:       cfg,
		audioData: make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
	}
}

// Start arms a capture attempt. It connects lazily and must not block on
// audio; events fire from background goroutines.
func (s *AssemblyAI) Start(ev session.CaptureEvents) error {
	if err := s.connect(); err != nil {
		return err
	}
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()
	s.ev = ev
	s.active = true
	if s.noSpeechTimer != nil {
		s.noSpeechTimer.Stop()
	}
	s.noSpeechTimer = time.AfterFunc(s.cfg.NoSpeechTimeout, s.noSpeechDeadline)

	// Discard anything transcribed before this attempt.
	s.accMu.Lock()
	s.committedFullTranscript = s.latestFullTranscript
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now().Add(-s.cfg.NoSpeechTimeout)
	s.accMu.Unlock()
	return nil
}

// Stop cancels the in-flight attempt. The connection stays open for the next
// Start; no event fires for a stopped attempt.
func (s *AssemblyAI) Stop() {
	s.attemptMu.Lock()
	s.active = false
	if s.noSpeechTimer != nil {
		s.noSpeechTimer.Stop()
		s.noSpeechTimer = nil
	}
	s.attemptMu.Unlock()
}

// connect establishes the WebSocket connection once.
func (s *AssemblyAI) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.cfg.APIKey == "" {
		return fmt.Errorf("assemblyai api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	headers := map[string][]string{"Authorization": {s.cfg.APIKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("capture: connection failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now()

	go s.handleMessages()
	go s.sendAudioData()

	log.Println("capture: connected to AssemblyAI streaming service")
	return nil
}

// SendPCM16KLE tracks voice activity on every chunk and queues audio for the
// current attempt. Voice tracking stays on with no attempt armed: barge-in
// detection needs it while the assistant is speaking. Audio itself is dropped
// unless an attempt is active.
func (s *AssemblyAI) SendPCM16KLE(pcm []byte) error {
	s.detectVoiceActivity(pcm)
	s.attemptMu.Lock()
	active := s.active
	s.attemptMu.Unlock()
	if !active {
		return nil
	}
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("not connected to AssemblyAI")
	}
	select {
	case s.audioData <- pcm:
	default:
		log.Println("capture: audio buffer full, dropping packet")
	}
	return nil
}

// detectVoiceActivity updates lastVoiceTime if the PCM buffer contains voice
// energy above a threshold. Expects 16-bit little-endian PCM mono at 16kHz.
func (s *AssemblyAI) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether non-silent voice energy was observed
// within the given window.
func (s *AssemblyAI) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoiceTime
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close tears the connection down for good.
func (s *AssemblyAI) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.conn != nil {
		terminateMsg := map[string]string{"type": "Terminate"}
		_ = s.conn.WriteJSON(terminateMsg)
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	log.Println("capture: AssemblyAI connection closed")
	return nil
}

func (s *AssemblyAI) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("capture: recovered from panic in handleMessages: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Printf("capture: error reading message: %v", err)
				s.failAttempt(fmt.Errorf("transcription stream closed: %w", err))
				return
			}
			s.processMessage(message)
		}
	}
}

func (s *AssemblyAI) processMessage(message []byte) {
	var baseMsg map[string]interface{}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		log.Printf("capture: error unmarshaling message: %v", err)
		return
	}
	msgType, ok := baseMsg["type"].(string)
	if !ok {
		log.Printf("capture: message missing type field")
		return
	}
	switch msgType {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		expires := time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339)
		log.Printf("capture: session began: ID=%s, ExpiresAt=%s", msg.ID, expires)
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		s.accMu.Lock()
		s.latestFullTranscript = msg.Transcript
		s.lastUpdateTime = time.Now()
		// Finalization fires only after sustained inactivity.
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("capture: session terminated: AudioDuration=%.2fs, SessionDuration=%.2fs", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("capture: AssemblyAI error: %s", msg.Error)
		s.failAttempt(fmt.Errorf("assemblyai: %s", msg.Error))
	default:
		log.Printf("capture: unknown message type: %s", msgType)
	}
}

// finalizeDueToSilence is invoked after silenceThreshold of inactivity. It
// delivers only the delta since the last committed transcript.
func (s *AssemblyAI) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := silenceThreshold
	if isContinuationLikely(s.latestFullTranscript) {
		threshold += continuationExtension
	}
	sinceText := now.Sub(s.lastUpdateTime)
	sinceVoice := now.Sub(s.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		// Not enough inactivity; reschedule for the remaining window.
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		s.rearmSilenceTimer(wait)
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdateTime
	s.accMu.Unlock()

	// Grace period to catch late transcript updates.
	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	if s.lastUpdateTime.After(lastUpdateAt) {
		// A late update arrived during grace; push the timer forward.
		s.rearmSilenceTimer(silenceThreshold)
		s.accMu.Unlock()
		return
	}
	latest := s.latestFullTranscript
	base := s.committedFullTranscript
	delta := transcriptDelta(latest, base)
	s.committedFullTranscript = latest
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	s.deliverTranscript(delta)
}

// rearmSilenceTimer reschedules finalization. Caller holds accMu.
func (s *AssemblyAI) rearmSilenceTimer(wait time.Duration) {
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
	} else {
		_ = s.silenceTimer.Stop()
		s.silenceTimer.Reset(wait)
	}
}

// transcriptDelta extracts the new text since the committed base.
func transcriptDelta(latest, base string) string {
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	return delta
}

// deliverTranscript completes the current attempt with a finalized
// utterance.
func (s *AssemblyAI) deliverTranscript(text string) {
	s.attemptMu.Lock()
	if !s.active {
		s.attemptMu.Unlock()
		return
	}
	s.active = false
	if s.noSpeechTimer != nil {
		s.noSpeechTimer.Stop()
		s.noSpeechTimer = nil
	}
	fn := s.ev.OnTranscript
	s.attemptMu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// noSpeechDeadline fires when an attempt has produced neither transcript nor
// voice activity in time. Activity pushes the deadline forward instead of
// ending the attempt, leaving finalization to the silence timer.
func (s *AssemblyAI) noSpeechDeadline() {
	s.attemptMu.Lock()
	if !s.active {
		s.attemptMu.Unlock()
		return
	}
	s.accMu.Lock()
	pending := transcriptDelta(s.latestFullTranscript, s.committedFullTranscript) != ""
	recentVoice := time.Since(s.lastVoiceTime) < s.cfg.NoSpeechTimeout
	s.accMu.Unlock()
	if pending || recentVoice {
		s.noSpeechTimer = time.AfterFunc(s.cfg.NoSpeechTimeout, s.noSpeechDeadline)
		s.attemptMu.Unlock()
		return
	}
	s.active = false
	s.noSpeechTimer = nil
	fn := s.ev.OnNoSpeech
	s.attemptMu.Unlock()
	if fn != nil {
		fn()
	}
}

// failAttempt surfaces a stream failure to the current attempt, if any.
func (s *AssemblyAI) failAttempt(err error) {
	s.attemptMu.Lock()
	if !s.active {
		s.attemptMu.Unlock()
		return
	}
	s.active = false
	if s.noSpeechTimer != nil {
		s.noSpeechTimer.Stop()
		s.noSpeechTimer = nil
	}
	fn := s.ev.OnError
	s.attemptMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// sendAudioData pushes queued audio to the stream.
func (s *AssemblyAI) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("capture: recovered from panic in sendAudioData: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case audioData, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, audioData); err != nil {
					log.Printf("capture: error sending audio data: %v", err)
					return
				}
			}
		}
	}
}

// isContinuationLikely returns true if the last meaningful word indicates
// the speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that are awkward sentence endings; await continuation
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
