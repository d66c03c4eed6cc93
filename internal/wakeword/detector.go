package wakeword

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	sampleRate      = 16000
	frameSamples    = sampleRate / 50 // 20ms frames
	voiceRMS        = 300.0
	vadSmoothFrames = 4

	// Wake utterances are short: 0.3s to 2s of speech.
	minUtteranceSamples = sampleRate * 3 / 10
	maxUtteranceSamples = sampleRate * 2
	maxSilenceFrames    = 15 // ~300ms of trailing silence ends the utterance

	recognizeTimeout = 4 * time.Second
	maxEditDistance  = 2
)

// Recognizer transcribes a short utterance so it can be matched against the
// wake phrase.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []int16) (string, error)
}

// Detector watches the shared microphone stream for the configured wake
// phrase. Speech is gated by an RMS VAD, accumulated into short utterances
// and handed to the recognizer once trailing silence ends the utterance.
//
// Pause drops incoming frames without tearing down the audio path, so
// capture can take over the same stream with no re-acquisition latency.
type Detector struct {
	phrase     string
	rec        Recognizer
	onDetected func(time.Time)

	mu      sync.Mutex
	running bool
	paused  bool

	speechBuf     []int16
	inSpeech      bool
	silenceFrames int
	vadWin        []bool
	recognizing   bool

	frameRemainder []int16
}

// NewDetector builds a detector for the given phrase. onDetected fires once
// per recognized utterance with the detection timestamp.
func NewDetector(phrase string, rec Recognizer, onDetected func(time.Time)) *Detector {
	return &Detector{
		phrase:     normalizePhrase(phrase),
		rec:        rec,
		onDetected: onDetected,
	}
}

// Start enables detection.
func (d *Detector) Start() error {
	d.mu.Lock()
	d.running = true
	d.paused = false
	d.mu.Unlock()
	return nil
}

// Pause suspends detection; frames are dropped until Resume.
func (d *Detector) Pause() {
	d.mu.Lock()
	d.paused = true
	d.resetLocked()
	d.mu.Unlock()
}

// Resume re-enables detection with fresh window state.
func (d *Detector) Resume() {
	d.mu.Lock()
	d.paused = false
	d.resetLocked()
	d.mu.Unlock()
}

// Close stops the detector permanently.
func (d *Detector) Close() error {
	d.mu.Lock()
	d.running = false
	d.resetLocked()
	d.mu.Unlock()
	return nil
}

func (d *Detector) resetLocked() {
	d.speechBuf = d.speechBuf[:0]
	d.inSpeech = false
	d.silenceFrames = 0
	d.vadWin = d.vadWin[:0]
	d.frameRemainder = d.frameRemainder[:0]
}

// FeedPCM16KLE consumes arbitrary-length 16kHz PCM16LE mono audio and
// segments it into 20ms frames.
func (d *Detector) FeedPCM16KLE(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.paused {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		d.frameRemainder = append(d.frameRemainder, int16(binary.LittleEndian.Uint16(pcm[i:i+2])))
		if len(d.frameRemainder) == frameSamples {
			frame := make([]int16, frameSamples)
			copy(frame, d.frameRemainder)
			d.frameRemainder = d.frameRemainder[:0]
			d.onFrame(frame)
		}
	}
}

// onFrame runs per 20ms frame. Caller holds d.mu.
func (d *Detector) onFrame(frame []int16) {
	speech := d.isSpeech(frame)

	if speech {
		if !d.inSpeech {
			d.inSpeech = true
			d.speechBuf = d.speechBuf[:0]
		}
		d.speechBuf = append(d.speechBuf, frame...)
		d.silenceFrames = 0
		// Too long for a wake phrase; discard and rearm.
		if len(d.speechBuf) > maxUtteranceSamples {
			d.inSpeech = false
			d.speechBuf = d.speechBuf[:0]
		}
		return
	}
	if !d.inSpeech {
		return
	}
	d.speechBuf = append(d.speechBuf, frame...)
	d.silenceFrames++
	if d.silenceFrames < maxSilenceFrames {
		return
	}
	utterance := d.speechBuf
	d.inSpeech = false
	d.speechBuf = nil
	d.silenceFrames = 0
	if len(utterance) < minUtteranceSamples || d.recognizing {
		return
	}
	d.recognizing = true
	go d.recognize(utterance)
}

// recognize transcribes the utterance off the audio path and fires the
// detection callback on a phrase match.
func (d *Detector) recognize(utterance []int16) {
	defer func() {
		d.mu.Lock()
		d.recognizing = false
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), recognizeTimeout)
	defer cancel()
	text, err := d.rec.Recognize(ctx, utterance)
	if err != nil {
		log.Printf("wakeword: recognize error: %v", err)
		return
	}
	if !d.matches(text) {
		return
	}
	ts := time.Now()

	d.mu.Lock()
	fire := d.running && !d.paused
	d.mu.Unlock()
	if fire && d.onDetected != nil {
		d.onDetected(ts)
	}
}

// isSpeech applies an RMS threshold with a short majority-vote smoothing
// window. Caller holds d.mu.
func (d *Detector) isSpeech(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	b := rms >= voiceRMS
	d.vadWin = append(d.vadWin, b)
	if len(d.vadWin) > vadSmoothFrames {
		d.vadWin = d.vadWin[len(d.vadWin)-vadSmoothFrames:]
	}
	trueCount := 0
	for _, x := range d.vadWin {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(d.vadWin)
}

// matches checks the transcribed text against the wake phrase: exact match,
// phrase-prefix match (the user kept talking), or a small edit distance to
// tolerate misheard variants.
func (d *Detector) matches(text string) bool {
	text = normalizePhrase(text)
	if text == "" {
		return false
	}
	if text == d.phrase || strings.HasPrefix(text, d.phrase+" ") {
		return true
	}
	return levenshtein(text, d.phrase) <= maxEditDistance
}

// normalizePhrase lowercases, strips punctuation and collapses whitespace.
func normalizePhrase(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	var cleaned strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			cleaned.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(cleaned.String()), " ")
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr := make([]int, lb+1)
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min(del, min(ins, sub))
		}
		prev = curr
	}
	return prev[lb]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
