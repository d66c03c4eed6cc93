package wakeword

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRecognizer struct {
	text  string
	calls int32
}

func (f *fakeRecognizer) Recognize(ctx context.Context, pcm []int16) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.text, nil
}

func pcmSine(hz float64, durMs int) []byte {
	n := sampleRate * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func pcmSilence(durMs int) []byte {
	n := sampleRate * durMs / 1000
	return make([]byte, n*2)
}

func waitDetected(t *testing.T, flag *int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(flag) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("wake word not detected within deadline")
}

func TestDetector_FiresOnPhrase(t *testing.T) {
	rec := &fakeRecognizer{text: "Hey, Jarvis!"}
	var detected int32
	d := NewDetector("hey jarvis", rec, func(time.Time) { atomic.AddInt32(&detected, 1) })
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	d.FeedPCM16KLE(pcmSine(220, 600))
	d.FeedPCM16KLE(pcmSilence(400))
	waitDetected(t, &detected)
}

func TestDetector_IgnoresNonMatchingUtterance(t *testing.T) {
	rec := &fakeRecognizer{text: "turn off the lights"}
	var detected int32
	d := NewDetector("hey jarvis", rec, func(time.Time) { atomic.AddInt32(&detected, 1) })
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	d.FeedPCM16KLE(pcmSine(220, 600))
	d.FeedPCM16KLE(pcmSilence(400))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&rec.calls) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if atomic.LoadInt32(&rec.calls) == 0 {
		t.Fatalf("expected recognizer invoked")
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&detected) != 0 {
		t.Fatalf("unexpected detection for non-matching text")
	}
}

func TestDetector_PausedDropsAudio(t *testing.T) {
	rec := &fakeRecognizer{text: "hey jarvis"}
	var detected int32
	d := NewDetector("hey jarvis", rec, func(time.Time) { atomic.AddInt32(&detected, 1) })
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Pause()

	d.FeedPCM16KLE(pcmSine(220, 600))
	d.FeedPCM16KLE(pcmSilence(400))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&rec.calls) != 0 {
		t.Fatalf("expected no recognition while paused")
	}

	d.Resume()
	d.FeedPCM16KLE(pcmSine(220, 600))
	d.FeedPCM16KLE(pcmSilence(400))
	waitDetected(t, &detected)
}

func TestDetector_TooShortUtteranceSkipped(t *testing.T) {
	rec := &fakeRecognizer{text: "hey jarvis"}
	d := NewDetector("hey jarvis", rec, func(time.Time) {})
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// 100ms of speech is below the minimum utterance length.
	d.FeedPCM16KLE(pcmSine(220, 100))
	d.FeedPCM16KLE(pcmSilence(400))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&rec.calls) != 0 {
		t.Fatalf("expected short utterance skipped")
	}
}

func TestMatches_VariantsAndDistance(t *testing.T) {
	d := NewDetector("hey jarvis", nil, nil)
	cases := []struct {
		in   string
		want bool
	}{
		{"hey jarvis", true},
		{"Hey, Jarvis.", true},
		{"hey jarvis what's the weather", true},
		{"hey jarvus", true},  // one substitution
		{"hey service", false},
		{"completely different", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := d.matches(tc.in); got != tc.want {
			t.Fatalf("matches(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"hey jarvis", "hey jarvus", 1},
	}
	for _, tc := range cases {
		if got := levenshtein(tc.a, tc.b); got != tc.want {
			t.Fatalf("levenshtein(%q,%q): got %d want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
