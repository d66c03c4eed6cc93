package capture

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/jarvis/internal/session"
)

func newTestCapture(noSpeech time.Duration) *AssemblyAI {
	s := NewAssemblyAI(Config{APIKey: "test", NoSpeechTimeout: noSpeech})
	// Simulate an established connection so attempts can be armed without
	// dialing out.
	s.connected = true
	return s
}

// armAttempt arms an attempt directly, bypassing connect.
func armAttempt(s *AssemblyAI, ev session.CaptureEvents) {
	s.attemptMu.Lock()
	s.ev = ev
	s.active = true
	s.noSpeechTimer = time.AfterFunc(s.cfg.NoSpeechTimeout, s.noSpeechDeadline)
	s.attemptMu.Unlock()
	s.accMu.Lock()
	s.committedFullTranscript = s.latestFullTranscript
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now().Add(-s.cfg.NoSpeechTimeout)
	s.accMu.Unlock()
}

func TestTranscriptDelta(t *testing.T) {
	cases := []struct {
		latest, base, want string
	}{
		{"hello there", "", "hello there"},
		{"hello there how are you", "hello there", "how are you"},
		{"hello there", "hello there", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := transcriptDelta(tc.latest, tc.base); got != tc.want {
			t.Fatalf("transcriptDelta(%q, %q): got %q want %q", tc.latest, tc.base, got, tc.want)
		}
	}
}

func TestDeliverTranscript_EndsAttemptOnce(t *testing.T) {
	s := newTestCapture(time.Second)
	var got atomic.Value
	var calls int32
	armAttempt(s, session.CaptureEvents{
		OnTranscript: func(text string) {
			atomic.AddInt32(&calls, 1)
			got.Store(text)
		},
	})

	s.deliverTranscript("turn on the lights")
	s.deliverTranscript("stale second delivery")

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one transcript event, got %d", calls)
	}
	if got.Load().(string) != "turn on the lights" {
		t.Fatalf("unexpected transcript %q", got.Load())
	}
}

func TestNoSpeechDeadline_FiresWithoutActivity(t *testing.T) {
	s := newTestCapture(30 * time.Millisecond)
	var noSpeech int32
	armAttempt(s, session.CaptureEvents{
		OnNoSpeech: func() { atomic.AddInt32(&noSpeech, 1) },
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&noSpeech) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&noSpeech) != 1 {
		t.Fatalf("expected no-speech event, got %d", noSpeech)
	}
	s.attemptMu.Lock()
	active := s.active
	s.attemptMu.Unlock()
	if active {
		t.Fatalf("attempt should be inactive after no-speech")
	}
}

func TestNoSpeechDeadline_ExtendedByVoice(t *testing.T) {
	s := newTestCapture(40 * time.Millisecond)
	var noSpeech int32
	armAttempt(s, session.CaptureEvents{
		OnNoSpeech: func() { atomic.AddInt32(&noSpeech, 1) },
	})

	// Keep reporting voice activity past the first deadline.
	for i := 0; i < 4; i++ {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	if atomic.LoadInt32(&noSpeech) != 0 {
		t.Fatalf("no-speech fired despite ongoing voice activity")
	}
}

func TestStop_SuppressesEvents(t *testing.T) {
	s := newTestCapture(25 * time.Millisecond)
	var events int32
	armAttempt(s, session.CaptureEvents{
		OnTranscript: func(string) { atomic.AddInt32(&events, 1) },
		OnNoSpeech:   func() { atomic.AddInt32(&events, 1) },
	})
	s.Stop()

	s.deliverTranscript("late transcript")
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&events) != 0 {
		t.Fatalf("expected no events after Stop, got %d", events)
	}
}

func TestFailAttempt_DeliversError(t *testing.T) {
	s := newTestCapture(time.Second)
	errCh := make(chan error, 1)
	armAttempt(s, session.CaptureEvents{
		OnError: func(err error) { errCh <- err },
	})

	s.failAttempt(errTest)
	select {
	case err := <-errCh:
		if err != errTest {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("error event not delivered")
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "stream broke" }

func TestDetectVoiceActivity_UpdatesOnLoudAudio(t *testing.T) {
	s := newTestCapture(time.Second)
	s.accMu.Lock()
	s.lastVoiceTime = time.Time{}
	s.accMu.Unlock()

	s.detectVoiceActivity(sinePCM(220, 100))
	if !s.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("expected voice detected for loud sine")
	}

	s.accMu.Lock()
	s.lastVoiceTime = time.Time{}
	s.accMu.Unlock()
	s.detectVoiceActivity(make([]byte, 3200))
	if s.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("silence should not register as voice")
	}
}

func sinePCM(hz float64, durMs int) []byte {
	n := 16000 * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/16000))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func TestIsContinuationLikely(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"I want to know about", true},
		{"turn on the lights and", true},
		{"what's the weather", false},
		{"", false},
		{"tell me if", true},
		{"that's all thanks", false},
	}
	for _, tc := range cases {
		if got := isContinuationLikely(tc.in); got != tc.want {
			t.Fatalf("isContinuationLikely(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestProcessMessage_TurnAccumulates(t *testing.T) {
	s := newTestCapture(time.Second)
	s.processMessage([]byte(`{"type":"Turn","transcript":"hello world"}`))
	s.accMu.Lock()
	latest := s.latestFullTranscript
	timerSet := s.silenceTimer != nil
	s.accMu.Unlock()
	if latest != "hello world" {
		t.Fatalf("expected transcript accumulated, got %q", latest)
	}
	if !timerSet {
		t.Fatalf("expected silence timer armed")
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
}
