package rtc

import "sync/atomic"

// SwitchSink is a PCM sink that forwards to whichever paced writer is
// currently attached. The speaker is built once at startup while the writer
// only exists while a peer is connected, so audio written with no peer is
// dropped silently.
type SwitchSink struct {
	cur atomic.Pointer[OpusPacedWriter]
}

func NewSwitchSink() *SwitchSink { return &SwitchSink{} }

// Attach routes subsequent audio to w.
func (s *SwitchSink) Attach(w *OpusPacedWriter) { s.cur.Store(w) }

// Detach clears the route if w is still the active writer.
func (s *SwitchSink) Detach(w *OpusPacedWriter) { s.cur.CompareAndSwap(w, nil) }

func (s *SwitchSink) WritePCM(pcm []byte) {
	if w := s.cur.Load(); w != nil {
		w.WritePCM(pcm)
	}
}

func (s *SwitchSink) FlushTail() {
	if w := s.cur.Load(); w != nil {
		w.FlushTail()
	}
}

func (s *SwitchSink) Reset() {
	if w := s.cur.Load(); w != nil {
		w.Reset()
	}
}
