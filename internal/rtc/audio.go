package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	outSampleRate   = 48000
	outFrameSamples = 960 // 20ms at 48kHz
	frameInterval   = 20 * time.Millisecond
	tailFrames      = 10 // ~200ms of silence after a reply to avoid clipping
)

// sampleWriter is the slice of TrackLocalStaticSample the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz mono PCM into 20ms Opus frames and writes
// them to a WebRTC track at real-time pace. Reset drops everything queued so
// an interrupt cuts audio off immediately.
type OpusPacedWriter struct {
	enc     *opus.Encoder
	track   sampleWriter
	pcmBuf  []int16
	frames  chan []byte
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

func NewOpusPacedWriter(track *webrtc.TrackLocalStaticSample) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(outSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers little-endian 48kHz mono PCM and encodes every complete
// 20ms frame.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= outFrameSamples {
		w.encodeFrame(w.pcmBuf[:outFrameSamples], opusBuf)
		copy(w.pcmBuf, w.pcmBuf[outFrameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-outFrameSamples]
	}
}

// FlushTail zero-pads the final partial frame and appends a short silence
// tail so playback does not clip the last word.
func (w *OpusPacedWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, outFrameSamples)
		copy(pad, w.pcmBuf)
		w.encodeFrame(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	silence := make([]int16, outFrameSamples)
	for i := 0; i < tailFrames; i++ {
		w.mu.Lock()
		w.encodeFrame(silence, opusBuf)
		w.mu.Unlock()
	}
}

// Reset drops buffered PCM and queued frames.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer goroutine.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

// encodeFrame encodes one frame and queues it. Caller holds w.mu.
func (w *OpusPacedWriter) encodeFrame(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, opusBuf[:n])
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		}
	}
}

// pacer emits at most one frame per tick so the track receives audio at
// real-time rate regardless of how fast synthesis produces it.
func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameInterval})
			default:
			}
		}
	}
}
