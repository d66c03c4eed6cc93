package tts

import (
	"context"
	"log"
	"strings"
	"sync"
)

// Streamer synthesizes text into 48kHz linear16 PCM chunks.
type Streamer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink receives synthesized audio, typically the WebRTC outbound track.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}

// Speaker plays assistant replies through a Streamer into a sink. Replies are
// split into sentence chunks so an interrupt lands at a natural boundary and
// queued audio can be dropped instantly.
type Speaker struct {
	tts  Streamer
	sink PCM48kSink

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSpeaker(tts Streamer, sink PCM48kSink) *Speaker {
	if sink == nil {
		sink = nopSink{}
	}
	return &Speaker{tts: tts, sink: sink}
}

// Speak synthesizes and plays text asynchronously. Exactly one of onComplete
// or onError fires unless the playback is stopped first.
func (s *Speaker) Speak(text string, onComplete func(), onError func(err error)) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, cancel, text, onComplete, onError)
}

// Stop cancels the in-flight playback and drops queued audio so the cutoff
// is immediate. No completion callback fires for a stopped playback.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}

func (s *Speaker) run(ctx context.Context, cancel context.CancelFunc, text string, onComplete func(), onError func(err error)) {
	defer s.clear(ctx, cancel)

	var streamErr error
	for _, chunk := range chunkReply(text) {
		if ctx.Err() != nil {
			return
		}
		if err := s.streamChunk(ctx, chunk); err != nil {
			streamErr = err
			break
		}
	}
	if ctx.Err() != nil {
		return
	}
	if streamErr != nil {
		if onError != nil {
			onError(streamErr)
		}
		return
	}
	s.sink.FlushTail()
	if onComplete != nil {
		onComplete()
	}
}

// streamChunk plays one sentence chunk, draining both channels to completion.
func (s *Speaker) streamChunk(ctx context.Context, chunk string) error {
	pcmCh, errCh := s.tts.StreamPCM48k(ctx, chunk)
	var firstErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 && ctx.Err() == nil {
				s.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if e != nil && firstErr == nil {
				firstErr = e
				log.Printf("tts: stream error: %v", e)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

// clear releases the cancel func, unless a newer Speak already replaced it.
func (s *Speaker) clear(ctx context.Context, cancel context.CancelFunc) {
	s.mu.Lock()
	if s.ctx == ctx {
		s.ctx = nil
		s.cancel = nil
	}
	s.mu.Unlock()
	cancel()
}

// chunkReply splits a reply into sentence-like chunks, retaining terminal
// punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
