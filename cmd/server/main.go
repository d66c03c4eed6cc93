package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/jarvis/internal/capture"
	"github.com/chadiek/jarvis/internal/config"
	"github.com/chadiek/jarvis/internal/httpserver"
	"github.com/chadiek/jarvis/internal/llm"
	"github.com/chadiek/jarvis/internal/rtc"
	"github.com/chadiek/jarvis/internal/session"
	"github.com/chadiek/jarvis/internal/store"
	"github.com/chadiek/jarvis/internal/stt"
	"github.com/chadiek/jarvis/internal/tts"
	"github.com/chadiek/jarvis/internal/wakeword"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	// Wake-word detection: VAD-gated utterances transcribed by Whisper.
	recognizer := stt.NewWhisperClient(cfg.LLMBaseURL, cfg.OpenAIKey)
	var ctrl *session.Controller
	detector := wakeword.NewDetector(cfg.WakePhrase, recognizer, func(ts time.Time) {
		if ctrl.OnWakeWord(ts) {
			log.Printf("wake word accepted at %s", ts.Format(time.RFC3339Nano))
		}
	})

	// Command capture over the AssemblyAI streaming API.
	capSvc := capture.NewAssemblyAI(capture.Config{
		APIKey:          cfg.AssemblyAIKey,
		NoSpeechTimeout: cfg.NoSpeechTimeout,
	})

	generator := buildGenerator(cfg)

	// Playback: synthesized replies go to whichever peer is connected.
	sink := rtc.NewSwitchSink()
	speaker := tts.NewSpeaker(buildStreamer(cfg), sink)

	ctrl = session.NewController(session.Config{
		DebounceWindow:     cfg.DebounceWindow,
		MaxNoSpeechRetries: cfg.MaxNoSpeechRetries,
		RetryDelay:         cfg.RetryDelay,
		FinalMessageDelay:  cfg.FinalMessageDelay,
		RecoveryDelay:      cfg.RecoveryDelay,
		GenerateTimeout:    cfg.GenerateTimeout,
		ContinuousMode:     cfg.ContinuousMode,
	}, session.Collaborators{
		Detector:  detector,
		Capture:   capSvc,
		Generator: generator,
		Playback:  speaker,
	})

	if storage, err := store.NewSupabaseStorage(store.Config{
		URL:            cfg.SupabaseURL,
		ServiceRoleKey: cfg.SupabaseKey,
		Bucket:         cfg.SupabaseBucket,
	}); err != nil {
		log.Printf("transcript archiving disabled: %v", err)
	} else {
		archive := store.NewTranscriptArchive(storage)
		ctrl.SetTurnHook(archive.RecordTurn)
	}

	ctrl.Subscribe(func(st session.State) {
		if st.Message != "" {
			log.Printf("session: %s (%s)", st.Phase, st.Message)
		} else {
			log.Printf("session: %s", st.Phase)
		}
	})

	if err := ctrl.Start(); err != nil {
		log.Fatalf("start wake-word detection: %v", err)
	}

	rtcHandler := rtc.NewHandler(rtc.Deps{
		Controller:    ctrl,
		FeedWake:      detector.FeedPCM16KLE,
		FeedCapture:   func(pcm []byte) { _ = capSvc.SendPCM16KLE(pcm) },
		VoiceRecently: capSvc.RecentlyDetectedVoice,
		Sink:          sink,
	}, cfg.ICEServersJSON)

	srv := httpserver.New(ctrl, rtcHandler, cfg.AuthPassword)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- srv.Start(cfg.HTTPAddress)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	ctrl.Shutdown()
	if err := capSvc.Close(); err != nil {
		log.Printf("capture close: %v", err)
	}
}

// buildGenerator assembles the reply generator, chaining a fallback model
// when one is configured.
func buildGenerator(cfg config.Config) session.ResponseGenerator {
	primary := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.OpenAIKey, cfg.LLMModelID)
	if cfg.LLMFallbackModel == "" {
		return primary
	}
	backup := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.OpenAIKey, cfg.LLMFallbackModel)
	return llm.WithFallback(primary, backup)
}

// buildStreamer prefers ElevenLabs when fully configured, otherwise Deepgram.
func buildStreamer(cfg config.Config) tts.Streamer {
	if cfg.ElevenLabsKey != "" && cfg.ElevenLabsVoiceID != "" {
		log.Printf("tts: using ElevenLabs voice %s", cfg.ElevenLabsVoiceID)
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}
	return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramTTSModel)
}
