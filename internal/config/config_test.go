package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("ICE_SERVERS_JSON", "")
	os.Setenv("LLM_MODEL_ID", "")
	os.Setenv("WAKE_PHRASE", "")
	os.Setenv("DEBOUNCE_WINDOW_MS", "")
	os.Setenv("GENERATE_TIMEOUT_MS", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.LLMModelID == "" {
		t.Fatalf("expected default llm model id")
	}
	if cfg.WakePhrase == "" {
		t.Fatalf("expected default wake phrase")
	}
	if cfg.DebounceWindow != 1500*time.Millisecond {
		t.Fatalf("expected default debounce window, got %v", cfg.DebounceWindow)
	}
	if cfg.MaxNoSpeechRetries != 2 {
		t.Fatalf("expected default retry bound, got %d", cfg.MaxNoSpeechRetries)
	}
	if cfg.GenerateTimeout != 20*time.Second {
		t.Fatalf("expected default generate timeout, got %v", cfg.GenerateTimeout)
	}
}

func TestLoad_TunablesFromEnv(t *testing.T) {
	os.Setenv("DEBOUNCE_WINDOW_MS", "3000")
	os.Setenv("MAX_NO_SPEECH_RETRIES", "4")
	os.Setenv("GENERATE_TIMEOUT_MS", "5000")
	os.Setenv("CONTINUOUS_MODE", "true")
	defer func() {
		os.Setenv("DEBOUNCE_WINDOW_MS", "")
		os.Setenv("MAX_NO_SPEECH_RETRIES", "")
		os.Setenv("GENERATE_TIMEOUT_MS", "")
		os.Setenv("CONTINUOUS_MODE", "")
	}()
	cfg := Load()
	if cfg.DebounceWindow != 3*time.Second {
		t.Fatalf("expected 3s debounce, got %v", cfg.DebounceWindow)
	}
	if cfg.GenerateTimeout != 5*time.Second {
		t.Fatalf("expected 5s generate timeout, got %v", cfg.GenerateTimeout)
	}
	if cfg.MaxNoSpeechRetries != 4 {
		t.Fatalf("expected 4 retries, got %d", cfg.MaxNoSpeechRetries)
	}
	if !cfg.ContinuousMode {
		t.Fatalf("expected continuous mode enabled")
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	os.Setenv("DEBOUNCE_WINDOW_MS", "not-a-number")
	os.Setenv("MAX_NO_SPEECH_RETRIES", "-2")
	defer func() {
		os.Setenv("DEBOUNCE_WINDOW_MS", "")
		os.Setenv("MAX_NO_SPEECH_RETRIES", "")
	}()
	cfg := Load()
	if cfg.DebounceWindow != 1500*time.Millisecond {
		t.Fatalf("expected fallback debounce, got %v", cfg.DebounceWindow)
	}
	if cfg.MaxNoSpeechRetries != 2 {
		t.Fatalf("expected fallback retry bound, got %d", cfg.MaxNoSpeechRetries)
	}
}
