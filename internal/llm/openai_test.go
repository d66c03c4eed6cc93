package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chadiek/jarvis/internal/session"
)

func TestOpenAI_NoKey(t *testing.T) {
	c := NewOpenAIClient("https://api.openai.com/v1", "", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, "hi", nil); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestOpenAI_ReplaysHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatCompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// system + two history turns + the new utterance
		if len(req.Messages) != 4 {
			t.Errorf("expected 4 messages, got %d", len(req.Messages))
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("first message should be system, got %s", req.Messages[0].Role)
		}
		if req.Messages[1].Role != "user" || req.Messages[1].Content != "what time is it" {
			t.Errorf("history user turn not replayed: %+v", req.Messages[1])
		}
		if req.Messages[2].Role != "assistant" {
			t.Errorf("history assistant turn not replayed: %+v", req.Messages[2])
		}
		if req.Messages[3].Content != "and tomorrow?" {
			t.Errorf("latest utterance missing: %+v", req.Messages[3])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Tomorrow is Wednesday. "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "key", "model")
	history := []session.Turn{
		{Role: session.RoleUser, Text: "what time is it"},
		{Role: session.RoleAssistant, Text: "It is noon."},
	}
	reply, err := c.Generate(context.Background(), "and tomorrow?", history)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "Tomorrow is Wednesday." {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestOpenAI_DoesNotDuplicateLatestUserTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// system + the single user turn already present in history
		if len(req.Messages) != 2 {
			t.Errorf("expected 2 messages, got %d: %+v", len(req.Messages), req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "key", "model")
	history := []session.Turn{{Role: session.RoleUser, Text: "hello"}}
	if _, err := c.Generate(context.Background(), "hello", history); err != nil {
		t.Fatalf("generate: %v", err)
	}
}

func TestOpenAI_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewOpenAIClient(srv.URL, "key", "model")
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Generate(ctx, "hi", nil); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

type stubGenerator struct {
	reply string
	err   error
	calls int
}

func (s *stubGenerator) Generate(ctx context.Context, text string, history []session.Turn) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestFallback_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := &stubGenerator{reply: "primary"}
	backup := &stubGenerator{reply: "backup"}
	f := WithFallback(primary, backup)
	reply, err := f.Generate(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "primary" || backup.calls != 0 {
		t.Fatalf("expected primary reply without touching backup; got %q, backup calls %d", reply, backup.calls)
	}
}

func TestFallback_FailsOverOnErrorAndEmpty(t *testing.T) {
	cases := []struct {
		name    string
		primary *stubGenerator
	}{
		{"error", &stubGenerator{err: fmt.Errorf("down")}},
		{"empty_reply", &stubGenerator{reply: ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backup := &stubGenerator{reply: "backup"}
			f := WithFallback(tc.primary, backup)
			reply, err := f.Generate(context.Background(), "hi", nil)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if reply != "backup" {
				t.Fatalf("expected backup reply, got %q", reply)
			}
		})
	}
}

func TestFallback_AllFail(t *testing.T) {
	f := WithFallback(&stubGenerator{err: fmt.Errorf("a")}, &stubGenerator{err: fmt.Errorf("b")})
	if _, err := f.Generate(context.Background(), "hi", nil); err == nil {
		t.Fatalf("expected error when all generators fail")
	}
}

func TestFallback_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backup := &stubGenerator{reply: "backup"}
	f := WithFallback(backup)
	if _, err := f.Generate(ctx, "hi", nil); err == nil {
		t.Fatalf("expected context error")
	}
	if backup.calls != 0 {
		t.Fatalf("generator called after cancellation")
	}
}
