package session

import "testing"

func TestHistory_AppendOnlyAndSnapshot(t *testing.T) {
	h := NewHistory()
	h.AppendUser("hello")
	h.AppendAssistant("hi there")
	h.AppendUser("what's the weather")

	if h.Len() != 3 {
		t.Fatalf("expected 3 turns, got %d", h.Len())
	}
	snap := h.Snapshot()
	if snap[0].Role != RoleUser || snap[1].Role != RoleAssistant {
		t.Fatalf("unexpected roles: %v %v", snap[0].Role, snap[1].Role)
	}

	// Snapshot is a copy; mutating it must not affect the history.
	snap[0].Text = "tampered"
	if h.Snapshot()[0].Text != "hello" {
		t.Fatalf("snapshot aliasing detected")
	}
}

func TestHistory_ClearOnlyExplicit(t *testing.T) {
	h := NewHistory()
	h.AppendUser("a")
	h.AppendAssistant("b")
	before := h.Len()
	if before != 2 {
		t.Fatalf("expected 2 turns, got %d", before)
	}
	h.Clear()
	if h.Len() != 0 {
		t.Fatalf("expected empty after clear, got %d", h.Len())
	}
	h.AppendUser("c")
	if h.Len() != 1 {
		t.Fatalf("expected append after clear to work, got %d", h.Len())
	}
}
