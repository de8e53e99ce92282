package prompt

import (
	"strings"
	"testing"
	"time"

	"ChatRelay/internal/session"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(role session.Role, content string, minute int) session.Message {
	return session.Message{Role: role, Content: content, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

func TestBuildOrdersHistory(t *testing.T) {
	history := []session.Message{
		msg(session.RoleAssistant, "Hi, how can I help?", 1),
		msg(session.RoleUser, "Hello", 0),
	}
	got := Builder{Window: 10}.Build(history, "What is Go?")
	want := "User: Hello\n\nAssistant: Hi, how can I help?\n\nUser: What is Go?\n\n" + Instruction
	if got != want {
		t.Fatalf("unexpected prompt:\n%s\nwant:\n%s", got, want)
	}
	// input untouched
	if history[0].Role != session.RoleAssistant {
		t.Fatalf("Build must not reorder the caller's slice")
	}
}

func TestBuildWindow(t *testing.T) {
	var history []session.Message
	for i := 0; i < 6; i++ {
		history = append(history, msg(session.RoleUser, "question "+string(rune('a'+i)), i))
	}
	got := Builder{Window: 2}.Build(history, "next")
	if strings.Contains(got, "question d") {
		t.Fatalf("messages outside the window leaked: %s", got)
	}
	if !strings.Contains(got, "question e") || !strings.Contains(got, "question f") {
		t.Fatalf("last two messages missing: %s", got)
	}
}

func TestBuildDropsCurrentMessage(t *testing.T) {
	history := []session.Message{
		msg(session.RoleUser, "Hello", 0),
		msg(session.RoleAssistant, "Hello", 1),
		// persisted too early upstream
		msg(session.RoleUser, " Tell me a joke ", 2),
	}
	got := NewBuilder(10).Build(history, "Tell me a joke")
	if n := strings.Count(got, "Tell me a joke"); n != 1 {
		t.Fatalf("current message should appear once, got %d:\n%s", n, got)
	}
	// assistant text equal to the message is kept
	if !strings.Contains(got, "Assistant: Hello") {
		t.Fatalf("assistant entry dropped: %s", got)
	}
}

func TestBuildDeterministic(t *testing.T) {
	history := []session.Message{
		msg(session.RoleUser, "a", 0),
		msg(session.RoleAssistant, "b", 0),
		msg(session.RoleUser, "c", 1),
	}
	b := NewBuilder(0)
	first := b.Build(history, "d")
	for i := 0; i < 5; i++ {
		if again := b.Build(history, "d"); again != first {
			t.Fatalf("non deterministic output")
		}
	}
	// equal timestamps keep their stored order
	if strings.Index(first, "User: a") > strings.Index(first, "Assistant: b") {
		t.Fatalf("stable ordering lost: %s", first)
	}
}
