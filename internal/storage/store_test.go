package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ChatRelay/internal/config"
	"ChatRelay/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(config.DBConfig{Driver: config.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db, config.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := NewStore(db)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.CreateSession(ctx, "alice", "hello there")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Status != session.StatusActive {
		t.Fatalf("new sessions are active, got %s", sess.Status)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.OwnerID != "alice" || got.Title != "hello there" {
		t.Fatalf("unexpected session %+v", got)
	}

	later := sess.LastActivityAt.Add(time.Hour)
	if err := store.TouchSession(ctx, sess.ID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = store.GetSession(ctx, sess.ID)
	if !got.LastActivityAt.Equal(later) {
		t.Fatalf("last activity = %s, want %s", got.LastActivityAt, later)
	}

	if err := store.SetSessionStatus(ctx, sess.ID, session.StatusDeleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err = store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("soft-deleted session must still load: %v", err)
	}
	if got.Status != session.StatusDeleted {
		t.Fatalf("unexpected status %s", got.Status)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := store.TouchSession(ctx, "missing", later); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on touch, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, _ := store.CreateSession(ctx, "alice", "first")
	second, _ := store.CreateSession(ctx, "alice", "second")
	gone, _ := store.CreateSession(ctx, "alice", "gone")
	if _, err := store.CreateSession(ctx, "bob", "not yours"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.TouchSession(ctx, first.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := store.SetSessionStatus(ctx, gone.ID, session.StatusDeleted); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sessions, err := store.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != first.ID || sessions[1].ID != second.ID {
		t.Fatalf("expected most recent activity first, got %s then %s", sessions[0].Title, sessions[1].Title)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess, _ := store.CreateSession(ctx, "alice", "t")

	imageGen := true
	msg := &session.Message{
		SessionID: sess.ID,
		Role:      session.RoleAssistant,
		Content:   "Here is your cat.",
		Attachments: []session.Attachment{{
			Type:           session.AttachmentImage,
			URL:            "/generated/cat.png",
			Filename:       "cat.png",
			OriginalPrompt: "a cat",
		}},
		Metadata: session.Metadata{Model: "llama3:latest", TokenCount: 12, ImageGeneration: &imageGen},
	}
	if err := store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("id and timestamp should be assigned")
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != msg.Content || got.Role != msg.Role {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "/generated/cat.png" {
		t.Fatalf("attachments lost: %+v", got.Attachments)
	}
	if got.Metadata.TokenCount != 12 || got.Metadata.ImageGeneration == nil || !*got.Metadata.ImageGeneration {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestRecentAndListMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess, _ := store.CreateSession(ctx, "alice", "t")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		m := &session.Message{SessionID: sess.ID, Role: role, Content: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.CreateMessage(ctx, m); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	recent, err := store.RecentMessages(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Content != "m2" || recent[2].Content != "m4" {
		t.Fatalf("expected m2..m4 oldest first, got %+v", recent)
	}

	page, err := store.ListMessages(ctx, sess.ID, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m1" || page[1].Content != "m2" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page[0].Attachments != nil {
		t.Fatalf("messages without attachments should have none")
	}
}

func TestAppendAttachments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess, _ := store.CreateSession(ctx, "alice", "t")

	msg := &session.Message{SessionID: sess.ID, Role: session.RoleAssistant, Content: "images",
		Attachments: []session.Attachment{{Type: session.AttachmentImage, Filename: "a.png"}}}
	if err := store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.AppendAttachments(ctx, msg.ID, session.Attachment{Type: session.AttachmentImage, Filename: "b.png"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, _ := store.GetMessage(ctx, msg.ID)
	if len(got.Attachments) != 2 || got.Attachments[0].Filename != "a.png" || got.Attachments[1].Filename != "b.png" {
		t.Fatalf("expected appended attachments, got %+v", got.Attachments)
	}
}
