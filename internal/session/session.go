package session

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const AttachmentImage = "image"

// Attachment is a non-text artifact linked to an assistant message
type Attachment struct {
	Type           string         `json:"type"`
	URL            string         `json:"url"`
	Filename       string         `json:"filename"`
	OriginalPrompt string         `json:"originalPrompt,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Metadata describes how a message was produced
type Metadata struct {
	Model            string `json:"model,omitempty"`
	Endpoint         string `json:"endpoint,omitempty"`
	TokenCount       int    `json:"tokenCount,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
	UsedHistory      bool   `json:"usedHistory,omitempty"`
	Error            bool   `json:"error,omitempty"`
	OriginalError    string `json:"originalError,omitempty"`
	ImageGeneration  *bool  `json:"imageGeneration,omitempty"`
}

// Message represents a single chat message
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Metadata    Metadata     `json:"metadata"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Session represents a conversation thread
type Session struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// OwnedBy reports whether ownerID may operate on the session
func (s *Session) OwnedBy(ownerID string) bool {
	return s != nil && s.OwnerID == ownerID
}

// TitleFrom derives a session title from the first words of a message
func TitleFrom(content string, words int) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "New conversation"
	}
	if len(fields) > words {
		return strings.Join(fields[:words], " ") + "..."
	}
	return strings.Join(fields, " ")
}
