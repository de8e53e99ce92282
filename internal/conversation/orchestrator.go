package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"ChatRelay/internal/config"
	"ChatRelay/internal/imagegen"
	"ChatRelay/internal/postprocess"
	"ChatRelay/internal/prompt"
	"ChatRelay/internal/provider"
	"ChatRelay/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "ChatRelay/internal/conversation"
	titleWords          = 5
	FallbackModel       = "fallback"
)

var (
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNoImage means a message carries no image that could be regenerated
	ErrNoImage = errors.New("message has no image to regenerate")
)

// FallbackReplies stand in for the assistant when the provider is unavailable
var FallbackReplies = []string{
	"I'm having trouble reaching my language model right now. Please try again in a moment.",
	"Sorry, I couldn't come up with a response just now. Could you send that again shortly?",
	"My reply engine is temporarily unavailable. Please try your message again in a little while.",
}

// Store is the persistence the orchestrator needs
type Store interface {
	CreateSession(ctx context.Context, ownerID, title string) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]session.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CreateMessage(ctx context.Context, msg *session.Message) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]session.Message, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]session.Message, error)
	SetSessionStatus(ctx context.Context, id string, status session.Status) error
	GetMessage(ctx context.Context, id string) (*session.Message, error)
	AppendAttachments(ctx context.Context, messageID string, attachments ...session.Attachment) error
}

// Provider produces text replies
type Provider interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// ImageRouter handles image requests
type ImageRouter interface {
	Classify(message string) bool
	Handle(ctx context.Context, message string, req imagegen.Request) imagegen.Reply
}

// Options are the caller's per-turn generation settings
type Options struct {
	Model    string
	Stream   bool
	Sampling provider.Sampling
	Timeout  time.Duration
	BaseURL  string
}

// Turn is one inbound user message. An empty SessionID starts a new session.
type Turn struct {
	SessionID string
	OwnerID   string
	Content   string
	Options   Options
	OnToken   provider.TokenFunc
}

// Exchange is the outcome of a turn
type Exchange struct {
	Session          session.Session
	UserMessage      session.Message
	AssistantMessage session.Message
}

// Deps are the orchestrator's collaborators. Images may be nil to disable
// the image branch.
type Deps struct {
	Store    Store
	Provider Provider
	Images   ImageRouter
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Orchestrator runs conversation turns
type Orchestrator struct {
	store        Store
	provider     Provider
	images       ImageRouter
	builder      prompt.Builder
	systemPrompt string
	historyLimit int
	logger       *slog.Logger
	tracer       trace.Tracer
	pick         func(n int) int
}

// NewOrchestrator wires an Orchestrator
func NewOrchestrator(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("store required")
	}
	if deps.Provider == nil {
		return nil, errors.New("provider required")
	}
	o := &Orchestrator{
		store:        deps.Store,
		provider:     deps.Provider,
		images:       deps.Images,
		builder:      prompt.NewBuilder(cfg.Context.Window),
		systemPrompt: cfg.Provider.SystemPrompt,
		historyLimit: cfg.Context.HistoryLimit,
		logger:       deps.Logger,
		tracer:       deps.Tracer,
		pick:         rand.Intn,
	}
	if o.historyLimit < o.builder.Window {
		o.historyLimit = o.builder.Window
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	return o, nil
}

// Handle runs one turn. It fails only when the session cannot be resolved,
// the caller does not own it, or persistence fails; provider and image
// backend failures become assistant replies. Content that is empty after
// trimming is rejected with ErrEmptyMessage before any session is created
// or message stored.
func (o *Orchestrator) Handle(ctx context.Context, turn Turn) (*Exchange, error) {
	ctx, span := o.tracer.Start(ctx, "conversation.handle")
	defer span.End()

	content := strings.TrimSpace(turn.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	sess, err := o.resolveSession(ctx, turn.SessionID, turn.OwnerID, content)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	// history must be read before the new message is stored
	history, err := o.store.RecentMessages(ctx, sess.ID, o.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	userMsg := session.Message{
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Content:   content,
	}
	if err := o.store.CreateMessage(ctx, &userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	var assistant session.Message
	if o.images != nil && o.images.Classify(content) {
		span.SetAttributes(attribute.Bool("image", true))
		reply := o.images.Handle(ctx, content, imagegen.Request{
			Model:   turn.Options.Model,
			Timeout: turn.Options.Timeout,
			BaseURL: turn.Options.BaseURL,
		})
		assistant = session.Message{
			Content:     reply.Content,
			Attachments: reply.Attachments,
			Metadata:    reply.Metadata,
		}
		if turn.OnToken != nil {
			turn.OnToken(reply.Content, reply.Content)
		}
	} else {
		assistant = o.reply(ctx, turn, o.builder.Build(history, content))
		assistant.Metadata.UsedHistory = len(history) > 0
	}

	assistant.SessionID = sess.ID
	assistant.Role = session.RoleAssistant
	if err := o.store.CreateMessage(ctx, &assistant); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}

	now := time.Now().UTC()
	if err := o.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update session activity: %w", err)
	}
	sess.LastActivityAt = now

	o.logger.Info("turn completed",
		"session_id", sess.ID,
		"history", len(history),
		"model", assistant.Metadata.Model,
		"error", assistant.Metadata.Error,
		"attachments", len(assistant.Attachments),
	)
	return &Exchange{
		Session:          *sess,
		UserMessage:      userMsg,
		AssistantMessage: assistant,
	}, nil
}

// reply asks the provider for a text answer. Failures are replaced by a
// canned reply, or by the tokens already streamed when there are some.
func (o *Orchestrator) reply(ctx context.Context, turn Turn, promptText string) session.Message {
	resp, err := o.provider.Complete(ctx, provider.Request{
		Model: turn.Options.Model,
		Turns: []provider.Turn{
			{Role: session.RoleSystem, Content: o.systemPrompt},
			{Role: session.RoleUser, Content: promptText},
		},
		Sampling: turn.Options.Sampling,
		Stream:   turn.Options.Stream,
		OnToken:  turn.OnToken,
		Timeout:  turn.Options.Timeout,
		BaseURL:  turn.Options.BaseURL,
	})
	if err != nil {
		o.logger.Warn("provider failed, substituting reply", "error", err)
		if partial := postprocess.Clean(provider.PartialContent(err)); partial != "" {
			return session.Message{
				Content:  partial,
				Metadata: session.Metadata{Model: turn.Options.Model, Error: true, OriginalError: err.Error()},
			}
		}
		return session.Message{
			Content:  FallbackReplies[o.pick(len(FallbackReplies))],
			Metadata: session.Metadata{Model: FallbackModel, Error: true, OriginalError: err.Error()},
		}
	}

	return session.Message{
		Content: postprocess.Clean(resp.Content),
		Metadata: session.Metadata{
			Model:            resp.Model,
			Endpoint:         string(resp.Endpoint),
			TokenCount:       resp.TokenCount,
			ProcessingTimeMs: resp.ProcessingTime.Milliseconds(),
		},
	}
}

func (o *Orchestrator) resolveSession(ctx context.Context, sessionID, ownerID, content string) (*session.Session, error) {
	if ownerID == "" {
		return nil, session.ErrAccessDenied
	}
	if sessionID == "" {
		sess, err := o.store.CreateSession(ctx, ownerID, session.TitleFrom(content, titleWords))
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		o.logger.Info("created new session", "session_id", sess.ID, "owner_id", ownerID)
		return sess, nil
	}
	return o.ownedSession(ctx, sessionID, ownerID)
}

func (o *Orchestrator) ownedSession(ctx context.Context, sessionID, ownerID string) (*session.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.OwnedBy(ownerID) {
		o.logger.Warn("session access denied", "session_id", sessionID, "owner_id", ownerID)
		return nil, session.ErrAccessDenied
	}
	if sess.Status == session.StatusDeleted {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// StartSession creates an empty session for ownerID
func (o *Orchestrator) StartSession(ctx context.Context, ownerID, title string) (*session.Session, error) {
	if ownerID == "" {
		return nil, session.ErrAccessDenied
	}
	if strings.TrimSpace(title) == "" {
		title = session.TitleFrom("", titleWords)
	}
	return o.store.CreateSession(ctx, ownerID, title)
}

// History pages through a session's messages oldest first
func (o *Orchestrator) History(ctx context.Context, sessionID, ownerID string, limit, offset int) ([]session.Message, error) {
	if _, err := o.ownedSession(ctx, sessionID, ownerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = o.historyLimit
	}
	return o.store.ListMessages(ctx, sessionID, limit, offset)
}

// Sessions lists the owner's sessions, most recent first
func (o *Orchestrator) Sessions(ctx context.Context, ownerID string) ([]session.Session, error) {
	if ownerID == "" {
		return nil, session.ErrAccessDenied
	}
	return o.store.ListSessions(ctx, ownerID)
}

// ArchiveSession marks an owned session archived. Archived sessions keep
// accepting turns.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID, ownerID string) error {
	return o.setStatus(ctx, sessionID, ownerID, session.StatusArchived)
}

// DeleteSession soft-deletes an owned session. It disappears from listings
// and further turns report ErrSessionNotFound.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID, ownerID string) error {
	return o.setStatus(ctx, sessionID, ownerID, session.StatusDeleted)
}

func (o *Orchestrator) setStatus(ctx context.Context, sessionID, ownerID string, status session.Status) error {
	if _, err := o.ownedSession(ctx, sessionID, ownerID); err != nil {
		return err
	}
	if err := o.store.SetSessionStatus(ctx, sessionID, status); err != nil {
		return fmt.Errorf("failed to set session status: %w", err)
	}
	o.logger.Info("session status changed", "session_id", sessionID, "status", status)
	return nil
}

// Regenerate renders the image request behind an assistant message again
// and appends the new image to that message's attachments. A failed
// generation leaves the message unchanged and is returned as an error.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID, ownerID string, opts Options) (*session.Attachment, error) {
	ctx, span := o.tracer.Start(ctx, "conversation.regenerate")
	defer span.End()

	if o.images == nil {
		return nil, ErrNoImage
	}
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if _, err := o.ownedSession(ctx, msg.SessionID, ownerID); err != nil {
		return nil, err
	}

	var original string
	for _, att := range msg.Attachments {
		if att.Type == session.AttachmentImage && att.OriginalPrompt != "" {
			original = att.OriginalPrompt
		}
	}
	if original == "" {
		return nil, ErrNoImage
	}

	reply := o.images.Handle(ctx, original, imagegen.Request{
		Model:   opts.Model,
		Timeout: opts.Timeout,
		BaseURL: opts.BaseURL,
	})
	if !reply.Result.Success || len(reply.Attachments) == 0 {
		err := fmt.Errorf("image generation failed: %s", reply.Result.Error)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := o.store.AppendAttachments(ctx, msg.ID, reply.Attachments...); err != nil {
		return nil, fmt.Errorf("failed to save attachment: %w", err)
	}
	if err := o.store.TouchSession(ctx, msg.SessionID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to update session activity: %w", err)
	}
	o.logger.Info("image regenerated", "message_id", msg.ID, "filename", reply.Attachments[0].Filename)
	return &reply.Attachments[0], nil
}
