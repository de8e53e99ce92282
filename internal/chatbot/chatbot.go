package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/cache"
	"ChatRelay/internal/config"
	"ChatRelay/internal/conversation"
	"ChatRelay/internal/imagegen"
	"ChatRelay/internal/provider"
	"ChatRelay/internal/session"
	"ChatRelay/internal/storage"
	"ChatRelay/internal/telemetry"
)

// Conversation is the orchestrator surface the shell drives
type Conversation interface {
	Handle(ctx context.Context, turn conversation.Turn) (*conversation.Exchange, error)
	StartSession(ctx context.Context, ownerID, title string) (*session.Session, error)
	History(ctx context.Context, sessionID, ownerID string, limit, offset int) ([]session.Message, error)
	Sessions(ctx context.Context, ownerID string) ([]session.Session, error)
	ArchiveSession(ctx context.Context, sessionID, ownerID string) error
	DeleteSession(ctx context.Context, sessionID, ownerID string) error
	Regenerate(ctx context.Context, messageID, ownerID string, opts conversation.Options) (*session.Attachment, error)
}

// ModelLister lists the models installed on the runtime
type ModelLister interface {
	ListModels(ctx context.Context) ([]backend.OllamaModel, error)
}

// ChatBot represents the interactive terminal front-end
type ChatBot struct {
	config config.Config
	logger *slog.Logger
	conv   Conversation
	models ModelLister

	sessionID string
	model     string
	stream    bool

	// held by this shell only and attached to each turn's context
	overrides provider.Overrides

	in      io.Reader
	out     io.Writer
	closers []func()
}

// NewChatBot wires logging, telemetry, storage, the provider client and
// the image router into a ChatBot. Anything opened before a failing step
// is closed again.
func NewChatBot(cfg config.Config) (cb *ChatBot, err error) {
	var closers []func()
	defer func() {
		if err != nil {
			runClosers(closers)
		}
	}()

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	closers = append(closers, func() { logFile.Close() })

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	closers = append(closers, cleanup)

	db, err := storage.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := storage.NewStore(db)
	closers = append(closers, func() { store.Close() })
	if err := storage.Migrate(db, cfg.DB.Driver); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var modelCache cache.ModelCache = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, using in-process model cache", "error", err)
		} else {
			modelCache = rc
			closers = append(closers, func() { rc.Close() })
		}
	}

	client, err := provider.NewClient(cfg.Provider, provider.Options{
		Logger: logger,
		Tracer: tracer,
		Meter:  meter,
		Cache:  modelCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	router, err := imagegen.NewRouter(cfg.Image, client,
		imagegen.NewDirSink(cfg.Image.OutputDir, cfg.Image.PublicPrefix),
		imagegen.Options{Logger: logger, Tracer: tracer, Meter: meter},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create image router: %w", err)
	}

	orch, err := conversation.NewOrchestrator(cfg, conversation.Deps{
		Store:    store,
		Provider: client,
		Images:   router,
		Logger:   logger,
		Tracer:   tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb = newChatBot(cfg, logger, orch, client, os.Stdin, os.Stdout)
	cb.closers = closers

	if cfg.SessionID != "" {
		if _, err := orch.History(ctx, cfg.SessionID, cfg.OwnerID, 1, 0); err != nil {
			logger.Warn("failed to load session, a new one will be created", "session_id", cfg.SessionID, "error", err)
			cb.sessionID = ""
		} else {
			logger.Info("loaded existing session", "session_id", cfg.SessionID)
		}
	}
	return cb, nil
}

// runClosers releases resources in reverse order of acquisition
func runClosers(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func newChatBot(cfg config.Config, logger *slog.Logger, conv Conversation, models ModelLister, in io.Reader, out io.Writer) *ChatBot {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatBot{
		config:    cfg,
		logger:    logger,
		conv:      conv,
		models:    models,
		sessionID: cfg.SessionID,
		model:     cfg.Provider.Model,
		stream:    true,
		in:        in,
		out:       out,
	}
}

func (cb *ChatBot) printf(format string, args ...any) {
	fmt.Fprintf(cb.out, format, args...)
}

func (cb *ChatBot) println(args ...any) {
	fmt.Fprintln(cb.out, args...)
}

// turnContext carries this shell's overrides to the provider
func (cb *ChatBot) turnContext(ctx context.Context) context.Context {
	if cb.overrides.IsZero() {
		return ctx
	}
	return provider.WithOverrides(ctx, cb.overrides)
}

// sendMessage runs one turn and prints the reply, streaming when enabled
func (cb *ChatBot) sendMessage(ctx context.Context, userMessage string) error {
	streamed := false
	onToken := func(fragment, _ string) {
		if !streamed {
			cb.printf("Bot: ")
			streamed = true
		}
		cb.printf("%s", fragment)
	}

	ex, err := cb.conv.Handle(cb.turnContext(ctx), conversation.Turn{
		SessionID: cb.sessionID,
		OwnerID:   cb.config.OwnerID,
		Content:   userMessage,
		Options:   conversation.Options{Model: cb.model, Stream: cb.stream},
		OnToken:   onToken,
	})
	if err != nil {
		if streamed {
			cb.println()
		}
		return err
	}

	if cb.sessionID != ex.Session.ID {
		cb.sessionID = ex.Session.ID
		cb.logger.Info("session started", "session_id", ex.Session.ID, "title", ex.Session.Title)
	}

	if streamed {
		cb.println()
	} else {
		cb.printf("Bot: %s\n", ex.AssistantMessage.Content)
	}
	for _, att := range ex.AssistantMessage.Attachments {
		cb.printf("  [%s] %s (message %s)\n", att.Type, att.URL, ex.AssistantMessage.ID)
	}
	cb.println()
	return nil
}

// handleCommand runs a slash command and reports whether the shell should exit
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		title := strings.Join(parts[1:], " ")
		sess, err := cb.conv.StartSession(ctx, cb.config.OwnerID, title)
		if err != nil {
			return false, fmt.Errorf("failed to start session: %w", err)
		}
		cb.sessionID = sess.ID
		cb.println("Started new session:", sess.ID)
		return false, nil

	case "/sessions":
		sessions, err := cb.conv.Sessions(ctx, cb.config.OwnerID)
		if err != nil {
			return false, fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			cb.println("No sessions yet.")
			return false, nil
		}
		cb.println("\nSessions:")
		for i, s := range sessions {
			current := ""
			if s.ID == cb.sessionID {
				current = " (current)"
			}
			cb.printf("%d. %s - %s [%s, %s]%s\n", i+1, s.ID, s.Title, s.Status, s.LastActivityAt.Local().Format(time.DateTime), current)
		}
		cb.println()
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <session-id>")
		}
		if _, err := cb.conv.History(ctx, parts[1], cb.config.OwnerID, 1, 0); err != nil {
			return false, fmt.Errorf("cannot switch to %s: %w", parts[1], err)
		}
		cb.sessionID = parts[1]
		cb.printf("Switched to session %s\n", parts[1])
		return false, nil

	case "/archive", "/delete":
		id := cb.sessionID
		if len(parts) > 1 {
			id = parts[1]
		}
		if id == "" {
			return false, fmt.Errorf("usage: %s [session-id]", parts[0])
		}
		if parts[0] == "/archive" {
			if err := cb.conv.ArchiveSession(ctx, id, cb.config.OwnerID); err != nil {
				return false, fmt.Errorf("failed to archive %s: %w", id, err)
			}
			cb.printf("Archived session %s\n", id)
			return false, nil
		}
		if err := cb.conv.DeleteSession(ctx, id, cb.config.OwnerID); err != nil {
			return false, fmt.Errorf("failed to delete %s: %w", id, err)
		}
		if id == cb.sessionID {
			cb.sessionID = ""
		}
		cb.printf("Deleted session %s\n", id)
		return false, nil

	case "/regenerate":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /regenerate <message-id>")
		}
		att, err := cb.conv.Regenerate(cb.turnContext(ctx), parts[1], cb.config.OwnerID, conversation.Options{Model: cb.model})
		if err != nil {
			return false, fmt.Errorf("failed to regenerate image: %w", err)
		}
		cb.printf("  [%s] %s\n", att.Type, att.URL)
		return false, nil

	case "/history":
		if cb.sessionID == "" {
			cb.println("No active session.")
			return false, nil
		}
		limit := 20
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /history [count]")
			}
			limit = n
		}
		msgs, err := cb.conv.History(ctx, cb.sessionID, cb.config.OwnerID, limit, 0)
		if err != nil {
			return false, fmt.Errorf("failed to load history: %w", err)
		}
		cb.println()
		for _, m := range msgs {
			who := "You"
			if m.Role == session.RoleAssistant {
				who = "Bot"
			}
			cb.printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), who, m.Content)
			for _, att := range m.Attachments {
				cb.printf("  [%s] %s (message %s)\n", att.Type, att.URL, m.ID)
			}
		}
		cb.println()
		return false, nil

	case "/models", "/list-models":
		models, err := cb.models.ListModels(cb.turnContext(ctx))
		if err != nil {
			return false, fmt.Errorf("failed to list models: %w", err)
		}
		cb.println("\nAvailable models:")
		for i, model := range models {
			sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
			current := ""
			if model.Name == cb.model {
				current = " (current)"
			}
			cb.printf("%d. %s - %.2f GB%s\n", i+1, model.Name, sizeGB, current)
		}
		cb.println()
		return false, nil

	case "/set-model":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /set-model <model:version>")
		}
		cb.model = parts[1]
		cb.printf("Model set to: %s\n", cb.model)
		return false, nil

	case "/set-base-url":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /set-base-url <url>")
		}
		cb.overrides.BaseURL = parts[1]
		cb.printf("Runtime base URL set to: %s\n", parts[1])
		return false, nil

	case "/set-timeout":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /set-timeout <duration> (e.g. 30s)")
		}
		d, err := time.ParseDuration(parts[1])
		if err != nil || d <= 0 {
			return false, fmt.Errorf("invalid timeout %q", parts[1])
		}
		cb.overrides.Timeout = d
		cb.printf("Request timeout set to: %s\n", d)
		return false, nil

	case "/clear-overrides":
		cb.overrides = provider.Overrides{}
		cb.println("Runtime overrides cleared.")
		return false, nil

	case "/stream":
		if len(parts) < 2 || (parts[1] != "on" && parts[1] != "off") {
			return false, fmt.Errorf("usage: /stream on|off")
		}
		cb.stream = parts[1] == "on"
		cb.printf("Streaming %s\n", parts[1])
		return false, nil

	case "/help":
		cb.println("Available commands:")
		cb.println("  /quit, /exit              - Exit the chatbot")
		cb.println("  /new-session [title]      - Start a new chat session")
		cb.println("  /sessions                 - List your sessions")
		cb.println("  /switch <session-id>      - Continue another session")
		cb.println("  /history [count]          - Show messages of the current session")
		cb.println("  /archive [session-id]     - Archive a session (default: current)")
		cb.println("  /delete [session-id]      - Delete a session (default: current)")
		cb.println("  /regenerate <message-id>  - Render a message's image again")
		cb.println("  /models                   - List models installed on the runtime")
		cb.println("  /set-model <model>        - Set model (e.g., llama3:latest)")
		cb.println("  /set-base-url <url>       - Send requests to another runtime")
		cb.println("  /set-timeout <duration>   - Override the request timeout")
		cb.println("  /clear-overrides          - Drop base URL and timeout overrides")
		cb.println("  /stream on|off            - Toggle token streaming")
		cb.println("  /help                     - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

// Run starts the read-eval-print loop until /quit or end of input
func (cb *ChatBot) Run() error {
	defer runClosers(cb.closers)

	cb.println("=== ChatRelay ===")
	if cb.sessionID != "" {
		cb.printf("Session: %s\n", cb.sessionID)
	}
	cb.printf("Model: %s\n", cb.model)
	cb.println("Type /help for commands, /quit to exit")
	cb.println()

	scanner := bufio.NewScanner(cb.in)
	ctx := context.Background()

	for {
		cb.printf("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.sendMessage(ctx, input); err != nil {
			cb.printf("Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}

	cb.println("Goodbye!")
	return scanner.Err()
}
