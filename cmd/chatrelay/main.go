package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ChatRelay/internal/chatbot"
	"ChatRelay/internal/config"
)

func main() {
	var (
		configPath      string
		sessionID       string
		ownerID         string
		model           string
		baseURL         string
		timeout         time.Duration
		imageCandidates string
		debug           bool
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flag.StringVar(&sessionID, "session-id", "", "Continue an existing session by ID")
	flag.StringVar(&ownerID, "owner", "", "Owner ID used for session access")
	flag.StringVar(&model, "model", "", "Model name (format: model:version)")
	flag.StringVar(&baseURL, "base-url", "", "Text-generation runtime base URL")
	flag.DurationVar(&timeout, "timeout", 0, "Provider request timeout")
	flag.StringVar(&imageCandidates, "image-backends", "", "Comma-separated image backend URLs, probed in order")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")

	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment
	if sessionID != "" {
		cfg.SessionID = sessionID
	}
	if ownerID != "" {
		cfg.OwnerID = ownerID
	}
	if model != "" {
		cfg.Provider.Model = model
	}
	if baseURL != "" {
		cfg.Provider.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.Provider.Timeout = timeout
	}
	if imageCandidates != "" {
		cfg.Image.Candidates = strings.Split(imageCandidates, ",")
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
