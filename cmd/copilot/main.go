package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wenqy/career-copilot/internal/ai"
	"github.com/wenqy/career-copilot/internal/api"
	"github.com/wenqy/career-copilot/internal/cache"
	"github.com/wenqy/career-copilot/internal/config"
	"github.com/wenqy/career-copilot/internal/domain"
	"github.com/wenqy/career-copilot/internal/queue"
	"github.com/wenqy/career-copilot/internal/service"
	"github.com/wenqy/career-copilot/internal/session"
	"github.com/wenqy/career-copilot/internal/status"
	"github.com/wenqy/career-copilot/internal/stream"
)

func main() {
	logger := log.New(os.Stderr, "[copilot] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadEnvFiles(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		UserID:     cfg.UserID,
		Timeout:    time.Duration(cfg.APITimeoutMS) * time.Millisecond,
		MaxRetries: cfg.APIMaxRetries,
	})

	transport := setupTransport(cfg, logger)

	taskQueue := queue.New(ctx, queue.Dependencies{
		Transport: transport,
		Uploader:  backend,
		Extractor: backend,
		Logger:    logger,
	}, queue.Config{
		MaxConcurrent: cfg.QueueMaxConcurrent,
		StreamTimeout: time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
	})
	defer taskQueue.Close()

	store := session.NewStore(logger)
	chat := service.NewChatService(service.Config{
		UserID:           cfg.UserID,
		ChunkNotifyEvery: time.Duration(cfg.ChunkNotifyEveryMS) * time.Millisecond,
	}, service.Dependencies{
		Queue:   taskQueue,
		Backend: backend,
		Store:   store,
		Models:  ai.NewRouter(cfg.DefaultModelID),
		Cache: cache.NewResponseCache(cache.Config{
			TTL:        time.Duration(cfg.CacheTTLSeconds) * time.Second,
			MaxEntries: cfg.CacheMaxEntries,
		}),
		Logger: logger,
	})

	reporter := status.NewReporter(taskQueue, logger, status.Config{
		Interval: time.Duration(cfg.StatusPollMS) * time.Millisecond,
	})
	go reporter.Run(ctx)

	if err := chat.SyncDefaultModel(ctx); err != nil {
		logger.Printf("model preference unavailable: %v", err)
	}
	if cfg.LoadHistoryOnStart {
		if err := chat.LoadHistory(ctx); err != nil {
			logger.Printf("history partially loaded: %v", err)
		}
	}

	runConsole(ctx, chat, store, reporter, logger)
	logger.Printf("shutting down")
}

// setupTransport prefers the direct upstream connection when an API key is
// configured and falls back to relaying through the copilot backend.
func setupTransport(cfg config.Config, logger *log.Logger) queue.StreamTransport {
	if cfg.DirectAPIKey != "" {
		logger.Printf("using direct streaming transport")
		return stream.NewDirectTransport(stream.DirectConfig{
			APIKey:  cfg.DirectAPIKey,
			BaseURL: cfg.DirectBaseURL,
		})
	}
	logger.Printf("using backend relay streaming transport base_url=%s", cfg.APIBaseURL)
	return stream.NewRelayTransport(stream.RelayConfig{BaseURL: cfg.APIBaseURL})
}

// runConsole is a minimal interactive front end over the chat engine. Lines
// starting with "/" are commands; anything else becomes the active tab's
// question.
func runConsole(
	ctx context.Context,
	chat *service.ChatService,
	store *session.Store,
	reporter *status.Reporter,
	logger *log.Logger,
) {
	activeTab := domain.TabCareer
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	fmt.Printf("career copilot | tab: %s (%s)\n", activeTab, service.AdvisorFor(activeTab).Label)
	fmt.Println(`commands: /tab <career|offer|contract|monitor> /model <id> /models /sessions /select <id> /new /delete <id> /upload <path> <type> /status /quit`)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Printf("[%s] > ", activeTab)
		var line string
		var open bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, open = <-lines:
			if !open {
				return
			}
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "/") {
			if quit := runCommand(ctx, trimmed, &activeTab, chat, store, reporter); quit {
				return
			}
			continue
		}

		store.SetInput(activeTab, trimmed)
		if _, err := chat.Send(ctx, activeTab); err != nil {
			logger.Printf("send rejected: %v", err)
		}
		awaitReply(ctx, store, activeTab)
	}
}

func runCommand(
	ctx context.Context,
	line string,
	activeTab *domain.TabKey,
	chat *service.ChatService,
	store *session.Store,
	reporter *status.Reporter,
) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/tab":
		if len(fields) < 2 || !domain.TabKey(fields[1]).Valid() {
			fmt.Println("usage: /tab <career|offer|contract|monitor>")
			return false
		}
		*activeTab = domain.TabKey(fields[1])
		fmt.Printf("switched to %s (%s)\n", *activeTab, service.AdvisorFor(*activeTab).Label)

	case "/model":
		if len(fields) < 2 {
			fmt.Printf("current model: %s\n", chat.CurrentModel())
			return false
		}
		if err := chat.SelectModel(ctx, fields[1]); err != nil {
			fmt.Printf("model not switched: %v\n", err)
			return false
		}
		fmt.Printf("model: %s\n", chat.CurrentModel())

	case "/models":
		for _, model := range ai.Catalog {
			marker := " "
			if model.ID == chat.CurrentModel() {
				marker = "*"
			}
			streaming := ""
			if model.Streaming {
				streaming = " [stream]"
			}
			fmt.Printf("%s %-28s %s%s\n", marker, model.ID, model.Name, streaming)
		}

	case "/sessions":
		state := store.Snapshot(*activeTab)
		for _, s := range state.Sessions {
			marker := " "
			if s.ID == state.CurrentSessionID {
				marker = "*"
			}
			fmt.Printf("%s %s  %s (%d messages)\n", marker, s.ID, s.Title, len(s.Messages))
		}

	case "/select":
		if len(fields) < 2 {
			fmt.Println("usage: /select <session-id>")
			return false
		}
		store.SelectSession(*activeTab, fields[1])

	case "/new":
		profile := service.AdvisorFor(*activeTab)
		id := store.CreateSession(*activeTab, profile.TitleOptions[0])
		fmt.Printf("session %s\n", id)

	case "/delete":
		if len(fields) < 2 {
			fmt.Println("usage: /delete <session-id>")
			return false
		}
		store.DeleteSession(*activeTab, fields[1])

	case "/upload":
		if len(fields) < 3 {
			fmt.Println("usage: /upload <path> <resume|contract|offer|employment|other>")
			return false
		}
		uploadFile(*activeTab, chat, fields[1], fields[2])

	case "/status":
		current := reporter.Current()
		fmt.Printf("queue: pending=%d running=%d visible=%t\n",
			current.Pending, current.Running, current.Visible)

	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return false
}

func uploadFile(tab domain.TabKey, chat *service.ChatService, path, documentType string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read file: %v\n", err)
		return
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		jobID, err := chat.AttachPDF(tab, base64.StdEncoding.EncodeToString(data))
		if err != nil {
			fmt.Printf("pdf not queued: %v\n", err)
			return
		}
		fmt.Printf("pdf extraction queued job=%s\n", jobID)
		return
	}

	jobID, err := chat.UploadDocument(tab, queue.UploadRequest{
		FileName:     filepath.Base(path),
		DocumentType: documentType,
		Data:         data,
	})
	if err != nil {
		fmt.Printf("upload not queued: %v\n", err)
		return
	}
	fmt.Printf("upload queued job=%s\n", jobID)
}

// awaitReply prints the assistant's answer as it accumulates and returns once
// the tab stops loading.
func awaitReply(ctx context.Context, store *session.Store, tab domain.TabKey) {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-time.After(50 * time.Millisecond):
		}

		state := store.Snapshot(tab)
		if current, ok := store.CurrentSession(tab); ok && len(current.Messages) > 0 {
			last := current.Messages[len(current.Messages)-1]
			if last.Role == domain.RoleAssistant && len(last.Content) > printed {
				fmt.Print(last.Content[printed:])
				printed = len(last.Content)
			}
		}
		if !state.Loading {
			if state.Error != "" {
				fmt.Printf("\nerror: %s\n", state.Error)
			} else {
				fmt.Println()
			}
			return
		}
	}
}
