package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wenqy/career-copilot/internal/ai"
	"github.com/wenqy/career-copilot/internal/api"
	"github.com/wenqy/career-copilot/internal/cache"
	"github.com/wenqy/career-copilot/internal/domain"
	"github.com/wenqy/career-copilot/internal/queue"
	"github.com/wenqy/career-copilot/internal/session"
)

const sessionTitleLimit = 20

// Backend is the slice of the copilot REST client the chat flow needs.
type Backend interface {
	SendMessage(ctx context.Context, request api.SendMessageRequest) ([]api.Message, error)
	WaitExtractedInfo(ctx context.Context, documentID string) (api.DocumentInsights, error)
	CareerHistories(ctx context.Context, category string) ([]api.CareerHistory, error)
	DefaultModel(ctx context.Context) (string, error)
	UpdateDefaultModel(ctx context.Context, modelID string) error
}

type Config struct {
	UserID string

	// ChunkNotifyEvery throttles how often the session store is rewritten
	// while a stream is running. The terminal write always happens.
	// Defaults to 50ms.
	ChunkNotifyEvery time.Duration
}

type Dependencies struct {
	Queue   *queue.TaskQueue
	Backend Backend
	Store   *session.Store
	Models  *ai.Router
	Cache   *cache.ResponseCache
	Logger  *log.Logger
}

// ChatService drives the four advisor conversations: it validates questions,
// maintains per-tab session state, routes between the streaming and blocking
// completion paths, and owns the pending attachment list consumed by the
// next send.
type ChatService struct {
	queue   *queue.TaskQueue
	backend Backend
	store   *session.Store
	models  *ai.Router
	cache   *cache.ResponseCache
	logger  *log.Logger
	userID  string

	chunkEvery time.Duration

	mu            sync.Mutex
	modelID       string
	deepThinking  bool
	networkSearch bool
	attachments   map[domain.TabKey][]string
	extracts      map[domain.TabKey][]string
}

func NewChatService(cfg Config, deps Dependencies) *ChatService {
	if cfg.ChunkNotifyEvery <= 0 {
		cfg.ChunkNotifyEvery = 50 * time.Millisecond
	}

	return &ChatService{
		queue:       deps.Queue,
		backend:     deps.Backend,
		store:       deps.Store,
		models:      deps.Models,
		cache:       deps.Cache,
		logger:      deps.Logger,
		userID:      strings.TrimSpace(cfg.UserID),
		chunkEvery:  cfg.ChunkNotifyEvery,
		modelID:     deps.Models.DefaultModel(),
		attachments: make(map[domain.TabKey][]string),
		extracts:    make(map[domain.TabKey][]string),
	}
}

// CurrentModel returns the model id used for the next send.
func (s *ChatService) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// SelectModel switches the active model and stores the preference with the
// backend. Unknown models are rejected before any state changes.
func (s *ChatService) SelectModel(ctx context.Context, modelID string) error {
	if _, ok := s.models.Lookup(modelID); !ok {
		return fmt.Errorf("unknown model %q", modelID)
	}

	s.mu.Lock()
	s.modelID = modelID
	s.mu.Unlock()

	if err := s.backend.UpdateDefaultModel(ctx, modelID); err != nil {
		s.logger.Printf("persist model preference failed model=%s err=%v", modelID, err)
	}
	return nil
}

// SyncDefaultModel adopts the preference stored with the backend, keeping the
// built-in default when the user never chose or the stored id is unknown.
func (s *ChatService) SyncDefaultModel(ctx context.Context) error {
	stored, err := s.backend.DefaultModel(ctx)
	if err != nil {
		return fmt.Errorf("load model preference: %w", err)
	}
	if _, ok := s.models.Lookup(stored); !ok {
		return nil
	}
	s.mu.Lock()
	s.modelID = stored
	s.mu.Unlock()
	return nil
}

func (s *ChatService) SetDeepThinking(enabled bool) {
	s.mu.Lock()
	s.deepThinking = enabled
	s.mu.Unlock()
}

func (s *ChatService) SetNetworkSearch(enabled bool) {
	s.mu.Lock()
	s.networkSearch = enabled
	s.mu.Unlock()
}

// Send submits the tab's pending input as a question. For streaming models it
// returns the queued job id; the blocking path returns an empty id. A send
// while the tab is loading, or of empty input, is ignored.
func (s *ChatService) Send(ctx context.Context, tab domain.TabKey) (string, error) {
	state := s.store.Snapshot(tab)
	input := strings.TrimSpace(state.PendingInput)
	if input == "" || state.Loading {
		return "", nil
	}

	modelID := s.CurrentModel()

	if err := ValidateInput(input); err != nil {
		s.rejectInput(tab, modelID, err)
		return "", err
	}

	profile := AdvisorFor(tab)
	current, ok := s.store.CurrentSession(tab)
	sessionID := current.ID
	firstMessage := !ok || len(current.Messages) == 0
	if !ok {
		sessionID = s.store.CreateSession(tab, newSessionTitle(profile))
	}

	attachments := s.takeAttachments(tab)
	extracts := s.takeExtracts(tab)

	userMessage := domain.ChatMessage{
		ID:          uuid.NewString(),
		ThreadID:    sessionID,
		Role:        domain.RoleUser,
		Content:     input,
		Timestamp:   time.Now(),
		Attachments: attachments,
	}
	s.store.AppendMessage(tab, sessionID, userMessage)
	s.store.SetInput(tab, "")
	s.store.SetError(tab, "")
	s.store.SetLoading(tab, true)

	if firstMessage {
		s.store.SetSessionTitle(tab, sessionID, deriveTitle(input))
	}

	s.mu.Lock()
	deepThinking, networkSearch := s.deepThinking, s.networkSearch
	s.mu.Unlock()

	request := queue.StreamRequest{
		UserID:        s.userID,
		ThreadID:      sessionID,
		Content:       input,
		Attachments:   attachments,
		ModelID:       modelID,
		DeepThinking:  deepThinking,
		NetworkSearch: networkSearch,
	}

	if s.models.SupportsStreaming(modelID) {
		// The stream endpoint gets the question pre-enriched; the blocking
		// endpoint resolves document references on its own side.
		request.Content = s.enrichContent(ctx, input, attachments, extracts)
		return s.sendStreaming(tab, sessionID, userMessage, request)
	}
	return "", s.sendBlocking(ctx, tab, sessionID, profile, userMessage, request)
}

// rejectInput answers a rejected question locally with the advisor's notice,
// creating a throwaway session when the tab has none.
func (s *ChatService) rejectInput(tab domain.TabKey, modelID string, err error) {
	reason := "请输入有效的问题"
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		reason = validationErr.Message
	}

	modelName := modelID
	if model, ok := s.models.Lookup(modelID); ok {
		modelName = model.Name
	}

	sessionID := ""
	if current, ok := s.store.CurrentSession(tab); ok {
		sessionID = current.ID
	} else {
		sessionID = s.store.CreateSession(tab, "输入提示")
	}

	s.store.AppendMessage(tab, sessionID, domain.ChatMessage{
		ID:        uuid.NewString(),
		ThreadID:  sessionID,
		Role:      domain.RoleAssistant,
		Content:   rejectionNotice(modelName, AdvisorFor(tab), reason),
		Timestamp: time.Now(),
	})
	s.store.SetInput(tab, "")
}

// sendStreaming enqueues a stream job whose callbacks address the session and
// placeholder message captured here, so later tab or session switches cannot
// redirect the output.
func (s *ChatService) sendStreaming(
	tab domain.TabKey,
	sessionID string,
	userMessage domain.ChatMessage,
	request queue.StreamRequest,
) (string, error) {
	assistantID := uuid.NewString()
	s.store.AppendMessage(tab, sessionID, domain.ChatMessage{
		ID:        assistantID,
		ThreadID:  sessionID,
		Role:      domain.RoleAssistant,
		Timestamp: time.Now(),
	})

	limiter := rate.NewLimiter(rate.Every(s.chunkEvery), 1)

	jobID, err := s.queue.Submit(queue.StreamMessageJob{
		Request: request,
		OnChunk: func(accumulated string) {
			if limiter.Allow() {
				s.store.SetMessageContent(tab, sessionID, assistantID, accumulated)
			}
		},
		Callbacks: queue.Callbacks{
			OnComplete: func(result queue.Result) {
				s.store.SetMessageContent(tab, sessionID, assistantID, result.Content)
				// Archival must not hold the queue's completion path, or a
				// slow backend would stall admission of pending jobs.
				go func() {
					s.persistExchange(sessionID, userMessage, request)
					s.store.SetLoading(tab, false)
				}()
			},
			OnError: func(err error) {
				s.logger.Printf("stream failed tab=%s session=%s err=%v", tab, sessionID, err)
				s.store.SetError(tab, err.Error())
				s.store.SetLoading(tab, false)
			},
		},
	})
	if err != nil {
		s.store.SetLoading(tab, false)
		return "", fmt.Errorf("queue stream job: %w", err)
	}
	return jobID, nil
}

// persistExchange archives a finished streamed exchange. The stream bypassed
// the backend's persistence, so the original question is replayed through the
// blocking endpoint in the background.
func (s *ChatService) persistExchange(
	sessionID string,
	userMessage domain.ChatMessage,
	request queue.StreamRequest,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.backend.SendMessage(ctx, api.SendMessageRequest{
		UserID:        s.userID,
		ThreadID:      sessionID,
		Content:       userMessage.Content,
		Attachments:   userMessage.Attachments,
		ModelID:       request.ModelID,
		DeepThinking:  request.DeepThinking,
		NetworkSearch: request.NetworkSearch,
	})
	if err != nil {
		s.logger.Printf("persist streamed exchange failed session=%s err=%v", sessionID, err)
	}
}

// sendBlocking runs the non-streaming completion inline. Identical questions
// within the cache TTL are answered locally; a backend failure degrades to
// the advisor's canned reply instead of surfacing an error bubble.
func (s *ChatService) sendBlocking(
	ctx context.Context,
	tab domain.TabKey,
	sessionID string,
	profile AdvisorProfile,
	userMessage domain.ChatMessage,
	request queue.StreamRequest,
) error {
	defer s.store.SetLoading(tab, false)

	signature := s.cache.BuildSignature(request.ModelID, string(tab), userMessage.Content)
	if entry, ok := s.cache.Get(signature); ok {
		s.appendAssistant(tab, sessionID, entry.Reply)
		return nil
	}

	rows, err := s.backend.SendMessage(ctx, api.SendMessageRequest{
		UserID:        s.userID,
		ThreadID:      sessionID,
		Content:       userMessage.Content,
		Attachments:   userMessage.Attachments,
		ModelID:       request.ModelID,
		DeepThinking:  request.DeepThinking,
		NetworkSearch: request.NetworkSearch,
	})
	if err != nil {
		s.logger.Printf("send message failed tab=%s session=%s err=%v", tab, sessionID, err)
		s.appendAssistant(tab, sessionID, fallbackReply(profile, userMessage.Content))
		return nil
	}

	reply := assistantReply(rows)
	if reply == "" {
		reply = fallbackReply(profile, userMessage.Content)
	} else {
		s.cache.Set(signature, cache.Entry{Reply: reply, ModelID: request.ModelID})
	}
	s.appendAssistant(tab, sessionID, reply)
	return nil
}

func (s *ChatService) appendAssistant(tab domain.TabKey, sessionID, content string) {
	s.store.AppendMessage(tab, sessionID, domain.ChatMessage{
		ID:        uuid.NewString(),
		ThreadID:  sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// UploadDocument queues a file upload for the tab. Once stored, the document
// reference joins the tab's pending attachments for the next question.
func (s *ChatService) UploadDocument(tab domain.TabKey, upload queue.UploadRequest) (string, error) {
	if strings.TrimSpace(upload.UserID) == "" {
		upload.UserID = s.userID
	}

	jobID, err := s.queue.Submit(queue.FileUploadJob{
		Upload: upload,
		Callbacks: queue.Callbacks{
			OnComplete: func(result queue.Result) {
				s.addAttachment(tab, domain.DocumentRef(result.Document.DocumentID))
				s.logger.Printf("document uploaded tab=%s document_id=%s file=%s",
					tab, result.Document.DocumentID, result.Document.FileName)
			},
			OnError: func(err error) {
				s.logger.Printf("upload failed tab=%s file=%s err=%v", tab, upload.FileName, err)
				s.store.SetError(tab, "文件上传失败："+err.Error())
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("queue upload job: %w", err)
	}
	return jobID, nil
}

// AttachPDF queues text extraction for an inline PDF. The extracted text is
// folded into the next question's content; the data url itself rides along as
// an attachment.
func (s *ChatService) AttachPDF(tab domain.TabKey, base64Data string) (string, error) {
	jobID, err := s.queue.Submit(queue.PdfExtractJob{
		Base64Data: base64Data,
		Callbacks: queue.Callbacks{
			OnComplete: func(result queue.Result) {
				s.addExtract(tab, result.Text)
				s.addAttachment(tab, domain.InlinePDF(base64Data))
			},
			OnError: func(err error) {
				s.logger.Printf("pdf extract failed tab=%s err=%v", tab, err)
				s.store.SetError(tab, "PDF解析失败："+err.Error())
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("queue pdf extract job: %w", err)
	}
	return jobID, nil
}

// CancelJob withdraws a queued job that has not started.
func (s *ChatService) CancelJob(jobID string) bool {
	return s.queue.Cancel(jobID)
}

// LoadHistory restores each tab's archived consultations from the backend,
// one session per thread. Tabs that fail to load are skipped so one bad
// category does not blank the rest.
func (s *ChatService) LoadHistory(ctx context.Context) error {
	var lastErr error
	for _, tab := range domain.AllTabs() {
		histories, err := s.backend.CareerHistories(ctx, string(tab))
		if err != nil {
			s.logger.Printf("load history failed tab=%s err=%v", tab, err)
			lastErr = err
			continue
		}
		s.store.MergeHistory(tab, historySessions(histories))
	}
	return lastErr
}

func (s *ChatService) addAttachment(tab domain.TabKey, attachment string) {
	s.mu.Lock()
	s.attachments[tab] = append(s.attachments[tab], attachment)
	s.mu.Unlock()
}

func (s *ChatService) takeAttachments(tab domain.TabKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	attachments := s.attachments[tab]
	delete(s.attachments, tab)
	return attachments
}

func (s *ChatService) addExtract(tab domain.TabKey, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.mu.Lock()
	s.extracts[tab] = append(s.extracts[tab], text)
	s.mu.Unlock()
}

func (s *ChatService) takeExtracts(tab domain.TabKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	extracts := s.extracts[tab]
	delete(s.extracts, tab)
	return extracts
}

// enrichContent expands the question with extraction results for referenced
// documents and any pending inline PDF text. Lookups that fail leave the
// question untouched.
func (s *ChatService) enrichContent(
	ctx context.Context,
	content string,
	attachments []string,
	extracts []string,
) string {
	var builder strings.Builder
	builder.WriteString(content)

	for _, attachment := range attachments {
		if !domain.IsDocumentRef(attachment) {
			continue
		}
		documentID := domain.DocumentRefID(attachment)
		insights, err := s.backend.WaitExtractedInfo(ctx, documentID)
		if err != nil {
			s.logger.Printf("document insights unavailable document_id=%s err=%v", documentID, err)
			continue
		}
		builder.WriteString("\n\n[文档分析结果]\n")
		builder.WriteString(indentJSON(insights.ExtractedInfo))
	}

	for _, text := range extracts {
		builder.WriteString("\n\n[PDF文本]\n")
		builder.WriteString(text)
	}

	return builder.String()
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// historySessions folds archived rounds into sessions, one per thread,
// keeping the first (newest) round per thread.
func historySessions(histories []api.CareerHistory) []domain.ChatSession {
	seen := make(map[string]struct{}, len(histories))
	sessions := make([]domain.ChatSession, 0, len(histories))

	for _, history := range histories {
		if history.ThreadID == "" {
			continue
		}
		if _, duplicate := seen[history.ThreadID]; duplicate {
			continue
		}
		seen[history.ThreadID] = struct{}{}

		sessions = append(sessions, domain.ChatSession{
			ID:    history.ThreadID,
			Title: history.Title,
			Messages: []domain.ChatMessage{
				{
					ID:        history.ThreadID + "-user",
					ThreadID:  history.ThreadID,
					Role:      domain.RoleUser,
					Content:   historyUserContent(history),
					Timestamp: history.CreatedAt,
				},
				{
					ID:        history.ThreadID + "-assistant",
					ThreadID:  history.ThreadID,
					Role:      domain.RoleAssistant,
					Content:   history.AIResponse,
					Timestamp: history.CreatedAt,
				},
			},
			CreatedAt:     history.CreatedAt,
			LastMessageAt: history.CreatedAt,
		})
	}

	return sessions
}

// historyUserContent restores the question text, noting documents that were
// attached when the round was archived.
func historyUserContent(history api.CareerHistory) string {
	content := history.Content
	if strings.TrimSpace(history.Metadata) == "" {
		return content
	}

	var metadata struct {
		Attachments []string `json:"attachments"`
	}
	if err := json.Unmarshal([]byte(history.Metadata), &metadata); err != nil {
		return content
	}

	notes := make([]string, 0, len(metadata.Attachments))
	for _, attachment := range metadata.Attachments {
		if domain.IsDocumentRef(attachment) {
			notes = append(notes, fmt.Sprintf("📄 已上传文档 (ID: %s)", domain.DocumentRefID(attachment)))
		}
	}
	if len(notes) == 0 {
		return content
	}
	return content + "\n\n" + strings.Join(notes, "\n")
}

func assistantReply(rows []api.Message) string {
	for index := len(rows) - 1; index >= 0; index-- {
		if rows[index].Role == string(domain.RoleAssistant) {
			return rows[index].Content
		}
	}
	return ""
}

func newSessionTitle(profile AdvisorProfile) string {
	if len(profile.TitleOptions) == 0 {
		return "专业咨询"
	}
	return profile.TitleOptions[rand.Intn(len(profile.TitleOptions))]
}

// deriveTitle names a session after its first question, clipped to 20 runes.
func deriveTitle(content string) string {
	if utf8.RuneCountInString(content) <= sessionTitleLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:sessionTitleLimit]) + "..."
}
