package service

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wenqy/career-copilot/internal/ai"
	"github.com/wenqy/career-copilot/internal/api"
	"github.com/wenqy/career-copilot/internal/cache"
	"github.com/wenqy/career-copilot/internal/domain"
	"github.com/wenqy/career-copilot/internal/queue"
	"github.com/wenqy/career-copilot/internal/session"
)

type fakeBackend struct {
	mu           sync.Mutex
	sent         []api.SendMessageRequest
	reply        string
	sendErr      error
	sendGate     chan struct{}
	insights     map[string]api.DocumentInsights
	histories    map[string][]api.CareerHistory
	defaultModel string
}

func (b *fakeBackend) SendMessage(_ context.Context, request api.SendMessageRequest) ([]api.Message, error) {
	if b.sendGate != nil {
		<-b.sendGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, request)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	return []api.Message{
		{Role: "user", Content: request.Content, ThreadID: request.ThreadID},
		{Role: "assistant", Content: b.reply, ThreadID: request.ThreadID},
	}, nil
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBackend) WaitExtractedInfo(_ context.Context, documentID string) (api.DocumentInsights, error) {
	if insights, ok := b.insights[documentID]; ok {
		return insights, nil
	}
	return api.DocumentInsights{}, api.ErrDocumentNotProcessed
}

func (b *fakeBackend) CareerHistories(_ context.Context, category string) ([]api.CareerHistory, error) {
	return b.histories[category], nil
}

func (b *fakeBackend) DefaultModel(context.Context) (string, error) {
	return b.defaultModel, nil
}

func (b *fakeBackend) UpdateDefaultModel(_ context.Context, modelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultModel = modelID
	return nil
}

// scriptedTransport replays fixed chunks for every stream request.
type scriptedTransport struct {
	mu       sync.Mutex
	chunks   []string
	err      error
	requests []queue.StreamRequest
}

func (t *scriptedTransport) Stream(_ context.Context, request queue.StreamRequest, deliver func(string)) error {
	t.mu.Lock()
	t.requests = append(t.requests, request)
	chunks, err := t.chunks, t.err
	t.mu.Unlock()

	for _, chunk := range chunks {
		deliver(chunk)
	}
	return err
}

func (t *scriptedTransport) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *scriptedTransport) lastRequest() (queue.StreamRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.requests) == 0 {
		return queue.StreamRequest{}, false
	}
	return t.requests[len(t.requests)-1], true
}

type chatFixture struct {
	service *ChatService
	store   *session.Store
	backend *fakeBackend
	queue   *queue.TaskQueue
}

func newChatFixture(t *testing.T, backend *fakeBackend, transport queue.StreamTransport) *chatFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	client := api.NewClient(api.ClientConfig{BaseURL: "http://127.0.0.1:1", UserID: "u-test"})
	taskQueue := queue.New(context.Background(), queue.Dependencies{
		Transport: transport,
		Uploader:  client,
		Extractor: client,
		Logger:    logger,
	}, queue.Config{MaxConcurrent: 3})
	t.Cleanup(taskQueue.Close)

	store := session.NewStore(logger)
	svc := NewChatService(Config{UserID: "u-test", ChunkNotifyEvery: time.Nanosecond}, Dependencies{
		Queue:   taskQueue,
		Backend: backend,
		Store:   store,
		Models:  ai.NewRouter(ai.DefaultModelID),
		Cache:   cache.NewResponseCache(cache.Config{}),
		Logger:  logger,
	})
	return &chatFixture{service: svc, store: store, backend: backend, queue: taskQueue}
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSendStreamingAccumulatesIntoPlaceholder(t *testing.T) {
	backend := &fakeBackend{}
	transport := &scriptedTransport{chunks: []string{"转型", "管理岗", "需要这些准备。"}}
	fx := newChatFixture(t, backend, transport)

	if err := fx.service.SelectModel(context.Background(), "bailian/qwen-flash"); err != nil {
		t.Fatalf("select model: %v", err)
	}
	fx.store.SetInput(domain.TabCareer, "我想从技术岗位转向管理岗位，需要什么准备？")

	jobID, err := fx.service.Send(context.Background(), domain.TabCareer)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if jobID == "" {
		t.Fatalf("expected a stream job id")
	}

	waitUntil(t, 2*time.Second, func() bool {
		return !fx.store.Snapshot(domain.TabCareer).Loading
	})

	current, ok := fx.store.CurrentSession(domain.TabCareer)
	if !ok {
		t.Fatalf("no session created")
	}
	if len(current.Messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(current.Messages))
	}
	if got := current.Messages[1].Content; got != "转型管理岗需要这些准备。" {
		t.Fatalf("unexpected assistant content: %q", got)
	}
	if got := current.Title; got != "我想从技术岗位转向管理岗位，需要什么准备..." {
		t.Fatalf("unexpected derived title: %q", got)
	}

	// The finished exchange is archived through the blocking endpoint.
	waitUntil(t, 2*time.Second, func() bool {
		return backend.sentCount() == 1
	})
}

func TestSendStreamingSurvivesTabSwitch(t *testing.T) {
	backend := &fakeBackend{}
	release := make(chan struct{})
	transport := &gatedTransport{release: release, chunks: []string{"稍后", "给您完整分析。"}}
	fx := newChatFixture(t, backend, transport)

	if err := fx.service.SelectModel(context.Background(), "bailian/qwen-flash"); err != nil {
		t.Fatalf("select model: %v", err)
	}
	fx.store.SetInput(domain.TabCareer, "人工智能行业的发展前景如何？")
	if _, err := fx.service.Send(context.Background(), domain.TabCareer); err != nil {
		t.Fatalf("send: %v", err)
	}
	streamSession, _ := fx.store.CurrentSession(domain.TabCareer)

	// User moves to another tab and opens a fresh session mid-stream.
	fx.store.CreateSession(domain.TabOffer, "Offer分析咨询")
	close(release)

	waitUntil(t, 2*time.Second, func() bool {
		return !fx.store.Snapshot(domain.TabCareer).Loading
	})

	got, ok := fx.store.Session(domain.TabCareer, streamSession.ID)
	if !ok {
		t.Fatalf("stream session missing")
	}
	if got.Messages[1].Content != "稍后给您完整分析。" {
		t.Fatalf("stream output lost after tab switch: %q", got.Messages[1].Content)
	}
	offer := fx.store.Snapshot(domain.TabOffer)
	if len(offer.Sessions) != 1 || len(offer.Sessions[0].Messages) != 0 {
		t.Fatalf("stream leaked into other tab: %+v", offer.Sessions)
	}
}

func TestArchivalDoesNotBlockNextStream(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{sendGate: gate, reply: "已存档"}
	transport := &scriptedTransport{chunks: []string{"好的。"}}

	logger := log.New(io.Discard, "", 0)
	client := api.NewClient(api.ClientConfig{BaseURL: "http://127.0.0.1:1", UserID: "u-test"})
	taskQueue := queue.New(context.Background(), queue.Dependencies{
		Transport: transport,
		Uploader:  client,
		Extractor: client,
		Logger:    logger,
	}, queue.Config{MaxConcurrent: 1})
	t.Cleanup(taskQueue.Close)
	defer close(gate)

	store := session.NewStore(logger)
	svc := NewChatService(Config{UserID: "u-test", ChunkNotifyEvery: time.Nanosecond}, Dependencies{
		Queue:   taskQueue,
		Backend: backend,
		Store:   store,
		Models:  ai.NewRouter("bailian/qwen-flash"),
		Cache:   cache.NewResponseCache(cache.Config{}),
		Logger:  logger,
	})

	store.SetInput(domain.TabCareer, "跳槽前需要做哪些准备？")
	if _, err := svc.Send(context.Background(), domain.TabCareer); err != nil {
		t.Fatalf("first send: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return transport.requestCount() == 1
	})

	// First stream is done but its archival is held at the gate. The freed
	// slot must still admit the next stream.
	store.SetInput(domain.TabOffer, "这份Offer的薪资结构合理吗？")
	if _, err := svc.Send(context.Background(), domain.TabOffer); err != nil {
		t.Fatalf("second send: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return transport.requestCount() == 2
	})

	if got := backend.sentCount(); got != 0 {
		t.Fatalf("archival finished before the gate opened: %d", got)
	}
}

type gatedTransport struct {
	release <-chan struct{}
	chunks  []string
}

func (t *gatedTransport) Stream(ctx context.Context, _ queue.StreamRequest, deliver func(string)) error {
	select {
	case <-t.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, chunk := range t.chunks {
		deliver(chunk)
	}
	return nil
}

func TestSendBlockingUsesBackendAndCache(t *testing.T) {
	backend := &fakeBackend{reply: "建议先从带小项目开始积累管理经验。"}
	fx := newChatFixture(t, backend, &scriptedTransport{})

	question := "作为产品经理，我需要学习哪些新技能来提升竞争力？"
	fx.store.SetInput(domain.TabCareer, question)
	if _, err := fx.service.Send(context.Background(), domain.TabCareer); err != nil {
		t.Fatalf("send: %v", err)
	}

	current, _ := fx.store.CurrentSession(domain.TabCareer)
	if len(current.Messages) != 2 || current.Messages[1].Content != backend.reply {
		t.Fatalf("unexpected conversation: %+v", current.Messages)
	}
	if fx.store.Snapshot(domain.TabCareer).Loading {
		t.Fatalf("loading flag stuck")
	}

	// The identical question again is served from the cache.
	fx.store.SetInput(domain.TabCareer, question)
	if _, err := fx.service.Send(context.Background(), domain.TabCareer); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if got := backend.sentCount(); got != 1 {
		t.Fatalf("expected 1 backend call, got %d", got)
	}
	current, _ = fx.store.CurrentSession(domain.TabCareer)
	if len(current.Messages) != 4 || current.Messages[3].Content != backend.reply {
		t.Fatalf("cached reply missing: %+v", current.Messages)
	}
}

func TestSendBlockingFallsBackWhenBackendFails(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("connection refused")}
	fx := newChatFixture(t, backend, &scriptedTransport{})

	fx.store.SetInput(domain.TabContract, "这个竞业限制条款是否合理？对我有什么影响？")
	if _, err := fx.service.Send(context.Background(), domain.TabContract); err != nil {
		t.Fatalf("send: %v", err)
	}

	current, _ := fx.store.CurrentSession(domain.TabContract)
	reply := current.Messages[1].Content
	if !strings.Contains(reply, "劳动合同检查专家") {
		t.Fatalf("expected advisor fallback reply, got %q", reply)
	}
	if fx.store.Snapshot(domain.TabContract).Loading {
		t.Fatalf("loading flag stuck after failure")
	}
}

func TestSendRejectsInvalidInputWithAdvisorNotice(t *testing.T) {
	fx := newChatFixture(t, &fakeBackend{}, &scriptedTransport{})

	fx.store.SetInput(domain.TabOffer, "111")
	_, err := fx.service.Send(context.Background(), domain.TabOffer)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	state := fx.store.Snapshot(domain.TabOffer)
	if state.PendingInput != "" {
		t.Fatalf("input not cleared")
	}
	if len(state.Sessions) != 1 || state.Sessions[0].Title != "输入提示" {
		t.Fatalf("expected notice session, got %+v", state.Sessions)
	}
	notice := state.Sessions[0].Messages[0].Content
	if !strings.Contains(notice, validationErr.Message) || !strings.Contains(notice, "Offer分析专家") {
		t.Fatalf("unexpected notice: %q", notice)
	}
	if fx.backend.sentCount() != 0 {
		t.Fatalf("invalid input must not reach the backend")
	}
}

func TestSendIgnoresEmptyInputAndBusyTab(t *testing.T) {
	fx := newChatFixture(t, &fakeBackend{reply: "ok"}, &scriptedTransport{})

	if jobID, err := fx.service.Send(context.Background(), domain.TabCareer); err != nil || jobID != "" {
		t.Fatalf("empty input should be a no-op, got id=%q err=%v", jobID, err)
	}

	fx.store.SetLoading(domain.TabCareer, true)
	fx.store.SetInput(domain.TabCareer, "如何评估当前公司的发展前景？")
	if _, err := fx.service.Send(context.Background(), domain.TabCareer); err != nil {
		t.Fatalf("busy tab should be a no-op, got %v", err)
	}
	if fx.backend.sentCount() != 0 {
		t.Fatalf("busy tab still reached the backend")
	}
}

func TestUploadedDocumentRidesNextQuestion(t *testing.T) {
	backend := &fakeBackend{
		reply: "合同整体风险可控。",
		insights: map[string]api.DocumentInsights{
			"42": {ExtractedInfo: []byte(`{"personalInfo":{"name":"张三"}}`)},
		},
	}
	transport := &scriptedTransport{chunks: []string{"分析完成。"}}
	fx := newChatFixture(t, backend, transport)

	// Queue-level upload is covered elsewhere; attach the stored reference
	// the way the upload completion callback does.
	fx.service.addAttachment(domain.TabContract, domain.DocumentRef("42"))

	if err := fx.service.SelectModel(context.Background(), "bailian/qwen-flash"); err != nil {
		t.Fatalf("select model: %v", err)
	}
	fx.store.SetInput(domain.TabContract, "帮我审查这份劳动合同的风险点")
	if _, err := fx.service.Send(context.Background(), domain.TabContract); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		_, ok := transport.lastRequest()
		return ok
	})
	request, _ := transport.lastRequest()
	if !strings.Contains(request.Content, "[文档分析结果]") || !strings.Contains(request.Content, "张三") {
		t.Fatalf("document insights not folded into question: %q", request.Content)
	}
	if len(request.Attachments) != 1 || request.Attachments[0] != domain.DocumentRef("42") {
		t.Fatalf("attachment missing from request: %+v", request.Attachments)
	}

	// Attachments are consumed by the send that used them.
	if got := fx.service.takeAttachments(domain.TabContract); len(got) != 0 {
		t.Fatalf("attachments not consumed: %+v", got)
	}
}

func TestLoadHistoryPopulatesTabs(t *testing.T) {
	now := time.Now()
	backend := &fakeBackend{histories: map[string][]api.CareerHistory{
		"career": {
			{ThreadID: "career-a", Title: "职业规划咨询", Content: "如何转型？", AIResponse: "建议如下。", CreatedAt: now},
			{ThreadID: "career-a", Title: "重复行", Content: "x", AIResponse: "y", CreatedAt: now},
			{
				ThreadID: "career-b", Title: "带附件", Content: "简历帮我看看",
				AIResponse: "已分析。", CreatedAt: now.Add(-time.Hour),
				Metadata: `{"attachments":["document:7"]}`,
			},
		},
	}}
	fx := newChatFixture(t, backend, &scriptedTransport{})

	if err := fx.service.LoadHistory(context.Background()); err != nil {
		t.Fatalf("load history: %v", err)
	}

	state := fx.store.Snapshot(domain.TabCareer)
	if len(state.Sessions) != 2 {
		t.Fatalf("expected 2 sessions after dedupe, got %d", len(state.Sessions))
	}
	if state.Sessions[0].ID != "career-a" {
		t.Fatalf("expected newest session first, got %q", state.Sessions[0].ID)
	}
	withDoc, ok := fx.store.Session(domain.TabCareer, "career-b")
	if !ok {
		t.Fatalf("archived session missing")
	}
	if !strings.Contains(withDoc.Messages[0].Content, "已上传文档 (ID: 7)") {
		t.Fatalf("document note missing: %q", withDoc.Messages[0].Content)
	}
	if withDoc.Messages[1].Role != domain.RoleAssistant || withDoc.Messages[1].Content != "已分析。" {
		t.Fatalf("assistant round missing: %+v", withDoc.Messages[1])
	}
}

func TestSelectModelValidatesAndPersists(t *testing.T) {
	fx := newChatFixture(t, &fakeBackend{}, &scriptedTransport{})

	if err := fx.service.SelectModel(context.Background(), "no-such-model"); err == nil {
		t.Fatalf("expected rejection of unknown model")
	}
	if got := fx.service.CurrentModel(); got != ai.DefaultModelID {
		t.Fatalf("model changed on rejection: %q", got)
	}

	if err := fx.service.SelectModel(context.Background(), "bailian/qwen-flash"); err != nil {
		t.Fatalf("select model: %v", err)
	}
	if fx.backend.defaultModel != "bailian/qwen-flash" {
		t.Fatalf("preference not persisted: %q", fx.backend.defaultModel)
	}
}

func TestSyncDefaultModelIgnoresUnknownPreference(t *testing.T) {
	fx := newChatFixture(t, &fakeBackend{defaultModel: "retired/model"}, &scriptedTransport{})
	if err := fx.service.SyncDefaultModel(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := fx.service.CurrentModel(); got != ai.DefaultModelID {
		t.Fatalf("unknown preference adopted: %q", got)
	}

	fx.backend.defaultModel = "bailian/qwen-flash"
	if err := fx.service.SyncDefaultModel(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := fx.service.CurrentModel(); got != "bailian/qwen-flash" {
		t.Fatalf("stored preference not adopted: %q", got)
	}
}
