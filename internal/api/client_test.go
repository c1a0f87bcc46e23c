package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wenqy/career-copilot/internal/queue"
)

func newTestClient(serverURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:    serverURL,
		UserID:     "u-test",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	})
}

func TestSendMessageReturnsUserAndAssistantRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload.UserID != "u-test" || payload.ThreadID != "career-thread" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unexpected identity"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":1,"role":"user","content":"如何转型管理岗？","threadId":"career-thread"},
			{"id":2,"role":"assistant","content":"可以从这几个方面准备。","threadId":"career-thread"}
		]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	messages, err := client.SendMessage(context.Background(), SendMessageRequest{
		ThreadID: "career-thread",
		Content:  "如何转型管理岗？",
		ModelID:  "azure/gpt-5-mini",
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if len(messages) != 2 || messages[1].Role != "assistant" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestListMessagesFiltersByThread(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("threadId"); got != "offer-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":7,"role":"user","content":"对比两个offer","threadId":"offer-1"}]`))
	}))
	defer server.Close()

	messages, err := newTestClient(server.URL).ListMessages(context.Background(), "offer-1")
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if len(messages) != 1 || messages[0].ThreadID != "offer-1" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream down"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).ListMessages(context.Background(), ""); err != nil {
		t.Fatalf("expected success after retry, got err=%v", err)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 calls, got %d", calls)
	}
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"content 不能为空"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).SendMessage(context.Background(), SendMessageRequest{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected a 400 HTTPError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call, got %d", got)
	}
}

func TestExtractPDFTextSurfacesEnvelopeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"无效的PDF文件"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ExtractPDFText(context.Background(), "not-a-pdf")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestUploadDocumentPostsMultipartAndReportsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/u-test/documents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("documentType"); got != "resume" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"文档类型不能为空"}`))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Filename != "resume.md" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"文档上传成功","document":{"id":42,"fileName":"resume.md","documentType":"resume"}}`))
	}))
	defer server.Close()

	var fractions []float64
	result, err := newTestClient(server.URL).Upload(context.Background(), queue.UploadRequest{
		FileName:     "resume.md",
		DocumentType: "resume",
		Data:         []byte("# 简历\n五年后端开发经验"),
	}, func(fraction float64) {
		fractions = append(fractions, fraction)
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.DocumentID != "42" || result.FileName != "resume.md" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("expected progress ending at 1, got %v", fractions)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("progress went backwards: %v", fractions)
		}
	}
}

func TestDocumentInsightsRequiresFinishedExtraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"processingStatus":"processing"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).DocumentInsights(context.Background(), "42")
	if !errors.Is(err, ErrDocumentNotProcessed) {
		t.Fatalf("expected ErrDocumentNotProcessed, got %v", err)
	}
}

func TestWaitExtractedInfoPollsUntilProcessed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"processingStatus":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"extractedInfo":{"name":"张三"},"processingStatus":"completed"}`))
	}))
	defer server.Close()

	insights, err := newTestClient(server.URL).WaitExtractedInfo(context.Background(), "42")
	if err != nil {
		t.Fatalf("WaitExtractedInfo: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 polls, got %d", got)
	}
	if len(insights.ExtractedInfo) == 0 {
		t.Fatal("expected extracted info payload")
	}
}

func TestDefaultModelRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/u-test/default-model" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"defaultModel":"bailian/qwen-flash"}`))
		case http.MethodPut:
			var payload map[string]string
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["defaultModel"] == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"message":"ok"}`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	model, err := client.DefaultModel(context.Background())
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if model != "bailian/qwen-flash" {
		t.Fatalf("unexpected model: %q", model)
	}
	if err := client.UpdateDefaultModel(context.Background(), "azure/gpt-5-mini"); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
}
