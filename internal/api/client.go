package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wenqy/career-copilot/internal/queue"
)

var (
	ErrDocumentNotProcessed = errors.New("document extraction is not finished")
	ErrExtractionFailed     = errors.New("pdf text extraction failed")
)

// HTTPError is a non-2xx answer from the copilot backend. The message keeps
// at most 700 bytes of the body so logs stay bounded.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("copilot api status %d: %s", e.StatusCode, e.Message)
}

// Message mirrors the backend's persisted chat message.
type Message struct {
	ID          uint      `json:"id"`
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ThreadID    string    `json:"threadId"`
	Attachments string    `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SendMessageRequest is the non-streaming chat completion payload.
type SendMessageRequest struct {
	UserID        string   `json:"userId"`
	ThreadID      string   `json:"threadId,omitempty"`
	Content       string   `json:"content"`
	Attachments   []string `json:"attachments,omitempty"`
	ModelID       string   `json:"modelId,omitempty"`
	DeepThinking  bool     `json:"deepThinking,omitempty"`
	NetworkSearch bool     `json:"networkSearch,omitempty"`
}

// Document mirrors the backend's uploaded document record.
type Document struct {
	ID               uint   `json:"id"`
	UserID           string `json:"userId"`
	DocumentType     string `json:"documentType"`
	FileName         string `json:"fileName"`
	FileSize         int64  `json:"fileSize"`
	FileType         string `json:"fileType"`
	IsProcessed      bool   `json:"isProcessed"`
	ProcessingStatus string `json:"processingStatus"`
	ProcessingError  string `json:"processingError"`
}

// DocumentInsights is the extraction result for one processed document.
type DocumentInsights struct {
	ExtractedInfo     json.RawMessage `json:"extractedInfo"`
	VisualizationData json.RawMessage `json:"visualizationData"`
	ProcessingStatus  string          `json:"processingStatus"`
}

type ClientConfig struct {
	BaseURL    string
	UserID     string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client talks to the copilot backend's REST surface. Writes on 429 and 5xx
// are retried with exponential backoff; 4xx answers are permanent.
type Client struct {
	baseURL    string
	userID     string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		userID:     strings.TrimSpace(config.UserID),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

// SendMessage runs one blocking chat completion. The backend replies with the
// stored user message followed by the assistant reply.
func (c *Client) SendMessage(ctx context.Context, request SendMessageRequest) ([]Message, error) {
	if strings.TrimSpace(request.UserID) == "" {
		request.UserID = c.userID
	}
	var messages []Message
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", request, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// ListMessages returns the stored conversation for one thread, oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	path := "/api/messages"
	if strings.TrimSpace(threadID) != "" {
		path += "?threadId=" + url.QueryEscape(threadID)
	}
	var messages []Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// ExtractPDFText sends an inline base64 PDF for text extraction. The backend
// reports extraction failures inside a 200 envelope, so both layers are
// checked.
func (c *Client) ExtractPDFText(ctx context.Context, base64Data string) (string, error) {
	payload := map[string]string{"base64Data": base64Data}
	var response struct {
		Text    string `json:"text"`
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/pdf/extract", payload, &response); err != nil {
		return "", err
	}
	if !response.Success {
		if strings.TrimSpace(response.Error) != "" {
			return "", fmt.Errorf("%w: %s", ErrExtractionFailed, response.Error)
		}
		return "", ErrExtractionFailed
	}
	return response.Text, nil
}

// UploadDocument stores one file under the user's document library. The
// progress callback receives fractions of the multipart body written, ending
// at 1 when the response arrives.
func (c *Client) UploadDocument(
	ctx context.Context,
	request queue.UploadRequest,
	progress func(fraction float64),
) (Document, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		userID = c.userID
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("documentType", request.DocumentType); err != nil {
		return Document{}, fmt.Errorf("write document type field: %w", err)
	}
	part, err := writer.CreateFormFile("file", request.FileName)
	if err != nil {
		return Document{}, fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := part.Write(request.Data); err != nil {
		return Document{}, fmt.Errorf("write multipart file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Document{}, fmt.Errorf("close multipart body: %w", err)
	}

	encoded := body.Bytes()
	reader := io.Reader(bytes.NewReader(encoded))
	if progress != nil {
		reader = &progressReader{inner: reader, total: int64(len(encoded)), report: progress}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := fmt.Sprintf("/api/users/%s/documents", url.PathEscape(userID))
	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return Document{}, fmt.Errorf("create upload request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", writer.FormDataContentType())
	httpRequest.ContentLength = int64(len(encoded))

	responseBody, err := c.execute(httpRequest)
	if err != nil {
		return Document{}, err
	}

	var response struct {
		Message  string   `json:"message"`
		Document Document `json:"document"`
	}
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return Document{}, fmt.Errorf("decode upload response: %w", err)
	}
	if progress != nil {
		progress(1)
	}
	return response.Document, nil
}

// ProcessDocument asks the backend to start AI extraction for a stored
// document. The call returns as soon as processing is scheduled.
func (c *Client) ProcessDocument(ctx context.Context, documentID string) error {
	path := fmt.Sprintf(
		"/api/users/%s/documents/%s/process",
		url.PathEscape(c.userID), url.PathEscape(documentID),
	)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// DocumentInsights fetches the structured extraction for one document.
func (c *Client) DocumentInsights(ctx context.Context, documentID string) (DocumentInsights, error) {
	path := fmt.Sprintf(
		"/api/users/%s/documents/%s/extracted-info",
		url.PathEscape(c.userID), url.PathEscape(documentID),
	)
	var insights DocumentInsights
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &insights); err != nil {
		return DocumentInsights{}, err
	}
	if len(insights.ExtractedInfo) == 0 {
		return DocumentInsights{}, ErrDocumentNotProcessed
	}
	return insights, nil
}

// WaitExtractedInfo polls the extraction endpoint until the document has been
// processed or the context expires. Upload schedules extraction asynchronously,
// so a question sent right after an upload may race the analysis.
func (c *Client) WaitExtractedInfo(ctx context.Context, documentID string) (DocumentInsights, error) {
	var insights DocumentInsights
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = time.Minute
	err := backoff.Retry(func() error {
		result, err := c.DocumentInsights(ctx, documentID)
		if errors.Is(err, ErrDocumentNotProcessed) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		insights = result
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return DocumentInsights{}, err
	}
	return insights, nil
}

// CareerHistory is one archived consultation round for a thread.
type CareerHistory struct {
	ThreadID   string    `json:"threadId"`
	Category   string    `json:"category"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	AIResponse string    `json:"aiResponse"`
	ModelID    string    `json:"modelId"`
	Metadata   string    `json:"metadata"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CareerHistories lists archived consultations for one advisor category,
// newest first.
func (c *Client) CareerHistories(ctx context.Context, category string) ([]CareerHistory, error) {
	path := fmt.Sprintf("/api/users/%s/career-history", url.PathEscape(c.userID))
	if strings.TrimSpace(category) != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var response struct {
		Histories []CareerHistory `json:"histories"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Histories, nil
}

// DefaultModel returns the user's stored model preference, empty when the
// user has never chosen one.
func (c *Client) DefaultModel(ctx context.Context) (string, error) {
	path := fmt.Sprintf("/api/users/%s/default-model", url.PathEscape(c.userID))
	var response struct {
		DefaultModel string `json:"defaultModel"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		return "", err
	}
	return response.DefaultModel, nil
}

// UpdateDefaultModel stores the user's model preference.
func (c *Client) UpdateDefaultModel(ctx context.Context, modelID string) error {
	path := fmt.Sprintf("/api/users/%s/default-model", url.PathEscape(c.userID))
	payload := map[string]string{"defaultModel": modelID}
	return c.doJSON(ctx, http.MethodPut, path, payload, nil)
}

// Upload implements the queue's upload collaborator.
func (c *Client) Upload(
	ctx context.Context,
	request queue.UploadRequest,
	progress func(fraction float64),
) (queue.UploadResult, error) {
	document, err := c.UploadDocument(ctx, request, progress)
	if err != nil {
		return queue.UploadResult{}, err
	}
	return queue.UploadResult{
		DocumentID: fmt.Sprintf("%d", document.ID),
		FileName:   document.FileName,
	}, nil
}

// Extract implements the queue's pdf extraction collaborator.
func (c *Client) Extract(ctx context.Context, base64Data string) (string, error) {
	return c.ExtractPDFText(ctx, base64Data)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request payload: %w", err)
		}
	}

	operation := func() error {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		httpRequest, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		if encoded != nil {
			httpRequest.Header.Set("Content-Type", "application/json")
		}
		httpRequest.Header.Set("Accept", "application/json")

		responseBody, err := c.execute(httpRequest)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(responseBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func (c *Client) execute(request *http.Request) ([]byte, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("copilot api transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read copilot api body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &HTTPError{StatusCode: response.StatusCode, Message: message}
	}
	return body, nil
}

func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures (refused connections, resets) are worth one
	// more attempt.
	return true
}

type progressReader struct {
	inner  io.Reader
	total  int64
	read   int64
	report func(fraction float64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.read += int64(n)
		if r.total > 0 {
			fraction := float64(r.read) / float64(r.total)
			if fraction > 1 {
				fraction = 1
			}
			r.report(fraction)
		}
	}
	return n, err
}

var (
	_ queue.Uploader  = (*Client)(nil)
	_ queue.Extractor = (*Client)(nil)
)
