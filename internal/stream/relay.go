package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/wenqy/career-copilot/internal/queue"
)

// StatusError reports a non-success HTTP status from a stream endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream status %d: %s", e.StatusCode, e.Message)
}

type RelayConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	BufferSize int
}

// RelayTransport streams chat completions through the backend's
// /api/messages/stream endpoint. The response body is plain text delivered
// in chunks; chunks never repeat previously sent bytes.
type RelayTransport struct {
	baseURL    string
	httpClient *http.Client
	bufferSize int
}

func NewRelayTransport(cfg RelayConfig) *RelayTransport {
	if cfg.HTTPClient == nil {
		// Streams are long-lived, so no client-level timeout here; the
		// caller bounds the request through its context.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &RelayTransport{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: cfg.HTTPClient,
		bufferSize: cfg.BufferSize,
	}
}

type streamMessageBody struct {
	UserID        string   `json:"userId"`
	ThreadID      string   `json:"threadId,omitempty"`
	Content       string   `json:"content"`
	Attachments   []string `json:"attachments,omitempty"`
	ModelID       string   `json:"modelId,omitempty"`
	DeepThinking  bool     `json:"deepThinking,omitempty"`
	NetworkSearch bool     `json:"networkSearch,omitempty"`
}

func (t *RelayTransport) Stream(
	ctx context.Context,
	request queue.StreamRequest,
	deliver func(chunk string),
) error {
	encoded, err := json.Marshal(streamMessageBody{
		UserID:        request.UserID,
		ThreadID:      request.ThreadID,
		Content:       request.Content,
		Attachments:   request.Attachments,
		ModelID:       request.ModelID,
		DeepThinking:  request.DeepThinking,
		NetworkSearch: request.NetworkSearch,
	})
	if err != nil {
		return fmt.Errorf("marshal stream request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		t.baseURL+"/api/messages/stream",
		bytes.NewReader(encoded),
	)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "text/plain")

	httpResponse, err := t.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("stream transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := readBoundedBody(httpResponse.Body, 700)
		return &StatusError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	return t.readChunks(httpResponse.Body, deliver)
}

// readChunks delivers the body as it arrives. A read may end in the middle
// of a multi-byte rune, so incomplete trailing bytes are carried into the
// next chunk instead of being emitted as mangled text.
func (t *RelayTransport) readChunks(body io.Reader, deliver func(chunk string)) error {
	buffer := make([]byte, t.bufferSize)
	var carry []byte

	for {
		n, err := body.Read(buffer)
		if n > 0 {
			combined := append(carry, buffer[:n]...)
			boundary := completeRuneBoundary(combined)
			if boundary > 0 {
				deliver(string(combined[:boundary]))
			}
			carry = append(carry[:0], combined[boundary:]...)
		}
		if err == io.EOF {
			if len(carry) > 0 {
				deliver(string(carry))
			}
			return nil
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("read stream body: %w", err)
		}
	}
}

// completeRuneBoundary returns the length of the longest prefix of b that
// ends on a full UTF-8 rune.
func completeRuneBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func readBoundedBody(body io.Reader, limit int64) string {
	raw, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

var _ queue.StreamTransport = (*RelayTransport)(nil)
