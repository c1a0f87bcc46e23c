package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wenqy/career-copilot/internal/queue"
)

type DirectConfig struct {
	APIKey  string
	BaseURL string
}

// DirectTransport streams completions straight from an OpenAI-compatible
// endpoint, bypassing the relay backend. Used for private-deployment models
// the relay does not proxy.
type DirectTransport struct {
	client *openai.Client
}

func NewDirectTransport(cfg DirectConfig) *DirectTransport {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if trimmed := strings.TrimSpace(cfg.BaseURL); trimmed != "" {
		clientConfig.BaseURL = strings.TrimSuffix(trimmed, "/")
	}
	return &DirectTransport{client: openai.NewClientWithConfig(clientConfig)}
}

func (t *DirectTransport) Stream(
	ctx context.Context,
	request queue.StreamRequest,
	deliver func(chunk string),
) error {
	chatStream, err := t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: upstreamModelID(request.ModelID),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: request.Content},
		},
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer chatStream.Close()

	for {
		response, recvErr := chatStream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			return fmt.Errorf("receive stream delta: %w", recvErr)
		}
		for _, choice := range response.Choices {
			if choice.Delta.Content != "" {
				deliver(choice.Delta.Content)
			}
		}
	}
}

// upstreamModelID strips the catalog's provider prefix; the upstream API
// knows the bare model name only.
func upstreamModelID(modelID string) string {
	if _, name, found := strings.Cut(modelID, "/"); found {
		return name
	}
	return modelID
}

var _ queue.StreamTransport = (*DirectTransport)(nil)
