package queue

import (
	"context"
	"errors"
)

var (
	ErrUnknownJobKind = errors.New("unknown job kind")
	ErrQueueClosed    = errors.New("task queue is closed")
)

// StreamRequest carries the payload for a streaming chat completion.
type StreamRequest struct {
	UserID        string
	ThreadID      string
	Content       string
	Attachments   []string
	ModelID       string
	DeepThinking  bool
	NetworkSearch bool
}

// UploadRequest carries a file destined for the document store.
type UploadRequest struct {
	UserID       string
	FileName     string
	ContentType  string
	DocumentType string
	Data         []byte
}

// UploadResult is what the upload collaborator reports back.
type UploadResult struct {
	DocumentID string
	FileName   string
}

// Result is the terminal payload passed to OnComplete. Exactly one field is
// populated, matching the job kind.
type Result struct {
	Content  string       // StreamMessageJob: full accumulated response text
	Document UploadResult // FileUploadJob
	Text     string       // PdfExtractJob: extracted document text
}

// Callbacks are invoked by the queue: OnProgress zero or more times, then
// exactly one of OnComplete/OnError. Nil callbacks are skipped.
// For stream jobs progress is cumulative characters received; for uploads it
// is a fraction in [0,1].
type Callbacks struct {
	OnProgress func(progress float64)
	OnComplete func(result Result)
	OnError    func(err error)
}

// Job is the closed set of work the queue accepts. Adding a kind means adding
// a variant here and a case to the queue's dispatch; there is no untyped
// escape hatch.
type Job interface {
	callbacks() Callbacks
	isJob()
}

// StreamMessageJob opens a streaming chat completion. OnChunk always receives
// the full accumulated buffer so far, never a bare delta, so a missed
// intermediate notification cannot corrupt the rendered text.
type StreamMessageJob struct {
	Request StreamRequest
	OnChunk func(accumulated string)
	Callbacks
}

// FileUploadJob hands a file to the upload collaborator.
type FileUploadJob struct {
	Upload UploadRequest
	Callbacks
}

// PdfExtractJob is a single request/response text extraction.
type PdfExtractJob struct {
	Base64Data string
	Callbacks
}

func (j StreamMessageJob) callbacks() Callbacks { return j.Callbacks }
func (j FileUploadJob) callbacks() Callbacks    { return j.Callbacks }
func (j PdfExtractJob) callbacks() Callbacks    { return j.Callbacks }

func (StreamMessageJob) isJob() {}
func (FileUploadJob) isJob()    {}
func (PdfExtractJob) isJob()    {}

// StreamTransport issues one streaming request and delivers raw text chunks
// in send order until the body ends. The sequence is finite and
// non-restartable; a transport failure terminates it with an error.
type StreamTransport interface {
	Stream(ctx context.Context, request StreamRequest, deliver func(chunk string)) error
}

// Uploader sends a file to the document store, reporting fractional progress.
type Uploader interface {
	Upload(ctx context.Context, request UploadRequest, progress func(fraction float64)) (UploadResult, error)
}

// Extractor turns an inline base64 PDF into plain text.
type Extractor interface {
	Extract(ctx context.Context, base64Data string) (string, error)
}
