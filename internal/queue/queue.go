package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config tunes the task queue.
type Config struct {
	// MaxConcurrent caps simultaneously running jobs. Defaults to 3.
	MaxConcurrent int

	// StreamTimeout bounds a single streaming job so a stalled upstream
	// connection cannot occupy a concurrency slot forever. Zero disables
	// the deadline.
	StreamTimeout time.Duration
}

// Dependencies are the collaborators jobs execute against.
type Dependencies struct {
	Transport StreamTransport
	Uploader  Uploader
	Extractor Extractor
	Logger    *log.Logger
}

type submission struct {
	id       string
	job      Job
	terminal bool
}

// TaskQueue schedules typed jobs with bounded concurrency and strict FIFO
// admission. Submitting never blocks; jobs wait in the pending list until a
// slot frees up. There is no kind-based priority and no automatic retry.
type TaskQueue struct {
	deps          Dependencies
	maxConcurrent int
	streamTimeout time.Duration
	parent        context.Context

	mu      sync.Mutex
	pending []*submission
	running map[string]*submission
	closed  bool
}

// Status is a point-in-time snapshot for display and must not be used for
// synchronization.
type Status struct {
	Pending int
	Running int
	Total   int
}

func New(parent context.Context, deps Dependencies, cfg Config) *TaskQueue {
	if parent == nil {
		parent = context.Background()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.StreamTimeout < 0 {
		cfg.StreamTimeout = 0
	}

	return &TaskQueue{
		deps:          deps,
		maxConcurrent: cfg.MaxConcurrent,
		streamTimeout: cfg.StreamTimeout,
		parent:        parent,
		pending:       make([]*submission, 0, 8),
		running:       make(map[string]*submission, cfg.MaxConcurrent),
	}
}

// Submit enqueues a job and returns its id immediately. It fails only for a
// job kind the queue does not recognize or after Close.
func (q *TaskQueue) Submit(job Job) (string, error) {
	switch job.(type) {
	case StreamMessageJob, FileUploadJob, PdfExtractJob:
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownJobKind, job)
	}

	sub := &submission{
		id:  uuid.NewString(),
		job: job,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.pending = append(q.pending, sub)
	q.admit()
	q.mu.Unlock()

	return sub.id, nil
}

// Cancel removes a job that has not started yet. Jobs already running cannot
// be cancelled; there is no preemption. A cancelled job never invokes any
// callback.
func (q *TaskQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for index, sub := range q.pending {
		if sub.id != jobID {
			continue
		}
		sub.terminal = true
		q.pending = append(q.pending[:index], q.pending[index+1:]...)
		return true
	}
	return false
}

func (q *TaskQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending: len(q.pending),
		Running: len(q.running),
		Total:   len(q.pending) + len(q.running),
	}
}

// Close rejects further submissions and drops jobs still pending. Running
// jobs finish normally; Close is meant for process shutdown only.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, sub := range q.pending {
		sub.terminal = true
	}
	q.pending = nil
}

// admit moves pending jobs into execution while slots remain. Callers must
// hold q.mu.
func (q *TaskQueue) admit() {
	for len(q.running) < q.maxConcurrent && len(q.pending) > 0 {
		sub := q.pending[0]
		q.pending = q.pending[1:]
		q.running[sub.id] = sub
		go q.execute(sub)
	}
}

func (q *TaskQueue) execute(sub *submission) {
	result, err := q.runIsolated(sub.job)
	q.finish(sub, result, err)
}

// runIsolated converts a panicking job into an error so one misbehaving job
// cannot take down jobs sharing the process.
func (q *TaskQueue) runIsolated(job Job) (result Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job panicked: %v", recovered)
		}
	}()
	return q.run(job)
}

func (q *TaskQueue) run(job Job) (Result, error) {
	switch typed := job.(type) {
	case StreamMessageJob:
		return q.runStream(typed)
	case FileUploadJob:
		return q.runUpload(typed)
	case PdfExtractJob:
		return q.runExtract(typed)
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnknownJobKind, job)
	}
}

func (q *TaskQueue) runStream(job StreamMessageJob) (Result, error) {
	ctx := q.parent
	if q.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.streamTimeout)
		defer cancel()
	}

	var accumulated strings.Builder
	err := q.deps.Transport.Stream(ctx, job.Request, func(chunk string) {
		accumulated.WriteString(chunk)
		if job.OnProgress != nil {
			job.OnProgress(float64(accumulated.Len()))
		}
		if job.OnChunk != nil {
			job.OnChunk(accumulated.String())
		}
	})
	if err != nil {
		return Result{}, fmt.Errorf("stream message: %w", err)
	}
	return Result{Content: accumulated.String()}, nil
}

func (q *TaskQueue) runUpload(job FileUploadJob) (Result, error) {
	uploaded, err := q.deps.Uploader.Upload(q.parent, job.Upload, job.OnProgress)
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", job.Upload.FileName, err)
	}
	return Result{Document: uploaded}, nil
}

func (q *TaskQueue) runExtract(job PdfExtractJob) (Result, error) {
	text, err := q.deps.Extractor.Extract(q.parent, job.Base64Data)
	if err != nil {
		return Result{}, fmt.Errorf("pdf extract: %w", err)
	}
	return Result{Text: text}, nil
}

// finish fires the terminal callback at most once, frees the slot, and
// backfills it from the pending list.
func (q *TaskQueue) finish(sub *submission, result Result, err error) {
	q.mu.Lock()
	if sub.terminal {
		q.mu.Unlock()
		return
	}
	sub.terminal = true
	delete(q.running, sub.id)
	q.mu.Unlock()

	cbs := sub.job.callbacks()
	if err != nil {
		if q.deps.Logger != nil {
			q.deps.Logger.Printf("job failed job_id=%s err=%v", sub.id, err)
		}
		if cbs.OnError != nil {
			cbs.OnError(err)
		}
	} else if cbs.OnComplete != nil {
		cbs.OnComplete(result)
	}

	q.mu.Lock()
	if !q.closed {
		q.admit()
	}
	q.mu.Unlock()
}
