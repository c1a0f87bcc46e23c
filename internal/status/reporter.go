package status

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wenqy/career-copilot/internal/queue"
)

// Snapshot is one observation of the queue, plus whether an indicator should
// be on screen at all. The indicator hides when nothing is queued or running.
type Snapshot struct {
	Pending    int
	Running    int
	Total      int
	Visible    bool
	ObservedAt time.Time
}

type Config struct {
	// Interval between polls. Defaults to 500ms.
	Interval time.Duration

	// OnUpdate is called after every poll whose snapshot differs from the
	// previous one. Called from the reporter's goroutine.
	OnUpdate func(Snapshot)
}

// Reporter periodically samples queue occupancy for display. It never blocks
// the queue; a stale reading is acceptable by contract.
type Reporter struct {
	queue    *queue.TaskQueue
	logger   *log.Logger
	interval time.Duration
	onUpdate func(Snapshot)

	mu      sync.Mutex
	current Snapshot
}

func NewReporter(q *queue.TaskQueue, logger *log.Logger, cfg Config) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Reporter{
		queue:    q,
		logger:   logger,
		interval: cfg.Interval,
		onUpdate: cfg.OnUpdate,
	}
}

// Run polls until the context ends. It takes one sample immediately so the
// first display does not wait a full interval.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		}
	}
}

// Current returns the latest observation.
func (r *Reporter) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Visible reports whether the indicator should be shown right now.
func (r *Reporter) Visible() bool {
	return r.Current().Visible
}

func (r *Reporter) poll() {
	status := r.queue.Status()
	snapshot := Snapshot{
		Pending:    status.Pending,
		Running:    status.Running,
		Total:      status.Total,
		Visible:    status.Total > 0,
		ObservedAt: time.Now(),
	}

	r.mu.Lock()
	changed := snapshot.Pending != r.current.Pending ||
		snapshot.Running != r.current.Running ||
		snapshot.Visible != r.current.Visible
	r.current = snapshot
	r.mu.Unlock()

	if changed {
		if r.logger != nil {
			r.logger.Printf("queue status pending=%d running=%d visible=%t",
				snapshot.Pending, snapshot.Running, snapshot.Visible)
		}
		if r.onUpdate != nil {
			r.onUpdate(snapshot)
		}
	}
}
