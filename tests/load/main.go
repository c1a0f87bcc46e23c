// Command load benchmarks the task queue engine against an in-process fake
// backend: streamed questions, document uploads and pdf extractions are
// submitted concurrently and the submit-to-terminal latency is reported.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wenqy/career-copilot/internal/api"
	"github.com/wenqy/career-copilot/internal/queue"
	"github.com/wenqy/career-copilot/internal/stream"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	MaxConcurrent  int              `json:"max_concurrent"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

func main() {
	streamTotal := flag.Int("stream-total", 200, "total streamed questions")
	uploadTotal := flag.Int("upload-total", 120, "total document uploads")
	extractTotal := flag.Int("extract-total", 120, "total pdf extractions")
	maxConcurrent := flag.Int("max-concurrent", 3, "queue concurrency cap")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	server := startFakeBackend()
	defer server.Close()

	logger := log.New(io.Discard, "", 0)
	client := api.NewClient(api.ClientConfig{
		BaseURL: server.URL,
		UserID:  "load-user",
		Timeout: 10 * time.Second,
	})
	transport := stream.NewRelayTransport(stream.RelayConfig{BaseURL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	taskQueue := queue.New(ctx, queue.Dependencies{
		Transport: transport,
		Uploader:  client,
		Extractor: client,
		Logger:    logger,
	}, queue.Config{MaxConcurrent: *maxConcurrent, StreamTimeout: 30 * time.Second})
	defer taskQueue.Close()

	streamScenario := runScenario("stream_message", *streamTotal, func(index int) queue.Job {
		return queue.StreamMessageJob{Request: queue.StreamRequest{
			UserID:   "load-user",
			ThreadID: fmt.Sprintf("career-load-%d", index%32),
			Content:  "我想了解一下转型管理岗需要什么条件？",
			ModelID:  "bailian/qwen-flash",
		}}
	}, taskQueue)

	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 load fixture"))
	uploadScenario := runScenario("file_upload", *uploadTotal, func(index int) queue.Job {
		return queue.FileUploadJob{Upload: queue.UploadRequest{
			UserID:       "load-user",
			FileName:     fmt.Sprintf("resume-%d.md", index),
			DocumentType: "resume",
			Data:         []byte(strings.Repeat("履历内容。", 50)),
		}}
	}, taskQueue)

	extractScenario := runScenario("pdf_extract", *extractTotal, func(int) queue.Job {
		return queue.PdfExtractJob{Base64Data: pdf}
	}, taskQueue)

	results := []scenarioResult{streamScenario, uploadScenario, extractScenario}
	slo := map[string]bool{
		"stream_p95_le_2000ms":  streamScenario.P95MS <= 2000,
		"upload_p95_le_2000ms":  uploadScenario.P95MS <= 2000,
		"extract_p95_le_500ms":  extractScenario.P95MS <= 500,
		"zero_terminal_errors":  streamScenario.Errors+uploadScenario.Errors+extractScenario.Errors == 0,
		"queue_drained_at_exit": taskQueue.Status().Total == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		MaxConcurrent:  *maxConcurrent,
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// runScenario submits jobs as fast as the queue accepts them and waits for
// every terminal callback, measuring submit-to-terminal latency per job.
func runScenario(
	name string,
	total int,
	buildJob func(index int) queue.Job,
	taskQueue *queue.TaskQueue,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}

	type sample struct {
		durationMS float64
		err        string
	}

	startedAt := time.Now()
	results := make(chan sample, total)
	var wg sync.WaitGroup

	for index := 0; index < total; index++ {
		wg.Add(1)
		submittedAt := time.Now()
		record := func(errText string) {
			results <- sample{
				durationMS: float64(time.Since(submittedAt).Microseconds()) / 1000.0,
				err:        errText,
			}
			wg.Done()
		}

		job := withCallbacks(buildJob(index), queue.Callbacks{
			OnComplete: func(queue.Result) { record("") },
			OnError:    func(err error) { record(err.Error()) },
		})
		if _, err := taskQueue.Submit(job); err != nil {
			record(fmt.Sprintf("submit: %v", err))
		}
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success, errorsCount := 0, 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func withCallbacks(job queue.Job, callbacks queue.Callbacks) queue.Job {
	switch typed := job.(type) {
	case queue.StreamMessageJob:
		typed.Callbacks = callbacks
		return typed
	case queue.FileUploadJob:
		typed.Callbacks = callbacks
		return typed
	case queue.PdfExtractJob:
		typed.Callbacks = callbacks
		return typed
	default:
		return job
	}
}

func startFakeBackend() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/messages/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"转型管理岗", "需要这些准备：", "带人经验与项目视角。"} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	})

	mux.HandleFunc("POST /api/users/{userId}/documents", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":"文档上传成功","document":{"id":1,"fileName":"resume.md","documentType":"resume"}}`)
	})

	mux.HandleFunc("POST /api/pdf/extract", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"text":"提取的PDF文本"}`)
	})

	return httptest.NewServer(mux)
}

func percentile(sorted []float64, quantile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if quantile >= 1 {
		return round2(sorted[len(sorted)-1])
	}
	position := quantile * float64(len(sorted)-1)
	lower := int(math.Floor(position))
	upper := int(math.Ceil(position))
	if lower == upper {
		return round2(sorted[lower])
	}
	weight := position - float64(lower)
	return round2(sorted[lower]*(1-weight) + sorted[upper]*weight)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
