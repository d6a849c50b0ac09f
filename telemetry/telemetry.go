// Package telemetry provides tracing and task event export.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/taskdispatch/tasks"
)

// Exporter ships task status events off-process. Every exporter satisfies
// the dispatch loop's event publisher contract.
type Exporter interface {
	// PublishEvent records one persisted status change.
	PublishEvent(ctx context.Context, ev tasks.Event) error
	// Flush sends any buffered data.
	Flush() error
	// Close flushes and releases resources.
	Close() error
}

// NewExporter creates an exporter based on protocol: "http" posts batches
// to endpoint, "file" appends JSON lines to the path in endpoint, "noop"
// or empty discards.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("http exporter requires an endpoint")
		}
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", protocol)
	}
}

// --- HTTP Exporter ---

const httpBatchSize = 100

// HTTPExporter posts task events to an HTTP endpoint in JSON batches.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	buffer   []tasks.Event
	mu       sync.Mutex
}

// NewHTTPExporter creates a new HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		buffer: make([]tasks.Event, 0, httpBatchSize),
	}
}

// PublishEvent buffers the event and posts the batch once it is full.
func (e *HTTPExporter) PublishEvent(ctx context.Context, ev tasks.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, ev)
	if len(e.buffer) >= httpBatchSize {
		return e.flush(ctx)
	}
	return nil
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush(context.Background())
}

func (e *HTTPExporter) flush(ctx context.Context) error {
	if len(e.buffer) == 0 {
		return nil
	}

	data, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends task events to a file as JSON lines.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter creates a new file exporter.
func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("file exporter requires a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) PublishEvent(_ context.Context, ev tasks.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.file.Write(data)
	return err
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	_ = e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all events.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) PublishEvent(context.Context, tasks.Event) error { return nil }
func (e *NoopExporter) Flush() error                                    { return nil }
func (e *NoopExporter) Close() error                                    { return nil }
