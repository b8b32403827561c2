// Package snapshot captures request and response payloads at pipeline stage
// boundaries. Captures are written off the critical path: a bounded queue
// feeds one writer goroutine, and records are dropped (never blocking the
// request) when the queue is full.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/observability"
)

// Phase labels a capture point in the pipeline.
type Phase string

// Capture phases.
const (
	PhaseClientRequest    Phase = "client-request"
	PhaseProviderRequest  Phase = "provider-request"
	PhaseProviderResponse Phase = "provider-response"
	PhaseProviderError    Phase = "provider-error"
	PhaseRepairFeedback   Phase = "repair-feedback"
	PhaseHTTPRequest      Phase = "http-request"
	PhaseHTTPResponse     Phase = "http-response"
)

// Retry marks a phase as a retry attempt: "provider-request.retry".
func (p Phase) Retry() Phase { return p + ".retry" }

// queueSize bounds the in-flight capture buffer. It is allocated once at
// startup and drained at shutdown.
const queueSize = 256

// Record is one capture.
type Record struct {
	Phase       Phase               `json:"phase"`
	Endpoint    string              `json:"endpoint"`
	RequestID   string              `json:"requestId"`
	GroupID     string              `json:"clientRequestId,omitempty"`
	ProviderKey string              `json:"providerKey,omitempty"`
	URL         string              `json:"url,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Body        json.RawMessage     `json:"body,omitempty"`
	Text        string              `json:"text,omitempty"`
	Mode        string              `json:"mode,omitempty"`
	Attempt     int                 `json:"attempt,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Sink receives records and persists them under
// <dir>/<endpoint>/<providerKey>/<groupId>/<phase>.json.
type Sink struct {
	dir      string
	enabled  bool
	queue    chan Record
	logger   *observability.Logger
	uploader *S3Uploader

	closeOnce sync.Once
	done      chan struct{}
}

// NewSink creates the sink and starts its writer. A disabled sink accepts
// and discards records so call sites never branch.
func NewSink(dir string, enabled bool, uploader *S3Uploader, logger *observability.Logger) *Sink {
	s := &Sink{
		dir:      dir,
		enabled:  enabled,
		queue:    make(chan Record, queueSize),
		logger:   logger,
		uploader: uploader,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Capture enqueues a record. It never blocks; when the queue is full the
// record is dropped and counted in the log.
func (s *Sink) Capture(rec Record) {
	if !s.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Headers = observability.MaskHeaders(rec.Headers)

	select {
	case s.queue <- rec:
	default:
		s.logger.Debug("snapshot dropped, queue full",
			"phase", string(rec.Phase), "request_id", rec.RequestID)
	}
}

// Close drains pending records and stops the writer.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.queue {
		s.write(rec)
	}
}

// write persists one record. Failures are logged and swallowed: snapshots
// must never surface errors to the request path.
func (s *Sink) write(rec Record) {
	groupDir := filepath.Join(s.dir,
		sanitizeSegment(rec.Endpoint),
		sanitizeSegment(orDefault(rec.ProviderKey, "unrouted")),
		sanitizeSegment(orDefault(rec.GroupID, rec.RequestID)),
	)
	if err := os.MkdirAll(groupDir, 0o750); err != nil {
		s.logger.Debug("snapshot mkdir failed", "error", err)
		return
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Debug("snapshot marshal failed", "error", err)
		return
	}

	path, f, err := openExclusive(groupDir, string(rec.Phase))
	if err != nil {
		s.logger.Debug("snapshot open failed", "error", err)
		return
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		s.logger.Debug("snapshot write failed", "write_error", werr, "close_error", cerr)
		return
	}

	if s.uploader != nil {
		s.uploader.Enqueue(path, data)
	}
}

// openExclusive creates <stage>.json, appending -1, -2, ... when earlier
// attempts already produced the same stage for this group.
func openExclusive(dir, stage string) (string, *os.File, error) {
	for i := 0; ; i++ {
		name := stage + ".json"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.json", stage, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return path, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, err
		}
	}
}

func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
