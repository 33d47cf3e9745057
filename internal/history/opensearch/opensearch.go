// Package opensearch indexes supervisor lifecycle events into daily
// OpenSearch (or Elasticsearch) indices named <prefix>-YYYY.MM.DD.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/staffsync/internal/history"
)

// DefaultPrefix names the indices when the DSN carries none.
const DefaultPrefix = "staffsync-events"

// eventNamespace seeds deterministic document ids.
var eventNamespace = uuid.MustParse("3f1c9a52-7d0e-4b8a-9c61-2a5e8f7d4b10")

type Options struct {
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes each event with the create API under an id derived from its
// content, so a re-sent event is stored once.
type Sink struct {
	client  *http.Client
	baseURL string
	prefix  string
	opts    Options
}

func New(baseURL, prefix string, opts Options) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  prefix,
		opts:    opts,
	}
}

// Index returns the daily index an event occurring at t belongs to.
func (s *Sink) Index(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01.02")
}

// document is the indexed shape: @timestamp for dashboards, the event type
// as a keyword, everything else as-is.
type document struct {
	Timestamp    time.Time `json:"@timestamp"`
	Event        string    `json:"event"`
	Service      string    `json:"service,omitempty"`
	Critical     bool      `json:"critical"`
	Escalation   bool      `json:"escalation"`
	Health       string    `json:"health,omitempty"`
	Method       string    `json:"startup_method,omitempty"`
	Reason       string    `json:"shutdown_reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	RestartCount int       `json:"restart_count"`
	ErrorCount   int       `json:"error_count"`
	Error        string    `json:"error,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

func toDocument(e history.Event) document {
	return document{
		Timestamp:    e.OccurredAt.UTC(),
		Event:        string(e.Type),
		Service:      e.Service,
		Critical:     e.Critical,
		Escalation:   e.Type == history.EventServiceFailed || e.Type == history.EventCriticalFailure,
		Health:       e.Health,
		Method:       e.Method,
		Reason:       e.Reason,
		Actor:        e.Actor,
		RestartCount: e.RestartCount,
		ErrorCount:   e.ErrorCount,
		Error:        e.Error,
		Detail:       e.Detail,
	}
}

// DocumentID is stable for identical events.
func DocumentID(e history.Event) string {
	key := strings.Join([]string{
		string(e.Type),
		e.Service,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(e.RestartCount),
		strconv.Itoa(e.ErrorCount),
		e.Reason,
	}, "|")
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.baseURL, s.Index(e.OccurredAt), DocumentID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// already indexed by an earlier attempt
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s status %d: %s", s.Index(e.OccurredAt), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
