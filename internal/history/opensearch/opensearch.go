// Package opensearch indexes lifecycle events into OpenSearch (or
// Elasticsearch) through the document REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/blockvisor/internal/history"
)

// document is the flat shape stored per event, keyed for per-server queries.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Server    string            `json:"server"`
	Event     history.EventType `json:"event"`
	PID       int               `json:"pid,omitempty"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	UptimeMS  int64             `json:"uptime_ms,omitempty"`
}

func newDocument(e history.Event) document {
	d := document{
		Timestamp: e.OccurredAt.UTC(),
		Server:    e.Record.Name,
		Event:     e.Type,
		PID:       e.Record.PID,
		Status:    e.Record.Status,
		Error:     e.Record.Error,
	}
	if !e.Record.StartedAt.IsZero() {
		started := e.Record.StartedAt.UTC()
		d.StartedAt = &started
		if e.Type != history.EventStart && e.OccurredAt.After(started) {
			d.UptimeMS = e.OccurredAt.Sub(started).Milliseconds()
		}
	}
	return d
}

// documentID makes a redelivered event overwrite its first copy.
func documentID(e history.Event) string {
	return fmt.Sprintf("%s-%d-%s-%d", e.Record.Name, e.Record.PID, e.Type, e.OccurredAt.UnixNano())
}

// Sink writes every event to baseURL/index/_doc/<id>.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(newDocument(e))
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.index), url.PathEscape(documentID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch index %s: %w", s.index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
