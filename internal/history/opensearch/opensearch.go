package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/history"
	"github.com/loykin/botrunner/internal/store"
)

// Sink indexes events into OpenSearch over its REST API. Events tied to an
// execution are written under a deterministic id "<execution>-<type>" so a
// retried Send overwrites instead of duplicating.
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

// document is the flattened form stored in the index; the nested execution
// keeps captured output searchable.
type document struct {
	Type        history.EventType `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	BotID       int64             `json:"bot_id"`
	JobID       string            `json:"job_id,omitempty"`
	ScheduleID  *int64            `json:"schedule_id,omitempty"`
	ExecutionID *int64            `json:"execution_id,omitempty"`
	Status      string            `json:"status,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	Execution   *store.Execution  `json:"execution,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{
		Type:        e.Type,
		OccurredAt:  e.OccurredAt.UTC(),
		BotID:       e.BotID,
		JobID:       e.JobID,
		ScheduleID:  e.ScheduleID,
		ExecutionID: e.ExecutionID(),
		Status:      e.Status(),
		ExitCode:    e.ExitCode(),
		Error:       e.ErrorText(),
		Execution:   e.Execution,
	})
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	method, target := http.MethodPost, s.baseURL+"/"+url.PathEscape(s.index)+"/_doc"
	if id := e.ExecutionID(); id != nil {
		method = http.MethodPut
		target += "/" + strconv.FormatInt(*id, 10) + "-" + string(e.Type)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build opensearch request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "opensearch request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close drops idle keep-alive connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
