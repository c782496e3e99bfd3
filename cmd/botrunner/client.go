package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/cron"
	"github.com/loykin/botrunner/internal/manager"
	"github.com/loykin/botrunner/internal/store"
)

// APIClient talks to a running botrunner daemon over its HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/jobs")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) RegisterBot(b store.Bot) (store.Bot, error) {
	var out store.Bot
	err := c.do(http.MethodPost, "/bots", b, &out)
	return out, err
}

func (c *APIClient) Bot(botID int64) (store.Bot, error) {
	var out store.Bot
	err := c.do(http.MethodGet, "/bots/"+id(botID), nil, &out)
	return out, err
}

func (c *APIClient) SetBotActive(botID int64, active bool) (store.Bot, error) {
	var out store.Bot
	err := c.do(http.MethodPost, "/bots/"+id(botID)+"/active", map[string]bool{"active": active}, &out)
	return out, err
}

// BotLog returns up to tail trailing bytes of the bot log; 0 uses the daemon default.
func (c *APIClient) BotLog(botID, tail int64) (string, error) {
	path := "/bots/" + id(botID) + "/logs"
	if tail > 0 {
		path += "?tail=" + id(tail)
	}
	var out struct {
		Content string `json:"content"`
	}
	err := c.do(http.MethodGet, path, nil, &out)
	return out.Content, err
}

func (c *APIClient) RunBot(botID, userID int64) (store.Execution, error) {
	path := "/bots/" + id(botID) + "/run"
	if userID != 0 {
		path += "?user_id=" + id(userID)
	}
	var out store.Execution
	err := c.do(http.MethodPost, path, nil, &out)
	return out, err
}

// KillBot returns the daemon's KillResult. A bot that is not running is
// reported through the result, not as an error.
func (c *APIClient) KillBot(botID int64) (manager.KillResult, error) {
	var out manager.KillResult
	err := c.do(http.MethodPost, "/bots/"+id(botID)+"/kill", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return out, nil
	}
	return out, err
}

func (c *APIClient) Executions(botID int64, limit int) ([]store.Execution, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/bots/" + id(botID) + "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []store.Execution
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *APIClient) Execution(execID int64) (store.Execution, error) {
	var out store.Execution
	err := c.do(http.MethodGet, "/executions/"+id(execID), nil, &out)
	return out, err
}

func (c *APIClient) Running() ([]int64, error) {
	var out struct {
		BotIDs []int64 `json:"bot_ids"`
	}
	err := c.do(http.MethodGet, "/running", nil, &out)
	return out.BotIDs, err
}

func (c *APIClient) Jobs() ([]cron.JobInfo, error) {
	var out []cron.JobInfo
	err := c.do(http.MethodGet, "/jobs", nil, &out)
	return out, err
}

func (c *APIClient) Schedules(activeOnly bool) ([]store.Schedule, error) {
	path := "/schedules"
	if activeOnly {
		path += "?active=true"
	}
	var out []store.Schedule
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *APIClient) SaveSchedule(sc store.Schedule) (store.Schedule, error) {
	var out store.Schedule
	err := c.do(http.MethodPost, "/schedules", sc, &out)
	return out, err
}

func (c *APIClient) DeleteSchedule(scheduleID int64) error {
	return c.do(http.MethodDelete, "/schedules/"+id(scheduleID), nil, nil)
}

func (c *APIClient) PauseSchedule(scheduleID int64) error {
	return c.do(http.MethodPost, "/schedules/"+id(scheduleID)+"/pause", nil, nil)
}

func (c *APIClient) ResumeSchedule(scheduleID int64) error {
	return c.do(http.MethodPost, "/schedules/"+id(scheduleID)+"/resume", nil, nil)
}

// do sends body as JSON and decodes a 2xx answer into out. Non-2xx answers
// are decoded from {"error": ...} into an *APIError; a decodable body is
// still written to out so callers can inspect it.
func (c *APIClient) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		var er struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil {
			switch {
			case er.Error != "":
				msg = er.Error
			case er.Message != "":
				msg = er.Message
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode response")
}

func id(v int64) string { return strconv.FormatInt(v, 10) }
