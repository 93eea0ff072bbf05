// Package forge implements the backend client for Forge and other
// A1111-compatible image generation servers running the task scheduler
// extension. The client is a stateless REST adapter: all job state lives in
// the queue store, and every method classifies failures into a retry class.
package forge

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

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

const (
	defaultTimeout = 30 * time.Second
	// Result payloads carry full images and can be slow to assemble.
	resultsTimeout = 120 * time.Second
)

// Client talks to a single backend. Instances are cheap; the dispatcher
// builds one per monitor via NewClientFactory.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	results  *http.Client
	logger   arbor.ILogger
}

// NewClient creates a client bound to one backend's connection data.
func NewClient(backend *models.Backend, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(backend.BaseURL, "/"),
		username: backend.Username,
		password: backend.Password,
		http:     &http.Client{Timeout: defaultTimeout},
		results:  &http.Client{Timeout: resultsTimeout},
		logger:   logger,
	}
}

// NewClientFactory returns the factory the dispatcher uses to build a client
// per backend.
func NewClientFactory(logger arbor.ILogger) interfaces.BackendClientFactory {
	return func(backend *models.Backend) interfaces.BackendClient {
		return NewClient(backend, logger)
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Detail string `json:"detail,omitempty"`
}

type progressResponse struct {
	Active      bool    `json:"active"`
	Queued      bool    `json:"queued"`
	Completed   bool    `json:"completed"`
	Progress    float64 `json:"progress"`
	LivePreview string  `json:"live_preview,omitempty"`
	State       struct {
		SamplingStep  int `json:"sampling_step"`
		SamplingSteps int `json:"sampling_steps"`
	} `json:"state"`
}

type resultsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    []struct {
		Image    string `json:"image"`
		InfoText string `json:"infotext,omitempty"`
	} `json:"data"`
}

// Submit posts the generation payload and returns the backend task handle.
func (c *Client) Submit(ctx context.Context, params *models.GenerationParams, appType string) (string, error) {
	route := fmt.Sprintf("%s/agent-scheduler/v2/queue/%s", c.baseURL, submitRoute(params))

	body, status, err := c.do(ctx, c.http, http.MethodPost, route, buildPayload(params))
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", backendErr(status, fmt.Sprintf("unparseable submit response: %v", err))
	}
	if resp.TaskID == "" {
		return "", backendErr(status, "submit response carried no task id")
	}
	return resp.TaskID, nil
}

// PollProgress fetches the current progress snapshot for a task.
func (c *Client) PollProgress(ctx context.Context, session string) (*interfaces.ProgressStatus, error) {
	route := c.baseURL + "/internal/progress"
	payload := map[string]interface{}{
		"id_task":      session,
		"live_preview": true,
	}

	body, status, err := c.do(ctx, c.http, http.MethodPost, route, payload)
	if err != nil {
		return nil, err
	}

	var resp progressResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, backendErr(status, fmt.Sprintf("unparseable progress response: %v", err))
	}

	result := &interfaces.ProgressStatus{
		Percent:     resp.Progress * 100,
		CurrentStep: resp.State.SamplingStep,
		TotalSteps:  resp.State.SamplingSteps,
		Active:      resp.Active || resp.Queued,
	}
	if resp.Completed {
		result.Active = false
		result.Percent = 100
	}
	if result.Percent < 0 {
		result.Percent = 0
	} else if result.Percent > 100 {
		result.Percent = 100
	}

	if resp.LivePreview != "" {
		raw, _, err := decodeImage(resp.LivePreview)
		if err != nil {
			c.logger.Debug().Err(err).Str("session", session).Msg("Discarding undecodable live preview")
		} else {
			result.PreviewBytes = raw
		}
	}

	return result, nil
}

// FetchResults retrieves the finished images and generation info for a task.
func (c *Client) FetchResults(ctx context.Context, session string) (*interfaces.GenerationResults, error) {
	route := fmt.Sprintf("%s/agent-scheduler/v2/results/%s", c.baseURL, url.PathEscape(session))

	body, status, err := c.do(ctx, c.results, http.MethodGet, route, nil)
	if err != nil {
		return nil, err
	}

	var resp resultsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, backendErr(status, fmt.Sprintf("unparseable results response: %v", err))
	}
	if !resp.Success {
		message := resp.Message
		if message == "" {
			message = "backend reported failed generation"
		}
		return nil, backendErr(status, message)
	}
	if len(resp.Data) == 0 {
		return nil, backendErr(status, "backend returned no images")
	}

	results := &interfaces.GenerationResults{}
	infos := make([]string, 0, len(resp.Data))
	for _, item := range resp.Data {
		raw, format, err := decodeImage(item.Image)
		if err != nil {
			return nil, backendErr(status, fmt.Sprintf("undecodable result image: %v", err))
		}
		results.Images = append(results.Images, raw)
		if results.ImageFormat == "" {
			results.ImageFormat = format
		}
		infos = append(infos, item.InfoText)
	}

	if blob, err := json.Marshal(map[string]interface{}{"infotexts": infos}); err == nil {
		results.InfoBlob = blob
	}

	return results, nil
}

// Cancel asks the backend to abandon a task. Best effort: not-found means the
// task already finished or was never registered, and is not an error.
func (c *Client) Cancel(ctx context.Context, session string) error {
	route := fmt.Sprintf("%s/agent-scheduler/v2/queue/%s", c.baseURL, url.PathEscape(session))

	_, status, err := c.do(ctx, c.http, http.MethodDelete, route, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

// do issues one request and maps the outcome onto the error classes. Returns
// the response body and status for 2xx responses.
func (c *Client) do(ctx context.Context, client *http.Client, method, route string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, badRequestErr(0, fmt.Sprintf("unencodable payload: %v", err))
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, route, reqBody)
	if err != nil {
		return nil, 0, transportErr(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, transportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, transportErr(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.StatusCode, nil
	}

	message := extractDetail(body)
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return nil, resp.StatusCode, busyErr(resp.StatusCode, message)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, resp.StatusCode, badRequestErr(resp.StatusCode, message)
	default:
		return nil, resp.StatusCode, backendErr(resp.StatusCode, message)
	}
}

// extractDetail pulls the human-readable message out of an error body.
// FastAPI-style servers use {"detail": ...}; fall back to the raw body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, candidate := range []string{parsed.Detail, parsed.Message, parsed.Error} {
			if candidate != "" {
				return candidate
			}
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		trimmed = "no error detail"
	}
	return trimmed
}
