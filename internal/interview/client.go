// Package interview drives the multi-round interview: a thin client for the
// evaluation API and the round flow that gates proctoring.
package interview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/logger"
)

const contentType = "application/json"

// DefaultRoles is used when the API cannot list roles.
var DefaultRoles = []string{"SDE 1", "AI Engineer", "Backend Developer"}

// Response statuses.
const (
	StatusRejected = "REJECTED"
	StatusComplete = "COMPLETE"
	StatusContinue = "CONTINUE"
	StatusOngoing  = "ONGOING" // some backends say ONGOING for CONTINUE
)

// Question is a round question. The API sends either a string or a list of
// strings; a list is joined one per line.
type Question string

func (q *Question) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*q = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*q = Question(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("question: %w", err)
	}
	*q = Question(strings.Join(list, "\n"))
	return nil
}

// RoundResult is the reply to /start and /round/:id/answer.
type RoundResult struct {
	Round     int      `json:"round,omitempty"`
	Status    string   `json:"status"`
	Verdict   string   `json:"verdict"`
	Decision  string   `json:"decision"`
	NextRound int      `json:"next_round,omitempty"`
	Question  Question `json:"question,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// FinalDecision is the reply to /final-decision.
type FinalDecision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
	Status    string `json:"status"`
}

// Client talks to the interview API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for baseURL (e.g. http://localhost:8000/api).
func NewClient(baseURL string, timeout time.Duration, l *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger.OrNop(l).Named("interview-api"),
	}
}

// Roles lists the roles a candidate can apply for, falling back to
// DefaultRoles when the API is unreachable or returns nothing usable.
func (c *Client) Roles(ctx context.Context) []string {
	var resp struct {
		Roles []string `json:"roles"`
	}
	if err := c.do(ctx, http.MethodGet, "/roles", nil, &resp); err != nil {
		c.logger.Warn("list roles failed, using defaults", zap.Error(err))
		return append([]string(nil), DefaultRoles...)
	}
	if len(resp.Roles) == 0 {
		return append([]string(nil), DefaultRoles...)
	}
	return resp.Roles
}

// Reset clears backend interview state.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reset", nil, nil)
}

// Start submits the resume for screening.
func (c *Client) Start(ctx context.Context, resume, role string) (*RoundResult, error) {
	body := map[string]string{"resume": resume, "role": role}
	var out RoundResult
	if err := c.do(ctx, http.MethodPost, "/start", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Answer submits the answer for round.
func (c *Client) Answer(ctx context.Context, round int, answer string) (*RoundResult, error) {
	body := map[string]string{"answer": answer}
	var out RoundResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/round/%d/answer", round), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FinalDecision fetches the hiring committee's decision.
func (c *Client) FinalDecision(ctx context.Context) (*FinalDecision, error) {
	var out FinalDecision
	if err := c.do(ctx, http.MethodGet, "/final-decision", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", contentType)
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}

	c.logger.Debug("make request", zap.String("method", method), zap.String("url", req.URL.String()))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(resp.StatusCode, data)}
		c.logger.Warn("interview api error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", logger.Truncate(apiErr.Detail, 200)))
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// errorDetail pulls {"detail": ...} out of an error body. FastAPI sends
// either a string or a list of validation objects.
func errorDetail(status int, body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Detail) > 0 {
		var s string
		if json.Unmarshal(parsed.Detail, &s) == nil && s != "" {
			return s
		}
		if string(parsed.Detail) != "null" {
			return string(parsed.Detail)
		}
	}
	if status == http.StatusTooManyRequests {
		return RateLimitMessage
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 {
		return text
	}
	return http.StatusText(status)
}
