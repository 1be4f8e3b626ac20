// Package jobber talks to the external job-runner executing long-running HR
// work (payroll runs, batch calculations, PDF generation). Submission is
// fire-and-forget with an HTTP callback; the callback router in this package
// correlates results back to live sessions.
package jobber

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pinnokio/backend/internal/circuitbreaker"
)

const (
	submitTimeout = 30 * time.Second
	statusTimeout = 10 * time.Second
	healthTimeout = 5 * time.Second
)

// Job states as they appear in submit results and callbacks.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateNotFound  = "not_found"
)

// defaultEstimateSeconds is reported to the frontend when the Jobber accepts
// a job without its own estimate.
const defaultEstimateSeconds = 30

// Client submits jobs to the Jobber over HTTP.
type Client struct {
	baseURL      string
	apiKey       string
	listenerBase string
	http         *http.Client
	breaker      *circuitbreaker.CircuitBreaker
}

// NewClient builds a Jobber client. listenerBase is the public base URL of
// this process; the Jobber calls back on {listenerBase}/hr/callback.
func NewClient(baseURL, apiKey, listenerBase string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *Client {
	if timeout <= 0 {
		timeout = submitTimeout
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		listenerBase: listenerBase,
		http:         &http.Client{Timeout: timeout},
		breaker:      breaker,
	}
}

// SubmitResult is the uniform envelope for job submissions. A transport
// failure is a "failed" result, not a Go error: the caller always gets a
// job_id it can show the user.
type SubmitResult struct {
	JobID                string                 `json:"job_id"`
	Status               string                 `json:"status"`
	EstimatedTimeSeconds int                    `json:"estimated_time_seconds,omitempty"`
	Result               map[string]interface{} `json:"result,omitempty"`
	Error                string                 `json:"error,omitempty"`
}

// Correlation identifies the originating user and session. It is echoed
// byte-for-byte by the Jobber in the callback; that echo is the only thing
// that survives a Jobber restart, so all routing state rides in it.
type Correlation struct {
	JobID       string `json:"job_id"`
	JobType     string `json:"job_type"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	MandatePath string `json:"mandate_path"`
}

// newJobID generates an opaque local job id with a type prefix.
func newJobID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

// SubmitPayrollCalculate runs a single-period payroll calculation.
func (c *Client) SubmitPayrollCalculate(ctx context.Context, corr Correlation, companyID, employeeID string, year, month int) *SubmitResult {
	corr.JobID = newJobID("payroll")
	corr.JobType = "payroll_calculate"
	return c.submit(ctx, "/jobs/payroll/calculate", corr, map[string]interface{}{
		"company_id":  companyID,
		"employee_id": employeeID,
		"year":        year,
		"month":       month,
	})
}

// SubmitPayrollBatch runs payroll for every active employee of a company.
func (c *Client) SubmitPayrollBatch(ctx context.Context, corr Correlation, companyID string, year, month int) *SubmitResult {
	corr.JobID = newJobID("payroll_batch")
	corr.JobType = "payroll_batch"
	return c.submit(ctx, "/jobs/payroll/batch", corr, map[string]interface{}{
		"company_id": companyID,
		"year":       year,
		"month":      month,
	})
}

// SubmitPDF generates a payslip or report PDF.
func (c *Client) SubmitPDF(ctx context.Context, corr Correlation, documentType string, params map[string]interface{}) *SubmitResult {
	corr.JobID = newJobID("pdf")
	corr.JobType = "pdf_generate"
	payload := map[string]interface{}{"document_type": documentType}
	for k, v := range params {
		payload[k] = v
	}
	return c.submit(ctx, "/jobs/pdf", corr, payload)
}

// submit POSTs the job. The correlation payload is embedded whole so the
// Jobber can echo it back without understanding it.
func (c *Client) submit(ctx context.Context, path string, corr Correlation, domain map[string]interface{}) *SubmitResult {
	body := map[string]interface{}{
		"correlation":  corr,
		"callback_url": c.listenerBase + "/hr/callback",
		"params":       domain,
	}

	failed := func(err error) *SubmitResult {
		slog.Error("[Jobber] Submission failed", "job_id", corr.JobID, "job_type", corr.JobType, "error", err)
		return &SubmitResult{JobID: corr.JobID, Status: StateFailed, Error: err.Error()}
	}

	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return failed(err)
		}
	}

	var status int
	var respBody []byte
	op := func() error {
		var err error
		status, respBody, err = c.do(ctx, http.MethodPost, path, body, submitTimeout)
		if err != nil {
			return err
		}
		// Retry transient server-side failures; anything else is terminal.
		if status >= 500 {
			return fmt.Errorf("jobber returned %d", status)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))

	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return failed(err)
	}

	switch status {
	case http.StatusAccepted:
		est := defaultEstimateSeconds
		var ack struct {
			EstimatedTimeSeconds int `json:"estimated_time_seconds"`
		}
		if json.Unmarshal(respBody, &ack) == nil && ack.EstimatedTimeSeconds > 0 {
			est = ack.EstimatedTimeSeconds
		}
		slog.Info("[Jobber] Job accepted", "job_id", corr.JobID, "job_type", corr.JobType)
		return &SubmitResult{JobID: corr.JobID, Status: StatePending, EstimatedTimeSeconds: est}
	case http.StatusOK:
		var result map[string]interface{}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return failed(fmt.Errorf("jobber returned malformed result: %w", err))
		}
		slog.Info("[Jobber] Job completed synchronously", "job_id", corr.JobID)
		return &SubmitResult{JobID: corr.JobID, Status: StateCompleted, Result: result}
	default:
		return failed(fmt.Errorf("jobber returned %d: %s", status, truncate(respBody, 200)))
	}
}

// JobStatus polls the Jobber for a job's current state. A 404 is a valid
// answer (the Jobber may have restarted), not an error.
func (c *Client) JobStatus(ctx context.Context, jobID string) (map[string]interface{}, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, statusTimeout)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return map[string]interface{}{"job_id": jobID, "status": StateNotFound}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("jobber status returned %d", status)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed status body: %w", err)
	}
	return out, nil
}

// CheckHealth reports Jobber liveness. It never returns an error: a dead
// Jobber is a health answer, not a failure.
func (c *Client) CheckHealth(ctx context.Context) map[string]interface{} {
	start := time.Now()
	status, _, err := c.do(ctx, http.MethodGet, "/health", nil, healthTimeout)
	latency := time.Since(start).Milliseconds()
	if err != nil || status != http.StatusOK {
		reason := fmt.Sprintf("status %d", status)
		if err != nil {
			reason = err.Error()
		}
		return map[string]interface{}{"healthy": false, "error": reason, "latency_ms": latency}
	}
	return map[string]interface{}{"healthy": true, "latency_ms": latency}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
