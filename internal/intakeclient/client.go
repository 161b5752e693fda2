package intakeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/registrar/internal/registration"
)

var ErrNotFound = errors.New("not found")

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HTTPError is a non-2xx reply from the intake API.
type HTTPError struct {
	StatusCode int
	Label      string
	Message    string
	Fields     []FieldError
}

func (e *HTTPError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Label, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case registration.ErrValidation:
		return e.StatusCode == http.StatusBadRequest
	case registration.ErrQueueClosed:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Receipt is the data block of an accepted registration.
type Receipt struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RegNo       string `json:"reg_no"`
	CollegeName string `json:"college_name,omitempty"`
	Type        string `json:"type"`
	QueuedAt    string `json:"queued_at"`
}

type QueueStatus struct {
	QueueSize    int    `json:"queue_size"`
	WorkerActive bool   `json:"worker_active"`
	Timestamp    string `json:"timestamp"`
}

// ImportResult reports one record of a bulk import. Index is the record's
// position in the input.
type ImportResult struct {
	Index   int
	Receipt Receipt
	Err     error
}

// Client talks to a running registrar over HTTP. Registrations are only
// resent when the server reports they were not queued (429 and 503).
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Register(ctx context.Context, sub registration.Submission) (Receipt, error) {
	kind, err := registration.ParseKind(string(sub.Kind))
	if err != nil {
		return Receipt{}, err
	}
	var resp struct {
		Data Receipt `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/register/"+string(kind), intakePayload(sub), false, &resp); err != nil {
		return Receipt{}, err
	}
	return resp.Data, nil
}

// Import registers each record in order and keeps going past failures.
func (c *Client) Import(ctx context.Context, subs []registration.Submission) []ImportResult {
	results := make([]ImportResult, 0, len(subs))
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			results = append(results, ImportResult{Index: i, Err: err})
			continue
		}
		receipt, err := c.Register(ctx, sub)
		results = append(results, ImportResult{Index: i, Receipt: receipt, Err: err})
	}
	return results
}

func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var status QueueStatus
	err := c.doJSON(ctx, http.MethodGet, "/queue/status", nil, true, &status)
	return status, err
}

func (c *Client) Outcome(ctx context.Context, id string) (registration.Outcome, error) {
	var outcome registration.Outcome
	err := c.doJSON(ctx, http.MethodGet, "/registrations/"+url.PathEscape(strings.TrimSpace(id)), nil, true, &outcome)
	return outcome, err
}

// LoadRecords reads a JSON array of registrations using the intake field
// names. kind is applied to records that carry no "type" of their own.
func LoadRecords(path string, kind registration.Kind) ([]registration.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var subs []registration.Submission
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i := range subs {
		if strings.TrimSpace(string(subs[i].Kind)) == "" {
			subs[i].Kind = kind
		}
	}
	return subs, nil
}

func intakePayload(sub registration.Submission) map[string]string {
	payload := map[string]string{
		"name":          sub.Name,
		"reg_no":        sub.RegNo,
		"year_of_study": sub.YearOfStudy,
		"recipt_no":     sub.ReceiptNo,
	}
	if sub.Kind == registration.KindExternal {
		payload["dept_name"] = sub.DeptName
		payload["college_name"] = sub.CollegeName
	} else {
		payload["division"] = sub.Division
	}
	if sub.Email != "" {
		payload["email"] = sub.Email
	}
	if sub.PhoneNumber != "" {
		payload["phone_number"] = sub.PhoneNumber
	}
	return payload
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, idempotent bool, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if c.shouldRetry(resp.StatusCode, idempotent) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error   string       `json:"error"`
			Message string       `json:"message"`
			Fields  []FieldError `json:"fields"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Label:      errPayload.Error,
			Message:    errPayload.Message,
			Fields:     errPayload.Fields,
		}
	}
}

func (c *Client) shouldRetry(status int, idempotent bool) bool {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return true
	}
	return idempotent && status >= 500 && status <= 599
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
