package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenProvider returns a bearer token for the Sheets API.
type TokenProvider func(ctx context.Context) (string, error)

type SheetsClientOptions struct {
	SpreadsheetID string
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// SheetsClient talks to the Google Sheets v4 REST API. Reads are retried on
// 429 and 5xx responses; appends are sent exactly once.
type SheetsClient struct {
	spreadsheetID string
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

type SheetProperties struct {
	SheetID int64  `json:"sheetId"`
	Title   string `json:"title"`
	Index   int    `json:"index"`
}

// SheetsAPIError is a non-2xx response from the Sheets API.
type SheetsAPIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *SheetsAPIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("sheets request failed: status=%d %s message=%s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("sheets request failed: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *SheetsAPIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrTableNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

func NewSheetsClient(opts SheetsClientOptions) *SheetsClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &SheetsClient{
		spreadsheetID: strings.TrimSpace(opts.SpreadsheetID),
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// Token resolves a bearer token. Failures are reported as ErrAuth.
func (c *SheetsClient) Token(ctx context.Context) (string, error) {
	if c.tokenProvider == nil {
		return "", fmt.Errorf("%w: sheets token provider is required", ErrAuth)
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: sheets token is empty", ErrAuth)
	}
	return token, nil
}

func (c *SheetsClient) Properties(ctx context.Context) ([]SheetProperties, error) {
	query := url.Values{"fields": []string{"sheets.properties(sheetId,title,index)"}}
	var payload struct {
		Sheets []struct {
			Properties SheetProperties `json:"properties"`
		} `json:"sheets"`
	}
	if err := c.do(ctx, http.MethodGet, c.spreadsheetPath("")+"?"+query.Encode(), nil, true, &payload); err != nil {
		return nil, err
	}
	out := make([]SheetProperties, 0, len(payload.Sheets))
	for _, sheet := range payload.Sheets {
		out = append(out, sheet.Properties)
	}
	return out, nil
}

// Values reads a range in A1 notation. Cells are returned as formatted
// strings.
func (c *SheetsClient) Values(ctx context.Context, a1Range string) ([][]string, error) {
	var payload struct {
		Values [][]any `json:"values"`
	}
	if err := c.do(ctx, http.MethodGet, c.spreadsheetPath("/values/"+url.PathEscape(a1Range)), nil, true, &payload); err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(payload.Values))
	for _, values := range payload.Values {
		row := make([]string, 0, len(values))
		for _, value := range values {
			if value == nil {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprint(value))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Append adds rows after the last row of the table in a1Range. Values are
// stored as sent, so a cell starting with "=" stays text. It is never
// retried: a lost response may still have written the rows.
func (c *SheetsClient) Append(ctx context.Context, a1Range string, rows [][]string) error {
	query := url.Values{
		"valueInputOption": []string{"RAW"},
		"insertDataOption": []string{"INSERT_ROWS"},
	}
	body := struct {
		Values [][]string `json:"values"`
	}{Values: rows}
	path := c.spreadsheetPath("/values/"+url.PathEscape(a1Range)+":append") + "?" + query.Encode()
	return c.do(ctx, http.MethodPost, path, body, false, nil)
}

func (c *SheetsClient) spreadsheetPath(suffix string) string {
	return "/v4/spreadsheets/" + url.PathEscape(c.spreadsheetID) + suffix
}

func (c *SheetsClient) do(ctx context.Context, method, path string, payload any, retry bool, out any) error {
	if c == nil {
		return fmt.Errorf("sheets client is nil")
	}
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	maxRetries := c.maxRetries
	if !retry {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		apiErr := &SheetsAPIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Error struct {
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Status = parsed.Error.Status
			if strings.TrimSpace(parsed.Error.Message) != "" {
				apiErr.Message = parsed.Error.Message
			}
		}
		return apiErr
	}
}

func (c *SheetsClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
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
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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

// quoteSheetTitle renders a title for use in an A1 range.
func quoteSheetTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}
