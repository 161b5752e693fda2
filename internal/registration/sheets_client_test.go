package registration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSheets serves the subset of the Sheets v4 API the client uses.
type fakeSheets struct {
	mu            sync.Mutex
	spreadsheetID string
	sheets        []SheetProperties
	values        map[string][][]any
	appends       atomic.Int32
	reads         atomic.Int32
	failReads     int
	failAppends   bool
	status        int
	lastAuth      string
	inputOptions  []string
}

func newFakeSheets(sheets ...SheetProperties) *fakeSheets {
	return &fakeSheets{
		spreadsheetID: "sheet_abc",
		sheets:        sheets,
		values:        map[string][][]any{},
	}
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastAuth = r.Header.Get("Authorization")
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": "denied", "status": "PERMISSION_DENIED"}})
		return
	}

	prefix := "/v4/spreadsheets/" + f.spreadsheetID
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == "" {
		payload := map[string]any{}
		sheets := []map[string]any{}
		for _, sheet := range f.sheets {
			sheets = append(sheets, map[string]any{"properties": sheet})
		}
		payload["sheets"] = sheets
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	if !strings.HasPrefix(rest, "/values/") {
		http.NotFound(w, r)
		return
	}
	rng := strings.TrimPrefix(rest, "/values/")
	if strings.HasSuffix(rng, ":append") && r.Method == http.MethodPost {
		f.appends.Add(1)
		if f.failAppends {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Values [][]any `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		title := sheetTitleFromRange(strings.TrimSuffix(rng, ":append"))
		f.mu.Lock()
		f.inputOptions = append(f.inputOptions, r.URL.Query().Get("valueInputOption"))
		f.values[title] = append(f.values[title], body.Values...)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"spreadsheetId": f.spreadsheetID})
		return
	}

	if int(f.reads.Add(1)) <= f.failReads {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	title := sheetTitleFromRange(rng)
	f.mu.Lock()
	rows := f.values[title]
	if strings.HasSuffix(rng, "!1:1") && len(rows) > 1 {
		rows = rows[:1]
	}
	payload := map[string]any{"range": rng, "majorDimension": "ROWS"}
	if len(rows) > 0 {
		payload["values"] = rows
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeSheets) rows(title string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[title]
}

func (f *fakeSheets) valueInputOptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputOptions...)
}

func (f *fakeSheets) auth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func sheetTitleFromRange(rng string) string {
	if idx := strings.LastIndex(rng, "'!"); idx > 0 {
		rng = rng[:idx+1]
	}
	rng = strings.TrimSuffix(strings.TrimPrefix(rng, "'"), "'")
	return strings.ReplaceAll(rng, "''", "'")
}

func staticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

func newTestSheetsStore(t *testing.T, fake *fakeSheets) *SheetsStore {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	store, err := NewSheetsStore(SheetsStoreOptions{
		SpreadsheetID: fake.spreadsheetID,
		BaseURL:       server.URL,
		TokenProvider: staticToken("tok_123"),
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sheets store failed: %v", err)
	}
	return store
}

func TestSheetsStoreWritesThroughAPI(t *testing.T) {
	fake := newFakeSheets(
		SheetProperties{SheetID: 0, Title: "Internal", Index: 0},
		SheetProperties{SheetID: DefaultExternalTableID, Title: "Bob's External", Index: 1},
	)
	store := newTestSheetsStore(t, fake)
	writer := NewWriter(WriterOptions{Store: store, Clock: fixedClock})

	result := writer.Write(context.Background(), externalSubmission("EXT001", "T1"))
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	rows := fake.rows("Bob's External")
	if len(rows) != 2 {
		t.Fatalf("expected header and row on external sheet, got %+v", rows)
	}
	if rows[0][0] != "Name" || rows[1][0] != "Jane Smith" {
		t.Fatalf("unexpected sheet contents %+v", rows)
	}
	if auth := fake.auth(); auth != "Bearer tok_123" {
		t.Fatalf("expected bearer token, got %q", auth)
	}

	dup := writer.Write(context.Background(), externalSubmission("EXT001", "T1"))
	if !errors.Is(dup.Err, ErrDuplicate) {
		t.Fatalf("expected duplicate from sheet contents, got %+v", dup)
	}
	if got := fake.appends.Load(); got != 2 {
		t.Fatalf("expected two appends in total, got %d", got)
	}
	for _, option := range fake.valueInputOptions() {
		if option != "RAW" {
			t.Fatalf("expected RAW value input, got %q", option)
		}
	}
}

func TestSheetsStoreKeepsFormulaLikeValuesAsText(t *testing.T) {
	fake := newFakeSheets(SheetProperties{SheetID: 0, Title: "Internal"})
	store := newTestSheetsStore(t, fake)
	writer := NewWriter(WriterOptions{Store: store, Clock: fixedClock})

	sub := internalSubmission("REG1", "R1")
	sub.Name = "=HYPERLINK(\"http://evil.example\")"
	result := writer.Write(context.Background(), sub)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	rows := fake.rows("Internal")
	if len(rows) != 2 || rows[1][0] != sub.Name {
		t.Fatalf("expected name stored verbatim, got %+v", rows)
	}
	if got := fake.valueInputOptions(); len(got) != 2 || got[1] != "RAW" {
		t.Fatalf("expected RAW appends, got %v", got)
	}
}

func TestSheetsClientRetriesReads(t *testing.T) {
	fake := newFakeSheets(SheetProperties{SheetID: 0, Title: "Internal"})
	fake.values["Internal"] = [][]any{{"Name", "Year of Study"}, {"Jane", 2}}
	fake.failReads = 2
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewSheetsClient(SheetsClientOptions{
		SpreadsheetID: fake.spreadsheetID,
		BaseURL:       server.URL,
		TokenProvider: staticToken("tok"),
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
	})
	rows, err := client.Values(context.Background(), quoteSheetTitle("Internal"))
	if err != nil {
		t.Fatalf("values failed: %v", err)
	}
	if got := fake.reads.Load(); got != 3 {
		t.Fatalf("expected 3 read attempts, got %d", got)
	}
	if len(rows) != 2 || rows[1][1] != "2" {
		t.Fatalf("expected numeric cell as string, got %+v", rows)
	}
}

func TestSheetsClientDoesNotRetryAppend(t *testing.T) {
	fake := newFakeSheets(SheetProperties{SheetID: 0, Title: "Internal"})
	fake.failAppends = true
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewSheetsClient(SheetsClientOptions{
		SpreadsheetID: fake.spreadsheetID,
		BaseURL:       server.URL,
		TokenProvider: staticToken("tok"),
		MaxRetries:    5,
		BaseDelay:     time.Millisecond,
	})
	err := client.Append(context.Background(), quoteSheetTitle("Internal")+"!A1", [][]string{{"Jane"}})
	var apiErr *SheetsAPIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 api error, got %v", err)
	}
	if got := fake.appends.Load(); got != 1 {
		t.Fatalf("expected exactly one append attempt, got %d", got)
	}
}

func TestSheetsStoreOpenReportsAuthFailures(t *testing.T) {
	fake := newFakeSheets(SheetProperties{SheetID: 0, Title: "Internal"})
	fake.status = http.StatusForbidden
	store := newTestSheetsStore(t, fake)
	if _, err := store.Open(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for 403, got %v", err)
	}

	failing, err := NewSheetsStore(SheetsStoreOptions{
		SpreadsheetID: "sheet_abc",
		BaseURL:       "http://127.0.0.1:0",
		TokenProvider: func(context.Context) (string, error) { return "", errors.New("key revoked") },
	})
	if err != nil {
		t.Fatalf("new sheets store failed: %v", err)
	}
	if _, err := failing.Open(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for token failure, got %v", err)
	}
	if _, err := NewSheetsStore(SheetsStoreOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without spreadsheet id, got %v", err)
	}
}

func TestSheetsAPIErrorClassification(t *testing.T) {
	if !errors.Is(&SheetsAPIError{StatusCode: http.StatusUnauthorized}, ErrAuth) {
		t.Fatalf("expected 401 to classify as auth")
	}
	if !errors.Is(&SheetsAPIError{StatusCode: http.StatusNotFound}, ErrTableNotFound) {
		t.Fatalf("expected 404 to classify as table not found")
	}
	if errors.Is(&SheetsAPIError{StatusCode: http.StatusInternalServerError}, ErrAuth) {
		t.Fatalf("expected 500 not to classify as auth")
	}
}

func TestSheetsRetryDelay(t *testing.T) {
	client := NewSheetsClient(SheetsClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
	if got := parseRetryAfterSeconds("soon"); got != 0 {
		t.Fatalf("expected invalid Retry-After to be ignored, got %s", got)
	}
}

func TestQuoteSheetTitle(t *testing.T) {
	if got := quoteSheetTitle("Bob's Sheet"); got != "'Bob''s Sheet'" {
		t.Fatalf("unexpected quoted title %q", got)
	}
}
