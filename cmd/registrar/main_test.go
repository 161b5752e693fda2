package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/registrar/internal/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscardLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.listenAddr())
	assert.Equal(t, int(registration.RevisionV1), cfg.Revision)
	assert.Equal(t, "open", cfg.DedupPolicy)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, registration.DefaultExternalTableID, cfg.tableLayout().ExternalID)
	assert.Equal(t, 587, cfg.SMTP.Port)

	_, err = cfg.ledgerDSN()
	assert.ErrorIs(t, err, registration.ErrInvalidInput)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("REGISTRAR_SPREADSHEET_ID", "sheet-123")
	t.Setenv("REGISTRAR_REVISION", "2")
	t.Setenv("REGISTRAR_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REGISTRAR_PROCESS_TIMEOUT", "5s")
	t.Setenv("REGISTRAR_SMTP_HOST", "smtp.example.com")

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.listenAddr())
	assert.Equal(t, 2, cfg.Revision)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, "smtp.example.com", cfg.smtp().Host)

	dsn, err := cfg.ledgerDSN()
	require.NoError(t, err)
	assert.Equal(t, "sheets://sheet-123", dsn)
	assert.True(t, cfg.usesSheets())
}

func TestLoadConfigPrefixedPortWins(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("REGISTRAR_PORT", "9200")

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registrar.yaml")
	data := "ledger_dsn: memory://\naddr: 127.0.0.1:7000\nsmtp:\n  from: events@example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.listenAddr())
	assert.Equal(t, "events@example.com", cfg.SMTP.From)
	assert.False(t, cfg.usesSheets())

	_, err = loadConfig(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "k=v")

	_, err = newLogger(io.Discard, "loud", "json")
	assert.Error(t, err)
	_, err = newLogger(io.Discard, "info", "xml")
	assert.Error(t, err)
}

func TestBuildAppRejectsBadPolicy(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	cfg.LedgerDSN = "memory://"
	cfg.DedupPolicy = "sometimes"

	_, err = buildApp(cfg, newDiscardLogger(t))
	assert.ErrorIs(t, err, registration.ErrInvalidInput)
}

func TestAppServesAndImports(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	cfg.LedgerDSN = "memory://"

	a, err := buildApp(cfg, newDiscardLogger(t))
	require.NoError(t, err)
	require.Nil(t, a.credentials)
	a.pipeline.Start()
	server := httptest.NewServer(a.server)
	defer server.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.pipeline.Shutdown(ctx)
	}()

	file := filepath.Join(t.TempDir(), "regs.json")
	records := `[
		{"name":"John Doe","reg_no":"REG1","division":"A","year_of_study":"3","recipt_no":"R1"},
		{"name":"No Division","reg_no":"REG2","year_of_study":"3","recipt_no":"R2"}
	]`
	require.NoError(t, os.WriteFile(file, []byte(records), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"import", "--base-url", server.URL, "--file", file})
	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 registrations were not queued")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "queued")
	assert.Contains(t, lines[1], "error")

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--base-url", server.URL})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"worker_active": true`)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppRunDrainsOnCancel(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	cfg.LedgerDSN = "memory://"
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second

	a, err := buildApp(cfg, newDiscardLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool { return a.pipeline.Status().WorkerActive }, 2*time.Second, 10*time.Millisecond)
	_, err = a.pipeline.Submit(registration.Submission{
		Kind:        registration.KindInternal,
		Name:        "John Doe",
		RegNo:       "REG1",
		Division:    "A",
		YearOfStudy: "3",
		ReceiptNo:   "R1",
	}, nil)
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, a.pipeline.Status().WorkerActive)
	assert.Equal(t, 0, a.pipeline.Status().QueueSize)
}
