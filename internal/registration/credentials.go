package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var SheetsScopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive",
}

// ServiceAccount is a Google service account key in its JSON file layout.
type ServiceAccount struct {
	Type                string `json:"type"`
	ProjectID           string `json:"project_id"`
	PrivateKeyID        string `json:"private_key_id"`
	PrivateKey          string `json:"private_key"`
	ClientEmail         string `json:"client_email"`
	ClientID            string `json:"client_id"`
	AuthURI             string `json:"auth_uri,omitempty"`
	TokenURI            string `json:"token_uri,omitempty"`
	AuthProviderCertURL string `json:"auth_provider_x509_cert_url,omitempty"`
	ClientCertURL       string `json:"client_x509_cert_url,omitempty"`
	UniverseDomain      string `json:"universe_domain,omitempty"`
}

// ServiceAccountFromEnv builds a key from GOOGLE_* variables. It reports
// false when GOOGLE_PROJECT_ID is unset. Escaped newlines in the private key
// are expanded.
func ServiceAccountFromEnv(lookup func(string) (string, bool)) (ServiceAccount, bool) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}
	if get("GOOGLE_PROJECT_ID") == "" {
		return ServiceAccount{}, false
	}
	accountType := get("GOOGLE_CREDENTIALS_TYPE")
	if accountType == "" {
		accountType = "service_account"
	}
	return ServiceAccount{
		Type:                accountType,
		ProjectID:           get("GOOGLE_PROJECT_ID"),
		PrivateKeyID:        get("GOOGLE_PRIVATE_KEY_ID"),
		PrivateKey:          strings.ReplaceAll(get("GOOGLE_PRIVATE_KEY"), `\n`, "\n"),
		ClientEmail:         get("GOOGLE_CLIENT_EMAIL"),
		ClientID:            get("GOOGLE_CLIENT_ID"),
		AuthURI:             get("GOOGLE_AUTH_URI"),
		TokenURI:            get("GOOGLE_TOKEN_URI"),
		AuthProviderCertURL: get("GOOGLE_AUTH_PROVIDER_X509_CERT_URL"),
		ClientCertURL:       get("GOOGLE_CLIENT_X509_CERT_URL"),
		UniverseDomain:      get("GOOGLE_UNIVERSE_DOMAIN"),
	}, true
}

func LoadServiceAccountFile(path string) (ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, err
	}
	var account ServiceAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return ServiceAccount{}, fmt.Errorf("decode credentials file: %w", err)
	}
	return account, nil
}

type CredentialsOptions struct {
	// File is read when the environment carries no service account.
	File      string
	LookupEnv func(string) (string, bool)
	Scopes    []string
	Logger    Logger
	Debounce  time.Duration

	// HTTPClient exchanges the signed assertion for a token. The default
	// client gives up after 30 seconds.
	HTTPClient *http.Client
}

// CredentialsSource turns a service account into Sheets access tokens.
// Environment credentials take precedence over the file and are never
// reloaded.
type CredentialsSource struct {
	file     string
	scopes   []string
	logger   Logger
	debounce time.Duration
	client   *http.Client

	mu      sync.RWMutex
	fromEnv bool
	account *ServiceAccount
	tokens  oauth2.TokenSource
	loadErr error
}

func NewCredentialsSource(opts CredentialsOptions) *CredentialsSource {
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = SheetsScopes
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &CredentialsSource{
		file:     strings.TrimSpace(opts.File),
		scopes:   append([]string(nil), scopes...),
		logger:   loggerOrNop(opts.Logger),
		debounce: debounce,
		client:   client,
	}
	if account, ok := ServiceAccountFromEnv(opts.LookupEnv); ok {
		c.fromEnv = true
		if err := c.install(account); err != nil {
			c.logger.Warn("environment credentials not usable", "error", err)
			return c
		}
		c.logger.Info("using environment variables for credentials", "client_email", account.ClientEmail)
		return c
	}
	if c.file == "" {
		c.loadErr = errors.New("no service account configured")
		return c
	}
	if err := c.Reload(); err != nil {
		c.logger.Warn("credentials file not loaded", "path", c.file, "error", err)
	} else {
		c.logger.Info("using credentials file", "path", c.file)
	}
	return c
}

// Reload re-reads the credentials file. It is a no-op for environment
// credentials.
func (c *CredentialsSource) Reload() error {
	if c.fromEnv || c.file == "" {
		return nil
	}
	account, err := LoadServiceAccountFile(c.file)
	if err != nil {
		c.mu.Lock()
		c.loadErr = err
		c.mu.Unlock()
		return err
	}
	return c.install(account)
}

func (c *CredentialsSource) install(account ServiceAccount) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	cfg, err := google.JWTConfigFromJSON(data, c.scopes...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.loadErr = fmt.Errorf("parse service account: %w", err)
		return c.loadErr
	}
	c.account = &account
	exchangeCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.client)
	c.tokens = oauth2.ReuseTokenSource(nil, cfg.TokenSource(exchangeCtx))
	c.loadErr = nil
	return nil
}

type tokenResult struct {
	token *oauth2.Token
	err   error
}

// Token satisfies TokenProvider. It returns when ctx is done even if the
// token exchange is still in flight; the exchange itself is bounded by the
// HTTP client timeout.
func (c *CredentialsSource) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tokens, loadErr := c.tokens, c.loadErr
	c.mu.RUnlock()
	if tokens == nil {
		if loadErr == nil {
			loadErr = errors.New("no service account configured")
		}
		return "", fmt.Errorf("%w: %v", ErrAuth, loadErr)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	done := make(chan tokenResult, 1)
	go func() {
		token, err := tokens.Token()
		done <- tokenResult{token: token, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuth, res.err)
		}
		return res.token.AccessToken, nil
	}
}

func (c *CredentialsSource) ClientEmail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return ""
	}
	return c.account.ClientEmail
}

// Watch reloads the credentials file whenever it is written or replaced,
// until ctx is done. Bursts of events are collapsed by the debounce window.
func (c *CredentialsSource) Watch(ctx context.Context) error {
	if c.fromEnv || c.file == "" {
		<-ctx.Done()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	dir := filepath.Dir(c.file)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	base := filepath.Base(c.file)

	var timer *time.Timer
	timerC := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(event.Name) != base {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.debounce)
		case <-timerC():
			timer = nil
			if err := c.Reload(); err != nil {
				c.logger.Warn("credentials reload failed", "path", c.file, "error", err)
				continue
			}
			c.logger.Info("credentials reloaded", "path", c.file, "client_email", c.ClientEmail())
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("credentials watcher error", "error", err)
		}
	}
}
