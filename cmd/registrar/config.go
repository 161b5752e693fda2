package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/registrar/internal/registration"
	"github.com/spf13/viper"
)

type smtpConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type config struct {
	Addr string `mapstructure:"addr"`
	Port int    `mapstructure:"port"`

	LedgerDSN       string `mapstructure:"ledger_dsn"`
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	ExternalTableID int64  `mapstructure:"external_table_id"`
	SheetsBaseURL   string `mapstructure:"sheets_base_url"`
	CredentialsFile string `mapstructure:"credentials_file"`
	QueueDSN        string `mapstructure:"queue_dsn"`

	Revision        int           `mapstructure:"revision"`
	DedupPolicy     string        `mapstructure:"dedup_policy"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	OutcomeTTL      time.Duration `mapstructure:"outcome_ttl"`

	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	EventName       string        `mapstructure:"event_name"`

	SMTP smtpConfig `mapstructure:"smtp"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "")
	v.SetDefault("port", 8000)
	v.SetDefault("ledger_dsn", "")
	v.SetDefault("spreadsheet_id", "")
	v.SetDefault("external_table_id", registration.DefaultExternalTableID)
	v.SetDefault("sheets_base_url", "")
	v.SetDefault("credentials_file", "credentials.json")
	v.SetDefault("queue_dsn", "")
	v.SetDefault("revision", int(registration.RevisionV1))
	v.SetDefault("dedup_policy", string(registration.DuplicateCheckOpen))
	v.SetDefault("process_timeout", registration.DefaultProcessTimeout)
	v.SetDefault("max_attempts", 1)
	v.SetDefault("retry_base_delay", registration.DefaultRetryBaseDelay)
	v.SetDefault("retry_max_delay", registration.DefaultRetryMaxDelay)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("outcome_ttl", registration.DefaultOutcomeTTL)
	v.SetDefault("rate_limit_max", 0)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("max_body_bytes", int64(1<<20))
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("event_name", "Event")
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// newViper reads REGISTRAR_* variables. PORT is honored as an alias so the
// service runs unchanged on platforms that inject it.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("REGISTRAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "REGISTRAR_PORT", "PORT")
	return v
}

func loadConfig(v *viper.Viper, configFile string) (config, error) {
	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated
// string, which is how the origins arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c config) listenAddr() string {
	if addr := strings.TrimSpace(c.Addr); addr != "" {
		return addr
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// ledgerDSN falls back to the Sheets ledger of the configured spreadsheet.
func (c config) ledgerDSN() (string, error) {
	if dsn := strings.TrimSpace(c.LedgerDSN); dsn != "" {
		return dsn, nil
	}
	if id := strings.TrimSpace(c.SpreadsheetID); id != "" {
		return "sheets://" + id, nil
	}
	return "", fmt.Errorf("%w: ledger_dsn or spreadsheet_id is required", registration.ErrInvalidInput)
}

func (c config) usesSheets() bool {
	dsn, err := c.ledgerDSN()
	if err != nil {
		return false
	}
	return strings.HasPrefix(dsn, "sheets://") || strings.HasPrefix(dsn, "gsheets://")
}

func (c config) tableLayout() registration.TableLayout {
	layout := registration.DefaultTableLayout()
	if c.ExternalTableID != 0 {
		layout.ExternalID = c.ExternalTableID
	}
	return layout
}

func (c config) smtp() registration.SMTPConfig {
	return registration.SMTPConfig{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		Timeout:  c.SMTP.Timeout,
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
