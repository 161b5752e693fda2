package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/agentworkforce/registrar/internal/intakeclient"
	"github.com/agentworkforce/registrar/internal/registration"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configFile string

	root := &cobra.Command{
		Use:          "registrar",
		Short:        "Asynchronous student registration service",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "log format (json or text)")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(
		newServeCmd(v, &configFile),
		newImportCmd(),
		newStatusCmd(),
	)
	return root
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept registrations over HTTP and write them to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, *configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			return runServe(cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "listen address (overrides --port)")
	flags.Int("port", 8000, "listen port")
	flags.String("ledger-dsn", "", "ledger DSN (sheets://, postgres://, redis://, file://, memory://)")
	flags.String("spreadsheet-id", "", "Google spreadsheet id used when no ledger DSN is set")
	flags.String("credentials-file", "credentials.json", "service account file used when GOOGLE_* variables are unset")
	flags.String("queue-dsn", "", "submission queue DSN (memory:// or file://)")
	flags.Int("revision", int(registration.RevisionV1), "submission schema revision (1 or 2)")
	flags.String("dedup-policy", string(registration.DuplicateCheckOpen), "behavior when the duplicate check cannot read the ledger (open or block)")
	flags.Int("max-attempts", 1, "attempts per submission for ledger failures")
	flags.StringSlice("allowed-origins", []string{"*"}, "allowed CORS origins")
	for flag, key := range map[string]string{
		"addr":             "addr",
		"port":             "port",
		"ledger-dsn":       "ledger_dsn",
		"spreadsheet-id":   "spreadsheet_id",
		"credentials-file": "credentials_file",
		"queue-dsn":        "queue_dsn",
		"revision":         "revision",
		"dedup-policy":     "dedup_policy",
		"max-attempts":     "max_attempts",
		"allowed-origins":  "allowed_origins",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		baseURL string
		file    string
		kind    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Submit registrations from a JSON file to a running registrar",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaultKind, err := registration.ParseKind(kind)
			if err != nil {
				return err
			}
			subs, err := intakeclient.LoadRecords(file, defaultKind)
			if err != nil {
				return err
			}
			client := intakeclient.New(baseURL, &http.Client{Timeout: timeout})
			results := client.Import(cmd.Context(), subs)
			failed := printImportResults(cmd.OutOrStdout(), results)
			if failed > 0 {
				return fmt.Errorf("%d of %d registrations were not queued", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", envOrDefault("REGISTRAR_BASE_URL", "http://127.0.0.1:8000"), "registrar base URL")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON array of registrations")
	cmd.Flags().StringVar(&kind, "kind", string(registration.KindInternal), "kind for records without a type (internal or external)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "per-request timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		baseURL string
		id      string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status, or the outcome of one registration with --id",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := intakeclient.New(baseURL, nil)
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if id != "" {
				outcome, err := client.Outcome(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), outcome)
			}
			status, err := client.QueueStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", envOrDefault("REGISTRAR_BASE_URL", "http://127.0.0.1:8000"), "registrar base URL")
	cmd.Flags().StringVar(&id, "id", "", "registration id returned at intake")
	return cmd
}

func printImportResults(w io.Writer, results []intakeclient.ImportResult) int {
	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			fmt.Fprintf(w, "#%d\terror\t%v\n", result.Index, result.Err)
			continue
		}
		fmt.Fprintf(w, "#%d\tqueued\t%s\t%s\n", result.Index, result.Receipt.ID, result.Receipt.RegNo)
	}
	return failed
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func envOrDefault(name, fallback string) string {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}
	return fallback
}
