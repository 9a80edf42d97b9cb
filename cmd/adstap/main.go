package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/adstap/pkg/config"
	"github.com/ajitpratap0/adstap/pkg/fbapi"
	"github.com/ajitpratap0/adstap/pkg/logger"
	"github.com/ajitpratap0/adstap/pkg/observability"
	"github.com/ajitpratap0/adstap/pkg/sink"
	"github.com/ajitpratap0/adstap/pkg/tap"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel string
	var enableTracing bool

	root := &cobra.Command{
		Use:   "adstap",
		Short: "adstap - Meta Marketing API extraction connector",
		Long: `adstap extracts ad entities and day-granular insights reports from the
Meta Marketing API, emitting SCHEMA, RECORD, and STATE messages as line-delimited
JSON on stdout. It resumes incrementally from a persisted state file.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logger.Config{Level: logLevel, Encoding: "json"}); err != nil {
				return err
			}
			if enableTracing {
				return observability.Initialize(observability.DefaultTracingConfig())
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&enableTracing, "enable-tracing", false, "Emit trace spans to stderr")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("adstap v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "discover",
		Short: "Print the stream catalog as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := tap.Catalog()
			names := make([]string, 0, len(catalog))
			for name := range catalog {
				names = append(names, name)
			}
			sort.Strings(names)

			descriptors := make([]tap.Descriptor, 0, len(names))
			for _, name := range names {
				descriptors = append(descriptors, catalog[name])
			}

			enc := gojson.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"streams": descriptors})
		},
	})

	var configFile, stateFile string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run an extraction sync",
		Long: `Run a sync with the given configuration, resuming from the state file
when one is provided.

Example:
  adstap sync --config config.yaml --state state.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(configFile, stateFile)
		},
	}
	syncCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (required)")
	syncCmd.Flags().StringVarP(&stateFile, "state", "s", "", "Path to state JSON file (optional)")
	_ = syncCmd.MarkFlagRequired("config")
	root.AddCommand(syncCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadState reads persisted bookmarks from a JSON file. A missing flag means
// a first run with no state.
func loadState(filename string) (tap.Bookmarks, error) {
	if filename == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", filename, err)
	}

	var state struct {
		Bookmarks tap.Bookmarks `json:"bookmarks"`
	}
	if err := gojson.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", filename, err)
	}
	return state.Bookmarks, nil
}

func runSync(configFile, stateFile string) error {
	defer func() { _ = logger.Sync() }()
	defer func() { _ = observability.Shutdown(context.Background()) }()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	state, err := loadState(stateFile)
	if err != nil {
		return err
	}

	log := logger.With(zap.String("component", "adstap-cli"))
	log.Info("starting sync",
		zap.String("account_id", cfg.AccountID),
		zap.Strings("streams", cfg.SelectedStreams()))

	client := fbapi.NewClient(cfg.AccessToken, cfg.APIVersion, fbapi.NewRetryPolicy(
		cfg.Reliability.RetryAttempts,
		cfg.Reliability.RetryDelay,
		cfg.Reliability.RetryMultiplier,
		cfg.Reliability.MaxRetryDelay,
	))

	runner := tap.NewRunner(cfg, client, state, sink.NewJSONLSink(os.Stdout))
	if err := runner.Run(context.Background()); err != nil {
		log.Error("sync failed", zap.Error(err))
		return err
	}

	log.Info("sync completed")
	return nil
}
