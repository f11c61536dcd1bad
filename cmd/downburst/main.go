package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/downburst/downburst/internal/auth"
	"github.com/downburst/downburst/internal/config"
	"github.com/downburst/downburst/internal/engine"
	"github.com/downburst/downburst/internal/logger"
	"github.com/downburst/downburst/internal/observability"
	"github.com/downburst/downburst/internal/storage"
	"github.com/downburst/downburst/internal/types"
)

var (
	cfgFile     string
	verbose     bool
	inputPath   string
	poolSize    int
	agent       string
	timeout     string
	retryMax    int
	redirects   int
	proxyURL    string
	outputType  string
	outputPath  string
	includeBody bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "downburst",
		Short: "Downburst — concurrent HTTP fetching engine",
		Long: `Downburst fetches large batches of URLs with bounded parallelism.

Features:
  • Fixed-size transfer pool with a pluggable work source
  • Redirect following with per-hop preemption
  • Proxy support (per-scheme environment variables or explicit)
  • HTTP basic authentication
  • gzip/deflate/brotli content decoding
  • Per-request retry with exponential backoff
  • JSONL and MongoDB outcome archiving`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fetchCmd creates the "fetch" subcommand.
func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch a batch of URLs",
		Long:  "Fetch the given URLs (or the ones listed in --input, one per line) and archive the outcomes.",
		RunE:  runFetch,
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "file with one URL per line")
	cmd.Flags().IntVarP(&poolSize, "pool", "n", 0, "transfer pool size (0 = config default)")
	cmd.Flags().StringVar(&agent, "agent", "", "custom User-Agent string")
	cmd.Flags().StringVar(&timeout, "timeout", "", "per-request timeout, e.g. 45s")
	cmd.Flags().IntVar(&retryMax, "retries", -1, "max retries per failed request (-1 = config default)")
	cmd.Flags().IntVar(&redirects, "redirects", -1, "redirect limit (-1 = config default)")
	cmd.Flags().StringVar(&proxyURL, "proxy", "", "proxy URL (environment <scheme>_proxy wins)")
	cmd.Flags().StringVarP(&outputType, "format", "f", "", "archive format: none, jsonl, mongodb")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive output path")
	cmd.Flags().BoolVar(&includeBody, "include-body", false, "archive response bodies too")

	return cmd
}

// runFetch executes the fetch command.
func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	// The CLI always exits once the batch drains.
	cfg.Engine.StopWhenDone = true

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, cleanup, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer cleanup()

	// Collect URLs from args and --input.
	if len(args) == 0 && inputPath == "" {
		return fmt.Errorf("no URLs: pass them as arguments or via --input")
	}
	for _, rawURL := range args {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", rawURL, err)
		}
	}
	source := engine.NewSliceSource(args)
	if inputPath != "" {
		fileSrc, err := engine.NewFileSource(inputPath)
		if err != nil {
			return err
		}
		source.Merge(fileSrc)
	}

	registry := auth.NewRegistry()
	for _, entry := range cfg.Auth {
		registry.Register(entry.Host, entry.Realm, entry.Username, entry.Password)
	}

	eng := engine.New(cfg, registry, log)
	eng.EnableSignalHandling()

	// Archive backend, fed from the outcome hooks.
	backend, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	var archive *storage.Archiver
	if backend != nil {
		archive = storage.NewArchiver(backend, cfg.Storage.BatchSize, cfg.Storage.IncludeBody, log)
		defer func() {
			if err := archive.Close(); err != nil {
				log.Error("archive close failed", "error", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		metrics := observability.NewMetrics(eng.Stats(), log)
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			log.Warn("failed to start metrics server", "error", err)
		}
	}

	source.Prepare = func(r *types.Request) {
		r.Timeout = cfg.Fetcher.Timeout
		r.RedirectLimit = cfg.Fetcher.RedirectLimit
		r.RetryMax = cfg.Fetcher.RetryMax
		if archive != nil {
			r.OnSuccess = archive.RecordSuccess
			req := r
			r.OnError = func(err error) { archive.RecordFailure(req, err) }
		}
	}

	queued := source.Drain(eng)
	if queued == 0 {
		return fmt.Errorf("no fetchable URLs after filtering")
	}

	log.Info("starting fetch", "urls", queued, "pool", cfg.Engine.PoolSize, "agent", cfg.Engine.Agent)

	start := time.Now()
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	eng.Wait()

	elapsed := time.Since(start)
	snap := eng.Stats().Snapshot()

	fmt.Printf("\nFetch complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Processed: %v (%v ok, %v failed, %v preempted)\n",
		snap["processed"], snap["succeeded"], snap["failed"], snap["preempted"])
	fmt.Printf("   Retries:   %v\n", snap["retried"])
	fmt.Printf("   Data:      %v bytes downloaded\n", snap["bytes_downloaded"])
	fmt.Printf("   Latency:   p50 %vms, p99 %vms\n", snap["latency_p50_ms"], snap["latency_p99_ms"])

	return nil
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Downburst %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Engine:\n")
			fmt.Printf("  Pool Size:       %d\n", cfg.Engine.PoolSize)
			fmt.Printf("  Agent:           %s\n", cfg.Engine.Agent)
			fmt.Printf("  Grow Period:     %s\n", cfg.Engine.GrowPeriod)
			fmt.Printf("  Stop When Done:  %v\n", cfg.Engine.StopWhenDone)
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Timeout:         %s\n", cfg.Fetcher.Timeout)
			fmt.Printf("  Redirect Limit:  %d\n", cfg.Fetcher.RedirectLimit)
			fmt.Printf("  Retry Max:       %d\n", cfg.Fetcher.RetryMax)
			fmt.Printf("  Max Body Size:   %d bytes\n", cfg.Fetcher.MaxBodySize)
			fmt.Printf("  Proxy:           %s\n", cfg.Fetcher.Proxy)
			fmt.Printf("\nAuth entries:      %d\n", len(cfg.Auth))
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:            %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:     %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:         %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:            %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if poolSize > 0 {
		cfg.Engine.PoolSize = poolSize
	}
	if agent != "" {
		cfg.Engine.Agent = agent
	}
	if timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Fetcher.Timeout = d
		}
	}
	if retryMax >= 0 {
		cfg.Fetcher.RetryMax = retryMax
	}
	if redirects >= 0 {
		cfg.Fetcher.RedirectLimit = redirects
	}
	if proxyURL != "" {
		cfg.Fetcher.Proxy = proxyURL
	}
	if outputType != "" {
		cfg.Storage.Type = outputType
	}
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
	}
	if includeBody {
		cfg.Storage.IncludeBody = true
	}
}
