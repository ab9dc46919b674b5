package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/config"
	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/pipeline"
	"github.com/TobiSchelling/trizwire/internal/server"
	"github.com/TobiSchelling/trizwire/internal/store"
)

var version = "dev"

var (
	verbose    bool
	jsonLogs   bool
	configPath string
	cfg        *config.Config
	logger     *zap.SugaredLogger
	closeLog   = func() {}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logger != nil {
		_ = logger.Sync()
	}
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "trizwire",
	Short:   "TRIZ research news from a science feed",
	Long:    "trizwire fetches science news, analyzes each article through TRIZ principles and writes publishable articles.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return errors.Wrap(err, "loading config")
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, closeLog, err = logging.New(logging.Options{
			Level: level,
			JSON:  jsonLogs || cfg.Logging.JSON,
			File:  cfg.LogFile(),
		})
		if err != nil {
			return err
		}
		logger.Debugw("Loaded config", "path", path, "log_file", cfg.LogFile())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Log as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(acquireCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trizwire", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/trizwire/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return errors.Wrap(err, "creating config directory")
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return errors.Wrap(err, "writing config")
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set the feed, renderer and API key variables.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show artifact counts per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe := pipeline.New(cfg, pipeline.Deps{Logger: logger})
		stages, err := pipe.Status()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Stage", "Artifacts", "Errors", "Directory"})
		for _, s := range stages {
			t.AppendRow(table.Row{s.Name, s.Artifacts, s.Errors, s.Dir})
		}
		t.Render()
		return nil
	},
}

// --- per-stage commands ---

var (
	inDir  string
	outDir string
)

func dirOr(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Fetch the feed and save a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe := pipeline.New(cfg, pipeline.Deps{Logger: logger})
		_, step := pipe.FetchFeed(cmd.Context(), dirOr(outDir, pipe.Dirs().Feed))
		return report(step)
	},
}

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Fetch the full page of every snapshot item",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe := pipeline.New(cfg, pipeline.Deps{Logger: logger})
		d := pipe.Dirs()
		items, err := pipe.LoadFeed(dirOr(inDir, d.Feed))
		if err != nil {
			return err
		}
		return report(pipe.Acquire(cmd.Context(), items, dirOr(outDir, d.Acquired)))
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the TRIZ analysis over acquired records",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe := pipeline.New(cfg, pipeline.Deps{Logger: logger})
		d := pipe.Dirs()
		return report(pipe.Analyze(cmd.Context(), dirOr(inDir, d.Acquired), dirOr(outDir, d.Analysis)))
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write articles from analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe := pipeline.New(cfg, pipeline.Deps{Logger: logger})
		d := pipe.Dirs()
		return report(pipe.Generate(cmd.Context(), dirOr(inDir, d.Analysis), dirOr(outDir, d.Articles)))
	},
}

func init() {
	for _, c := range []*cobra.Command{acquireCmd, analyzeCmd, generateCmd} {
		c.Flags().StringVar(&inDir, "in", "", "Input directory (default from config)")
		c.Flags().StringVar(&outDir, "out", "", "Output directory (default from config)")
	}
	feedCmd.Flags().StringVar(&outDir, "out", "", "Snapshot directory (default from config)")
}

func report(step pipeline.StepResult) error {
	if step.Err != nil {
		fmt.Printf("%s: error: %v\n", step.Name, step.Err)
		return step.Err
	}
	fmt.Printf("%s: %s\n", step.Name, step.Summary)
	return nil
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: feed -> acquire -> analyze -> generate",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe := pipeline.New(cfg, pipeline.Deps{Logger: logger})

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun()
		} else {
			result = pipe.Run(cmd.Context())
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/4: %s\n", i+1, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if result.Failed() {
			return errors.New("pipeline stopped early")
		}
		if !dryRun {
			fmt.Println("\nPipeline complete! Run 'trizwire serve' to read the articles.")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		dir, err := store.Open(cfg.StageDir(cfg.Output.ArticlesDir))
		if err != nil {
			return err
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), dir, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}
