package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/ddworktree/internal/config"
	"github.com/schaermu/ddworktree/internal/drift"
	"github.com/schaermu/ddworktree/internal/errs"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/lock"
	"github.com/schaermu/ddworktree/internal/registry"
	"github.com/schaermu/ddworktree/internal/render"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
	verbose   bool
	workers   int
	output    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(errs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "ddworktree",
	Short: "Keep pairs of git worktrees in sync",
	Long: `ddworktree manages pairs of git working trees that share one repository:
a main tree that is committed and shared, and a local tree that additionally
holds local-only files kept out of main by a local ignore file.

It detects drift between the two trees, plans and applies syncs, and
diagnoses and repairs broken pairs.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ddworktree %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "registry file (default: nearest .ddconfig upward from the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "concurrent pairs for read-only commands (default from options)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")

	// Add commands
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(unpairCmd)
	rootCmd.AddCommand(worktreeCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// app carries everything a command needs, built once per invocation from
// the registry snapshot taken at command start.
type app struct {
	logger   *slog.Logger
	git      *git.ShellClient
	locks    *lock.Manager
	reg      *registry.Registry
	snap     *registry.Snapshot
	detector *drift.Detector
	format   render.Format
	out      io.Writer
	workers  int
}

func newApp(cmd *cobra.Command) (*app, error) {
	format, err := render.ParseFormat(output)
	if err != nil {
		return nil, err
	}

	path, err := registryPath()
	if err != nil {
		return nil, err
	}
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if f.Options.Verbose && !cmd.Flags().Changed("log-level") {
		verbose = true
	}
	logger := setupLogger()
	logger.Debug("registry loaded", "path", f.Path, "pairs", len(f.Pairs))

	locks := lock.NewManager(lock.DefaultDir(), f.Path, f.Options.LockTimeout)
	reg := registry.Open(f.Path, locks, logger)
	snap, err := reg.Snapshot()
	if err != nil {
		return nil, err
	}

	client := git.NewShellClient()
	n := workers
	if n <= 0 {
		n = snap.Options().Workers
	}

	return &app{
		logger:   logger,
		git:      client,
		locks:    locks,
		reg:      reg,
		snap:     snap,
		detector: drift.NewDetector(client, logger, f.Path),
		format:   format,
		out:      cmd.OutOrStdout(),
		workers:  n,
	}, nil
}

// registryPath returns --config or the nearest registry file upward from
// the working directory.
func registryPath() (string, error) {
	if cfgFile != "" {
		return filepath.Abs(os.ExpandEnv(cfgFile))
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return config.Discover(cwd), nil
}

// selectPairs resolves explicit refs, every pair with all, or the pair
// owning the working directory.
func (a *app) selectPairs(args []string, all bool) ([]registry.Pair, error) {
	if all {
		return a.snap.Pairs(), nil
	}
	if len(args) > 0 {
		pairs := make([]registry.Pair, 0, len(args))
		for _, ref := range args {
			p, err := a.snap.Resolve(ref)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, p)
		}
		return pairs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	p, err := a.snap.Resolve(cwd)
	if err != nil {
		return nil, fmt.Errorf("%w (pass an alias, a path or --all)", err)
	}
	return []registry.Pair{p}, nil
}

// emit writes v in a structured format, or calls text for -o text
func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.format == render.Text {
		text(a.out)
		return nil
	}
	return render.Structured(a.out, a.format, v)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	w := logWriter()

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// logWriter keeps stdout free for reports; --log-file rotates instead
func logWriter() io.Writer {
	if logFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   os.ExpandEnv(logFile),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// firstErr returns the most severe of errs, preferring errors that map to a
// dedicated exit code over plain drift.
func firstErr(list ...error) error {
	var fallback error
	for _, err := range list {
		if err == nil {
			continue
		}
		if errors.Is(err, errs.ErrDrift) || errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrUnhealthy) {
			if fallback == nil {
				fallback = err
			}
			continue
		}
		return err
	}
	return fallback
}
