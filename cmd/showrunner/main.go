// Showrunner engine CLI.
// serve runs the supervisor and the worker tool endpoint; tools runs a
// facade-only process for workers on the stdio transport; validate
// checks a roster without touching any state.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jaakkos/showrunner/internal/log"
	"github.com/jaakkos/showrunner/internal/policy"
)

// Set by -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "showrunner",
	Short: "Dependency-ordered orchestration of AI worker processes",
	Long: `Showrunner runs a roster of AI worker agents against one project:
it spawns workers in dependency order, watches their heartbeats, restarts
stalled workers from their checkpoints, and escalates to a human when a
role's retry budget runs out.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"showrunner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "showrunner.yaml",
		"path to the engine config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the engine config, fills the workspace root from the
// working directory when unset, and initializes logging. Log output
// goes to the configured log file plus stderr; never to stdout, which
// the stdio transport owns.
func loadConfig() (*policy.Config, error) {
	cfg, err := policy.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if cfg.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace root: %w", err)
		}
		cfg.WorkspaceRoot = cwd
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     logOutput(cfg),
	})
	return cfg, nil
}

func logOutput(cfg *policy.Config) io.Writer {
	if cfg.LogFile == "" {
		return os.Stderr
	}
	path := cfg.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.WorkspaceRoot, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create log dir %s: %v\n", filepath.Dir(path), err)
		return os.Stderr
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open log file %s: %v\n", path, err)
		return os.Stderr
	}
	return io.MultiWriter(f, os.Stderr)
}
