// Command estad runs the ESTA kernel and its offline tooling.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
)

// Set with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type globals struct {
	configPath string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "estad",
		Short:         "Capability-mediated kernel for payroll and HR modules",
		SilenceUsage:  true,
		Version:       version,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newRunCmd(g),
		newReplayCmd(g),
		newAuditCmd(g),
		newManifestsCmd(g),
		newSeedCmd(g),
		newVersionCmd(g),
	)
	return root
}

// loadConfig reads the config file when one was given, else defaults plus
// environment.
func (g *globals) loadConfig() (*config.Config, error) {
	if g.configPath != "" {
		return config.LoadFile(g.configPath)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger installs a JSON slog handler on stderr as the default logger.
func (g *globals) logger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	l := slog.New(slog.NewJSONHandler(g.stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	return l
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(g.stdout, "estad %s\n", version)
			return err
		},
	}
}
