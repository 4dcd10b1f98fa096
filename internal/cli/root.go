// Package cli implements the anonymizer command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-anonymizer/internal/config"
	"github.com/gonkalabs/gonka-anonymizer/internal/logging"
)

// version is set at build time with -ldflags "-X .../internal/cli.version=...".
var version = "dev"

var (
	// remoteURL selects a running service instead of the local engine.
	remoteURL string

	cfg       *config.Cfg
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "anonymizer",
	Short: "Reversible text anonymization",
	Long: `anonymizer replaces sensitive values in text with placeholders such as
[PERSON_1] and returns the mapping needed to restore them later.

Detection runs locally (pattern rules plus optional NER, Presidio and LLM
classifiers) unless --remote points at a running anonymizer service.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "",
		"URL of a running anonymizer service (default $ANONYMIZER_URL, empty = local engine)")
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	if remoteURL != "" {
		c.RemoteURL = remoteURL
	}

	closer, err := logging.Setup(logging.Options{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		File:   c.LogFile,
	})
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	cfg, logCloser = c, closer
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if logCloser == nil {
		return nil
	}
	err := logCloser.Close()
	logCloser = nil
	return err
}

// loadedConfig returns the config set up by the root command.
func loadedConfig() (*config.Cfg, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
