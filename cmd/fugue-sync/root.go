package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/config"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fugue-sync",
		Short:         "Bidirectional state sync client for the FUGUE dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (default $FUGUE_CONFIG)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newTUICommand(opts))
	cmd.AddCommand(newPushCommand(opts))
	return cmd
}

// load reads the config and builds the process logger from it. Logs go to
// outputs, stderr when none are given.
func (o *rootOptions) load(outputs ...string) (config.Config, *zap.Logger, error) {
	bootstrap, err := newLogger(zap.NewAtomicLevelAt(zap.InfoLevel), "stderr")
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(strings.TrimSpace(o.configPath), bootstrap)
	_ = bootstrap.Sync()
	if err != nil {
		return config.Config{}, nil, err
	}
	level := cfg.Level()
	if o.debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	logger, err := newLogger(level, outputs...)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level zap.AtomicLevel, outputs ...string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.OutputPaths = outputs
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
