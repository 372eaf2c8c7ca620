package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hed1ad/spiked/internal/config"
)

type app struct {
	configPath string

	v      *viper.Viper
	logger *zap.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		logger: zap.NewNop(),
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	root := &cobra.Command{
		Use:           "spiked",
		Short:         "Online spike and change-point detection for scalar series",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./spiked.yaml or /etc/spiked/spiked.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console, json")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")
	pf.String("checkpoint-backend", "", "checkpoint backend: file, sqlite (empty disables)")
	pf.String("checkpoint-path", "", "checkpoint directory (file) or database (sqlite)")

	root.AddCommand(newDetectCommand(a), newInspectCommand(a))
	return root
}

// globalFlags maps persistent flags onto config keys.
var globalFlags = map[string]string{
	"logging.level":      "log-level",
	"logging.format":     "log-format",
	"logging.file":       "log-file",
	"checkpoint.backend": "checkpoint-backend",
	"checkpoint.path":    "checkpoint-path",
}

// init loads the configuration, lets command-line flags override it and
// builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	v, err := config.New(a.configPath)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags(), globalFlags); err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags(), detectorFlags); err != nil {
		return err
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	a.v = v
	a.logger = logger
	return nil
}

// bindFlags binds every flag in keys that cmd defines. Flags the command
// does not define are ignored.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.v)
}
