package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/config"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

const envPrefix = "PUPPET"

// app is the state shared by every command of one root command instance.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds the command tree. Each call returns an independent
// tree with its own viper instance.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:     "scalpel-puppet",
		Short:   "Drives a browser engine over the debugging protocol behind an intercepting proxy.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindFlags(cmd); err != nil {
				return err
			}
			if err := a.loadConfig(); err != nil {
				// Still give the user a logger for the error.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-puppet"})
				return err
			}
			observability.InitializeLogger(a.cfg.Logger())
			a.logger = observability.GetLogger()
			a.logger.Debug("Configuration loaded.", zap.String("version", Version), zap.String("config_file", a.v.ConfigFileUsed()))
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	bindConfigKey(flags, "log-level", "logger.level")
	bindConfigKey(flags, "log-format", "logger.format")

	rootCmd.AddCommand(
		newRunCmd(a),
		newProxyCmd(a),
		newTailCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with ctx, which should be cancelled on
// interrupt.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger.Core().Enabled(zap.ErrorLevel) {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// loadConfig reads the config file and environment into a.cfg.
func (a *app) loadConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
