// Package command implements the chanrpc command line.
package command

import (
	"chanrpc/config"
	"github.com/nuclio/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type RootCommandeer struct {
	cmd        *cobra.Command
	configPath string
	verbose    bool
}

func NewRootCommandeer() *RootCommandeer {
	commandeer := &RootCommandeer{}

	cmd := &cobra.Command{
		Use:           "chanrpc [command]",
		Short:         "Run and call services talking RPC over a channel layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&commandeer.configPath, "config", "c", "chanrpc.yaml", "Path to the service configuration")
	cmd.PersistentFlags().BoolVarP(&commandeer.verbose, "verbose", "v", false, "Log at debug level")

	cmd.AddCommand(
		newRunCommandeer(commandeer).cmd,
		newInvokeCommandeer(commandeer).cmd,
	)

	commandeer.cmd = cmd
	return commandeer
}

// Execute uses os.Args to execute the command
func (rc *RootCommandeer) Execute() error {
	return rc.cmd.Execute()
}

func (rc *RootCommandeer) loadConfig() (*config.Config, error) {
	serviceConfig, err := config.Load(rc.configPath)
	if err != nil {
		return nil, err
	}
	if rc.verbose {
		serviceConfig.Log.Level = "debug"
	}
	return serviceConfig, nil
}

func (rc *RootCommandeer) createLogger(logConfig config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(logConfig.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid log level %s", logConfig.Level)
	}

	zapConfig := zap.NewProductionConfig()
	if logConfig.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create logger")
	}
	return logger, nil
}
