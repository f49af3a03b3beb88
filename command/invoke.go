package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chanrpc/client"
	"chanrpc/message"
	"chanrpc/service"
	"github.com/nuclio/errors"
	"github.com/spf13/cobra"
)

type invokeCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *RootCommandeer
	callerName     string
	encodedParams  string
	timeout        time.Duration
	push           bool
}

func newInvokeCommandeer(rootCommandeer *RootCommandeer) *invokeCommandeer {
	commandeer := &invokeCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "invoke service method",
		Short: "Call a method of a running service and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errors.New("Invoke requires a service and a method")
			}

			params := message.Params{}
			if err := json.Unmarshal([]byte(commandeer.encodedParams), &params); err != nil {
				return errors.Wrap(err, "Failed to decode params, expected a JSON object")
			}

			return commandeer.invoke(cmd, args[0], args[1], params)
		},
	}

	cmd.Flags().StringVarP(&commandeer.encodedParams, "params", "p", "{}", "Params as a JSON object")
	cmd.Flags().StringVar(&commandeer.callerName, "as", "chanrpc-cli", "Service name to call as")
	cmd.Flags().DurationVarP(&commandeer.timeout, "timeout", "t", 0, "Request timeout, the configured one when zero")
	cmd.Flags().BoolVar(&commandeer.push, "push", false, "Do not wait for a reply")

	commandeer.cmd = cmd
	return commandeer
}

func (ic *invokeCommandeer) invoke(cmd *cobra.Command, target string, method string, params message.Params) error {
	serviceConfig, err := ic.rootCommandeer.loadConfig()
	if err != nil {
		return err
	}

	// connect as a bare caller, never as the configured service
	serviceConfig.Service.Name = ic.callerName
	serviceConfig.Service.Roles = nil
	registerOnDiscovery := false
	serviceConfig.Discovery.Register = &registerOnDiscovery

	logger, err := ic.rootCommandeer.createLogger(serviceConfig.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint: errcheck

	caller, err := service.New(logger, serviceConfig)
	if err != nil {
		return errors.Wrap(err, "Failed to create caller")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := caller.Start(ctx); err != nil {
		return errors.Wrap(err, "Failed to connect")
	}
	defer caller.Stop(context.Background()) // nolint: errcheck

	if ic.push {
		return caller.Client().Push(ctx, target, method, params)
	}

	result, err := caller.Client().Request(ctx, target, method, params, client.WithTimeout(ic.timeout))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(result))
	return err
}
