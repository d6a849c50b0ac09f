// Command taskdispatch runs the task dispatcher and talks to a running one.
//
//	taskdispatch serve --config dispatch.toml
//	taskdispatch submit --type analyze_cost --agent-type cost --param account=acme --wait
//	taskdispatch status <task-id>
//	taskdispatch list --status sent
//	taskdispatch cancel <task-id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	natsURL    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "taskdispatch",
		Short:         "Route tasks to remote agents with retries and timeouts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml)")
	root.PersistentFlags().StringVar(&opts.natsURL, "nats", "", "NATS URL, overrides bus.url")

	root.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
