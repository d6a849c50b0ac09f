package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/router"
	"github.com/vinayprograms/taskdispatch/service"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// dial connects to the dispatcher's bus. The caller closes the bus.
func dial(opts *rootOptions) (*service.Client, bus.MessageBus, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Bus.URL == "" {
		return nil, nil, fmt.Errorf("no dispatcher bus configured (set --nats, bus.url or NATS_URL)")
	}
	nc := bus.DefaultNATSConfig()
	nc.URL = cfg.Bus.URL
	nc.Name = "taskdispatch-cli"
	nc.MaxReconnects = 0
	b, err := bus.NewNATSBus(nc)
	if err != nil {
		return nil, nil, err
	}
	return service.NewClient(b, 0), b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type submitOptions struct {
	taskType       string
	agentType      string
	agentID        string
	params         []string
	paramsJSON     string
	timeout        float64
	retries        int
	priority       int
	idempotencyKey string
	wait           bool
	pollInterval   time.Duration
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := so.request(cmd.Flags().Changed("retries"))
			if err != nil {
				return err
			}
			client, b, err := dial(opts)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx := cmd.Context()
			resp, err := client.Submit(ctx, *req)
			if err != nil {
				return err
			}
			if !so.wait {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			view, err := waitTerminal(ctx, client, resp.TaskID, so.pollInterval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.taskType, "type", "", "task type (required)")
	f.StringVar(&so.agentType, "agent-type", "", "target agent type (required)")
	f.StringVar(&so.agentID, "agent", "", "pin the task to this agent id")
	f.StringArrayVarP(&so.params, "param", "p", nil, "parameter as key=value; JSON values are decoded")
	f.StringVar(&so.paramsJSON, "params-json", "", "parameters as a JSON object")
	f.Float64Var(&so.timeout, "timeout", 0, "per-attempt timeout in seconds (0 = dispatcher default)")
	f.IntVar(&so.retries, "retries", 0, "maximum retries after the first attempt")
	f.IntVar(&so.priority, "priority", 0, "priority hint passed to the agent")
	f.StringVar(&so.idempotencyKey, "idempotency-key", "", "return the earlier task for a repeated key")
	f.BoolVar(&so.wait, "wait", false, "wait for the task to finish and print its final view")
	f.DurationVar(&so.pollInterval, "poll", 500*time.Millisecond, "status poll interval with --wait")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("agent-type")
	return cmd
}

func (so *submitOptions) request(retriesSet bool) (*router.SubmitRequest, error) {
	params, err := parseParams(so.paramsJSON, so.params)
	if err != nil {
		return nil, err
	}
	req := &router.SubmitRequest{
		TaskType:        so.taskType,
		TargetAgentType: so.agentType,
		AgentID:         so.agentID,
		Parameters:      params,
		Priority:        so.priority,
		TimeoutSeconds:  so.timeout,
		IdempotencyKey:  so.idempotencyKey,
	}
	if retriesSet {
		retries := so.retries
		req.MaxRetries = &retries
	}
	return req, nil
}

// parseParams merges a JSON object with key=value pairs. A value that
// decodes as JSON keeps its type; anything else is a string.
func parseParams(raw string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("--params-json: %w", err)
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func waitTerminal(ctx context.Context, c service.Dispatcher, id string, every time.Duration) (*tasks.View, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		view, err := c.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, b, err := dial(opts)
			if err != nil {
				return err
			}
			defer b.Close()

			view, err := client.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter tasks.Status
			if status != "" {
				s, err := tasks.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = s
			}
			client, b, err := dial(opts)
			if err != nil {
				return err
			}
			defer b.Close()

			views, err := client.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(views) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			for _, v := range views {
				fmt.Fprintf(out, "%s  %-10s  %-20s  agent=%s  retries=%d  created=%s\n",
					v.TaskID, v.Status, v.TaskType, v.AgentID, v.RetryCount, v.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, b, err := dial(opts)
			if err != nil {
				return err
			}
			defer b.Close()

			ack, err := client.CancelWithMessage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return nil
		},
	}
}
