// Command example-agent is a cost-analysis agent. It serves the task
// contract over HTTP or the message bus, registers itself in the agent
// registry and publishes heartbeats when a NATS server is configured.
//
//	example-agent --id cost-1 --listen :8081 --nats nats://localhost:4222
//	example-agent --id cost-2 --transport bus --nats nats://localhost:4222
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/agent"
	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/shutdown"
	"github.com/vinayprograms/taskdispatch/tasks"
)

type options struct {
	id                string
	agentType         string
	transport         string
	listen            string
	advertise         string
	natsURL           string
	registryBucket    string
	capacity          int
	heartbeatInterval time.Duration
	failFirst         int
	logLevel          string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "example-agent",
		Short:         "Cost-analysis agent for the task dispatcher",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.natsURL == "" {
				o.natsURL = os.Getenv("NATS_URL")
			}
			if err := o.validate(); err != nil {
				return err
			}
			log := logging.New()
			log.SetLevel(logging.ParseLevel(o.logLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.id, "id", "cost-1", "agent id")
	f.StringVar(&o.agentType, "type", "cost", "agent type")
	f.StringVar(&o.transport, "transport", "http", "task transport: http or bus")
	f.StringVar(&o.listen, "listen", ":8081", "HTTP listen address")
	f.StringVar(&o.advertise, "advertise", "", "base URL the dispatcher uses (default http://<listen>)")
	f.StringVar(&o.natsURL, "nats", "", "NATS URL for registration, heartbeats and the bus transport")
	f.StringVar(&o.registryBucket, "registry-bucket", registry.DefaultNATSRegistryConfig().BucketName, "agent registry KV bucket")
	f.IntVar(&o.capacity, "capacity", 4, "concurrent tasks reported as full load")
	f.DurationVar(&o.heartbeatInterval, "heartbeat-interval", 5*time.Second, "heartbeat interval")
	f.IntVar(&o.failFirst, "fail-first", 0, "fail the first N attempts of every task")
	f.StringVar(&o.logLevel, "log-level", "info", "log level")
	return cmd
}

func (o *options) validate() error {
	switch o.transport {
	case "http":
	case "bus":
		if o.natsURL == "" {
			return fmt.Errorf("--transport bus requires --nats")
		}
	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}
	if o.id == "" || o.agentType == "" {
		return fmt.Errorf("--id and --type are required")
	}
	return nil
}

func (o *options) advertiseURL(ln net.Listener) string {
	if o.advertise != "" {
		return o.advertise
	}
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newMux(costs *costAnalyzer, sender *heartbeat.Sender) *agent.Mux {
	mux := agent.NewMux()
	for taskType, fn := range map[string]agent.HandlerFunc{
		TaskAnalyzeCost:  costs.Analyze,
		TaskForecastCost: costs.Forecast,
	} {
		mux.Register(taskType, tracked(fn, sender))
	}
	return mux
}

// tracked reports in-flight tasks to the heartbeat sender.
func tracked(h agent.Handler, sender *heartbeat.Sender) agent.Handler {
	if sender == nil {
		return h
	}
	return agent.HandlerFunc(func(ctx context.Context, req *tasks.Request) (map[string]any, error) {
		done := sender.Begin()
		defer done()
		return h.Handle(ctx, req)
	})
}

func run(ctx context.Context, o *options, log *logging.Logger) error {
	coord := shutdown.NewCoordinator(log)

	var (
		b      bus.MessageBus
		reg    *registry.NATSRegistry
		sender *heartbeat.Sender
	)
	if o.natsURL != "" {
		nc := bus.DefaultNATSConfig()
		nc.URL = o.natsURL
		nc.Name = o.id
		nb, err := bus.NewNATSBus(nc)
		if err != nil {
			return err
		}
		b = nb
		coord.Register("bus", shutdown.PhaseTransport, shutdown.Closer(b.Close))

		rc := registry.DefaultNATSRegistryConfig()
		rc.BucketName = o.registryBucket
		if reg, err = registry.NewNATSRegistry(ctx, nb.Conn(), rc); err != nil {
			_ = coord.Shutdown(context.Background())
			return err
		}
		coord.Register("registry", shutdown.PhaseStorage, shutdown.Closer(reg.Close))

		if sender, err = heartbeat.NewSender(heartbeat.SenderConfig{
			Bus:      b,
			AgentID:  o.id,
			Interval: o.heartbeatInterval,
			Capacity: o.capacity,
		}); err != nil {
			_ = coord.Shutdown(context.Background())
			return err
		}
	}

	mux := newMux(newCostAnalyzer(o.failFirst), sender)
	info := registry.AgentInfo{
		ID:           o.id,
		Name:         "example cost agent",
		Type:         o.agentType,
		Capabilities: mux.Capabilities(),
		Healthy:      true,
		Status:       registry.StatusIdle,
	}

	if o.transport == "bus" {
		srv := agent.NewBusServer(b, o.id, mux, log)
		if err := srv.Start(ctx); err != nil {
			_ = coord.Shutdown(context.Background())
			return err
		}
		coord.Register("bus_server", shutdown.PhaseIntake, shutdown.Closer(srv.Close))
	} else {
		ln, err := net.Listen("tcp", o.listen)
		if err != nil {
			_ = coord.Shutdown(context.Background())
			return err
		}
		info.Address = o.advertiseURL(ln)

		srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
		served := make(chan error, 1)
		srv := agent.NewHTTPServer(mux, agent.HTTPConfig{AgentID: o.id, Logger: log})
		go func() { served <- srv.Serve(srvCtx, ln) }()
		coord.RegisterFunc("http_server", shutdown.PhaseIntake, func(context.Context) error {
			stopServer()
			return <-served
		})
	}

	if reg != nil {
		if err := reg.Register(ctx, info); err != nil {
			_ = coord.Shutdown(context.Background())
			return fmt.Errorf("register agent: %w", err)
		}
		refreshCtx, stopRefresh := context.WithCancel(ctx)
		refreshed := make(chan struct{})
		go func() {
			defer close(refreshed)
			refreshRegistration(refreshCtx, reg, info, sender, o.heartbeatInterval, log)
		}()

		// Runs before the task servers stop.
		coord.RegisterFunc("deregister", shutdown.PhaseIntake-1, func(ctx context.Context) error {
			stopRefresh()
			<-refreshed
			if err := sender.Draining(); err != nil {
				log.Warn("draining_heartbeat_failed", map[string]interface{}{"error": err.Error()})
			}
			return reg.Deregister(ctx, o.id)
		})
	}
	if sender != nil {
		if err := sender.Start(ctx); err != nil {
			_ = coord.Shutdown(context.Background())
			return err
		}
		coord.Register("heartbeat", shutdown.PhaseDispatch, shutdown.Closer(sender.Stop))
	}

	log.Info("agent_started", map[string]interface{}{
		"agent_id":     o.id,
		"agent_type":   o.agentType,
		"transport":    o.transport,
		"address":      info.Address,
		"capabilities": info.Capabilities,
	})
	return coord.Run(ctx, 15*time.Second)
}

// refreshRegistration re-registers the agent every interval so its entry
// outlives the registry bucket TTL.
func refreshRegistration(ctx context.Context, reg registry.Registry, info registry.AgentInfo, sender *heartbeat.Sender, every time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		hb := sender.Snapshot()
		info.Load = hb.Load
		info.Status = hb.Status
		if err := reg.Register(ctx, info); err != nil && ctx.Err() == nil {
			log.Warn("registration_refresh_failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
