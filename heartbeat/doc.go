// Package heartbeat provides agent liveness detection for the dispatcher.
//
// Agents run a Sender that publishes a Heartbeat on heartbeat.<agent-id>
// at a fixed interval. The dispatcher runs a Monitor subscribed to
// heartbeat.> and reads the agent registry through a LiveDirectory: the
// last beat supplies the agent's load and status, and an agent that stays
// silent past the timeout reads as unhealthy until it beats again. The
// registry itself is never written.
//
//	┌─────────────┐   heartbeat.<agent-id>   ┌─────────────┐   overlay    ┌───────────────┐   Get/List   ┌──────────┐
//	│   Sender    │ ───────────────────────> │   Monitor   │ ───────────> │ LiveDirectory │ ───────────> │ Registry │
//	│   (agent)   │                          │ (dispatcher)│              └───────────────┘              └──────────┘
//	└─────────────┘                          └─────────────┘
//
// Sending from an agent:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    AgentID:  "cost-1",
//	    Capacity: 4,
//	})
//	sender.Start(ctx)
//	done := sender.Begin() // around each task
//	defer done()
//
// Monitoring from the dispatcher:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{Bus: b})
//	dir := heartbeat.NewLiveDirectory(reg, monitor)
//	monitor.Start(ctx)
//	selector := selection.NewSelector(dir, selection.NewRoundRobin())
//
// Set the monitor timeout to 2-3x the sender interval.
package heartbeat
