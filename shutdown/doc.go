// Package shutdown coordinates ordered teardown of a dispatcher process.
//
// Components register handlers in phases. On shutdown, phases run in
// ascending order and handlers within a phase run concurrently, all under
// one drain deadline:
//
//	PhaseIntake     service server, heartbeat monitor
//	PhaseDispatch   router drain (running loops finish or are abandoned)
//	PhaseStorage    task store, registry
//	PhaseTransport  bus connection
//	PhaseTelemetry  tracer and event exporters
//
// Usage:
//
//	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.RegisterFunc("router", shutdown.PhaseDispatch, r.Close)
//	coord.Register("store", shutdown.PhaseStorage, shutdown.Closer(store.Close))
//
//	err := coord.Run(ctx, cfg.Dispatcher.DrainTimeout)
//
// Handler failures are logged and joined into the returned error. They do
// not stop later phases.
package shutdown
