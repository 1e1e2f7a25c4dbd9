// Package orchestrator executes plans produced by the orchestrator agent.
//
// A plan is a list of execution steps, each bound to a worker agent and
// optionally depending on other steps. The Scheduler runs the plan in waves:
// every pending step whose prerequisites have all completed runs in the
// current wave, the wave is awaited, and the next ready set is computed.
//
// Steps are executed through a StepRunner:
//   - DispatchRunner sends each step through the in-process router and
//     records the resulting events in the session store
//   - client.StepRunner posts each step to the agent's own endpoint
//
// A failed step is final. Its dependents stay pending and, once nothing else
// can run, the plan is reported as stalled together with the reason each
// remaining step is blocked.
//
// Example usage:
//
//	sched := orchestrator.NewScheduler(runner,
//		orchestrator.WithMaxParallel(4),
//		orchestrator.WithObserver(emitter.Emit),
//	)
//	result, err := sched.Run(ctx, steps)
//	if errors.Is(err, orchestrator.ErrStalled) {
//		// inspect err.(*orchestrator.StallError).Blocked
//	}
package orchestrator
