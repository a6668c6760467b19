// Package supervisor keeps the external processes the control plane depends
// on alive.
//
// # Lifecycle
//
// Each daemon moves through STOPPED, STARTING, RUNNING, DEGRADED and
// RESTARTING:
//
//	STOPPED -> STARTING -> RUNNING -> DEGRADED -> RESTARTING -> STARTING ...
//
// Start launches the process, fails fast if it exits non-zero inside the
// start grace window, and waits for the first passing probe. A monitor
// goroutine per daemon then probes on a fixed interval; enough consecutive
// failures, or an unexpected exit, degrade the daemon and trigger a restart.
//
// # Restart budget
//
// Restarts are bounded per rolling window. When the budget is spent the
// daemon is stopped, Err reports ErrRestartBudgetExhausted and the error is
// delivered once on Fatal. Nothing restarts it again until Start is called.
//
// # Stopping
//
// Stop sends SIGTERM, escalates to SIGKILL after the stop timeout, always
// reaps the process and waits briefly for its ports to be released.
package supervisor
