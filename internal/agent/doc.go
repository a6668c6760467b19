// Package agent performs the identity handshake with the relay.
//
// # Registrar
//
// A Registrar is bound to exactly one channel lifetime. It sends the
// register envelope once and waits for the relay to acknowledge it:
//
//	reg := agent.NewRegistrar(ch, 10*time.Second, logger)
//	ch.Observe(reg.Observe)
//	err := reg.Register(ctx, agent.Identity{AgentID: "tabpilot-1"})
//
// Concurrent callers share the single handshake and a second call after
// success returns nil without sending again. A rejected or timed-out
// handshake leaves the Registrar failed; Ready then reports an error
// wrapping faults.ErrNotRegistered and the correlator refuses to send.
//
// # Reconnect
//
// The Identity sent is kept locally. After the channel drops, the
// orchestrator builds a fresh channel and Registrar and replays it.
package agent
