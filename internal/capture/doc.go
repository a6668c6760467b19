// ABOUTME: Package capture takes screenshots of supervised browser daemons
// ABOUTME: Payloads are checked for size and format signature before being written

// Package capture implements the screenshot flow: it gates on the daemon
// being RUNNING, opens a devtools control session against the daemon's
// debugging endpoint, validates the decoded image and writes it to the
// daemon's destination directory under a collision-free name.
package capture
