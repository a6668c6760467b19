// Package dedupe keeps a short-lived record of request ids that can no
// longer be delivered, so a result arriving after its waiter gave up is
// recognised as late and dropped instead of being reported as unknown.
package dedupe
