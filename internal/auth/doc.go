// ABOUTME: Package auth signs and verifies the relay bearer token
// ABOUTME: HS256 JWTs minted by tabpilot and checked by the relay

// Package auth provides the bearer token an agent presents when it opens
// its websocket to the relay.
//
// Tokens are HS256 JWTs signed with the configured jwt_secret. The "sub"
// claim is the agent id, "caps" lists the agent's capabilities and "iss" is
// always "tabpilot". Verification rejects any other algorithm.
//
// The gateway mints a fresh token per connection attempt and passes it via
// BearerHeader. A relay, such as cmd/fake-relay, wraps its upgrade handler in
// HTTPAuthMiddleware and reads the verified identity with FromContext.
package auth
