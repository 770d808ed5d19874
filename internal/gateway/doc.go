// ABOUTME: Package documentation for the websocket gateway
// ABOUTME: Describes the auth flow and the frame protocol

// Package gateway exposes the conversation controller over a websocket.
//
// Clients connect to /ws with a bearer token (query parameter "token" or
// Authorization header). The gateway verifies the token, upserts the
// user's registry record, and starts one controller session bound to the
// connection. Commands arrive as JSON frames (select_contact, send,
// delete_active, deselect, filter) and are handled in arrival order.
// State changes flow back as event frames (directory, messages,
// active_peer, degraded, error); directory and messages events always
// carry the full current view, never deltas.
//
// Send commands are rate limited per connection using a token bucket
// configured by limits.send_rate and limits.send_burst.
package gateway
