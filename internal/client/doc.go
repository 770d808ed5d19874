// ABOUTME: Package documentation for the gateway client library
// ABOUTME: Describes the mirrored-state model

// Package client is a Go client for the chatsync gateway. It holds a
// local mirror of everything the gateway pushes: the contact directory,
// the active peer, and the active conversation's messages. Commands are
// fire-and-forget; their effects arrive on the event stream and update
// the mirror, with Updates signaling each change.
package client
