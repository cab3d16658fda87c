// Package transport carries realtime frames between the client and the server.
//
// Two transports implement Dialer:
//   - websocket: a persistent gorilla/websocket connection with ping/pong heartbeat
//   - polling: HTTP long-poll, used when WebSockets are blocked
//
// New combines them into a single Dialer that walks the configured
// preference order. Both report authentication failures as ErrAuthRejected
// so callers can stop retrying with a bad credential.
package transport
