// Package events implements the Event Registry.
//
// The registry holds topic subscriptions in memory, independent of any
// transport. It follows the connection manager's state: on every Connected
// transition it attaches to the new session and listens for exactly the
// topics that have handlers; on any other transition it detaches, so a
// stale session's events are never dispatched.
//
// Handlers for one topic run in registration order on the session's
// dispatch goroutine. A panicking handler is recovered and logged and the
// remaining handlers still run.
package events
