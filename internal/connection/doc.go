// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single live transport session and the lifecycle state machine
//   - Dials with a bounded retry budget and exponential backoff with jitter
//   - Heals transient drops (Connected → Reconnecting → Connected)
//   - Distinguishes server termination and auth rejection from network loss
//   - Correlates requests with acks per session and serializes event dispatch
package connection
