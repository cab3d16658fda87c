// Package model defines the payloads carried on realtime topics.
//
// Every topic the server publishes maps to exactly one payload type, and
// Decode is the single place that mapping is spelled out.
//
// Conventions:
//   - JSON field names are camelCase, matching the REST API
//   - Timestamps: time.Time, RFC 3339 on the wire
//   - IDs: opaque strings
package model
