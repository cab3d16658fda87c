// Package syncbridge translates domain events into UI cache invalidations
// and transient user notices.
//
// The mapping lives in a table of Rules, one row per topic. Adding a domain
// event means adding a row built with Bind; the dispatch plumbing does not
// change.
package syncbridge
