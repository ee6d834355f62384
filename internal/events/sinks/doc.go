// Package sinks implements event consumers: structured logging, report
// archival to a blob store, Pub/Sub notifications, and Prometheus counters.
// Each sink satisfies events.Sink and tolerates repeated Consume/Close calls.
package sinks
