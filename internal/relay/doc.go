// Package relay implements the connection registry, fan-out and shutdown coordination.
//
// Every Connection has a bounded outbound queue drained by its own writer goroutine.
// A full queue surfaces as domain.ErrBackpressure instead of growing memory, so one
// slow client cannot hold back delivery to the others. The Registry publishes
// immutable snapshots that the Broadcaster iterates without holding any lock.
package relay
