// Package txn implements optimistic concurrency control over the
// transaction log.
//
// A Transaction stages removes and adds against the snapshot it planned
// with; the Coordinator validates the staged footprint against every
// version committed since, then claims the next version with a conditional
// append. Writers never block each other: contention surfaces as a lost
// append race or a detected conflict, both resolved by bounded retry.
package txn
