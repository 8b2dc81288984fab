// Package queue implements the durable pending-mutation queue and the
// background dispatcher that drains it to the remote authority.
//
// A completion event is written to the pending_mutations table before any
// network attempt, keyed by a client-generated opId. The remote applies an
// opId at most once, so a batch can be resent any number of times: entries
// leave the queue only after the remote acknowledges the whole batch.
//
// The dispatcher keeps one logical worker per owner. Triggers for an owner
// that is already queued, draining or waiting on a backoff timer coalesce.
// Failures never drop entries; the owner is retried with exponential backoff
// and no attempt ceiling while connectivity lasts.
package queue
