// Package engine wires the routinesync components together and exposes
// the use cases a client shell calls.
//
// Components:
//
//   - store: SQLite local store with change notification
//   - identity: active owner and request credentials
//   - gateway: remote routine authority (HTTP client)
//   - cache: routine cache manager (optimistic writes, rollback)
//   - queue: durable pending-mutation queue and its dispatcher
//   - stats: live monthly statistics projector
//
// Engine.Run is the long-running part: it drives the dispatcher, refreshes
// the routine cache periodically and follows owner changes. Every other
// method is safe to call whether or not Run is active; entries queued
// without a running dispatcher are drained by the next Run.
package engine
