// Package stats computes monthly completion statistics from the local
// cache and keeps them live.
//
// Compute is the pure projection. Projector recomputes it whenever the
// owner's routines or completion marks change, so statistics never wait on
// the network. A remote fetch of the same month is attempted once per
// subscription and cached as a snapshot for fallback display only.
package stats
