// Package relay owns the ingress rendezvous boundary.
//
// Ownership boundary:
// - per-scope FIFO queues of pending ingress requests
// - node lease tracking and lease-window eligibility
// - outstanding-completion matching for posted responses
// - the HTTP surface nodes and ingress callers speak to
//
// The relay does not execute requests; wisp nodes do. All state is
// in-memory and single-process: a multi-process deployment must
// externalize the queue/lease/future store, which is why the broker is an
// encapsulated New/Close value rather than ambient globals.
package relay
