// Package rescache models remote HTTP resources as long-lived, observable
// state objects rather than one-shot request/response pairs.
//
// A Service owns a registry of Resources, keyed by canonical URL. Each
// Resource holds at most one in-memory snapshot of its latest successful
// content, its latest error, and the set of requests currently in flight,
// and broadcasts every state transition to its registered Observers.
//
// The Service dispatches outbound calls through a pluggable Transport,
// feeds responses through a staged, cacheable transformer Pipeline, and
// resolves per-(resource, method) Configuration from an ordered set of
// URL-pattern rules.
package rescache
