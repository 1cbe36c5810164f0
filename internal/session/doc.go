// Package session runs one monitoring session: a long-lived loop that loads
// the target page, checks for obstructions, fingerprints the slot region and
// reports what changed.
//
// A session owns exactly one browser page for its whole lifetime and releases
// it on every exit path. It never touches persisted state; everything it
// learns leaves through the Notifier as events. Cancelling the context passed
// to Run stops the loop at the next suspension point.
package session
