// Package chat keeps one viewer's picture of conversations, messages,
// typing indicators, reactions and unread counters consistent with a
// multi-user backend that delivers change-feed events asynchronously.
//
// A [Session] is constructed per authenticated viewer with [New] and torn
// down with Session.Close; there is no package-level state. UI actions
// call Session methods, which apply local effects and issue backend
// writes. The backend's change feed is decoded into typed events and
// applied by a single dispatcher goroutine, so the sender's own echo,
// other devices and other users all reconcile through the same merge
// rules:
//
//   - messages merge by id; an echo carrying a known client id (tempId)
//     replaces the pending entry in place
//   - reactions merge by reaction row id; duplicate inserts and deletes
//     of absent rows are no-ops
//   - received typing entries expire on a local timer even when the
//     delete event is lost
//   - unread counters move incrementally on live inserts and converge to
//     the bulk recount done on every conversation refresh
//
// Losing the change feed ends the dispatcher with [ErrFeedClosed]. The
// recovery path is Session.Resync, which re-subscribes and re-fetches
// state from a clean slate; the package does not retry on its own.
package chat
