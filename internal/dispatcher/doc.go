// Package dispatcher turns due, pending notifications into delivered ones.
//
// One Dispatcher runs a polling loop (Run) that calls Tick on a fixed
// interval. Each tick reads the pending set in (scheduled_at, id) order,
// reads meeting mode once, hands every due and unsuppressed record to the
// Sink and then marks it delivered. Records whose scheduled time cannot be
// parsed are marked delivered without reaching the Sink.
//
// Errors never end the loop. Fetch and suppression failures are logged and
// the tick degrades (nothing fetched, or meeting mode treated as off). Sink
// and mark failures are isolated to their record.
package dispatcher
