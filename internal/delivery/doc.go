// Package delivery presents due notifications to the user.
//
// Service is the dispatcher's sink. Deliver only enqueues: a bounded queue
// is drained by a small worker pool that fans each message out to every
// configured backend (console log, desktop notification over D-Bus,
// Telegram chat) with a shared rate limit and per-backend retry.
//
// Urgent messages skip the rate limiter. Outcomes are published on the
// event bus and kept in a short in-memory history for the API.
package delivery
