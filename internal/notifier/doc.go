// Package notifier posts warning text into watched rooms.
//
// Sends are synchronous from the caller's point of view: the bell scheduler
// waits for the outcome so a failure can be logged against the warning that
// caused it. All rooms share one token bucket, since the chat service
// throttles per bot rather than per chat.
package notifier
