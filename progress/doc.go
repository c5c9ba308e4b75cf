// Package progress streams intermediate results and work-done reports of
// long-running requests as $/progress notifications.
//
// Two modes are offered. For aggregates the items a handler pushes, emits each
// chunk as a partial result and returns the full aggregate as the response
// value. Delegate hands the handler a begin function that opens a work-done
// report stream; nothing reported there becomes part of the result.
//
// Every stream is tied to a token, caller-supplied when the request carries a
// partialResultToken or workDoneToken and generated otherwise. Pushes to one
// token are serialized. A push after the owning request completed or was
// cancelled is dropped and reported as false.
package progress
