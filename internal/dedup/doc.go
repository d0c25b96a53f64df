// Package dedup collapses concurrent identical pump requests.
//
// A Cache maps a canonical query key to the in-flight or recently resolved
// result for that key. Entries are valid for a short window (DefaultWindow)
// measured from the moment the request started, and are never evicted
// explicitly: a later miss simply overwrites the stale entry.
//
// CRITICAL: the pending entry is stored before the fetch function runs, under
// the cache mutex. Any caller that asks for the same key afterwards, no matter
// how close in time, joins the in-flight call instead of issuing its own.
//
// Failures are cached like successes. Every caller inside the window observes
// the same error; the next caller after the window retries.
package dedup
