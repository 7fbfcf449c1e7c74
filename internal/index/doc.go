// Package index holds the in-memory catalog index: a red-black tree of books
// keyed by id, where every book owns a bounded reservation queue.
//
// Insert, FindExact, FindNearest and Delete run in O(log n) with at most three
// rotations per mutation. Borrow and Return apply the circulation rules:
//
//	available   --Borrow-->              unavailable (lent to the patron)
//	unavailable --Borrow-->              unavailable (reservation queued, or QueueFull)
//	unavailable --Return, queue empty--> available
//	unavailable --Return, queue busy-->  unavailable (lent to the next in line)
//
// Failures such as a missing book or a full queue are reported as result
// values and never modify the index. The index does no locking; hosts that
// share one across goroutines must serialize writers.
package index
