// Package concurrency implements the non-blocking task runtime: routines,
// per-worker mailboxes, the worker pool with affinity and barrier
// scheduling, and the monotonic timekeeper.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package concurrency
