// Copyright 2022 Molecula Corp. All rights reserved.

// Package task provides a small long-lived worker pool. Members of the pool
// survive across jobs, which matters during log replay: the usual
// per-operation launch facility is unavailable there, so index builds and
// similar bulk operations are handed to a pool whose members already exist.
//
// The pool deliberately does not use the buffered-channel-as-semaphore idiom
// for tracking liveness on shutdown. A member that finishes its last job
// must be observable by Close() without a missed wake-up, so member exit is
// reported under a mutex paired with a condition variable, and Close() waits
// on that condition re-checking the live count each time it wakes.
package task
