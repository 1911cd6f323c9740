// Package worker drains the engine's task queue.
//
// A Worker dequeues scheduled tasks (retry resumptions and approval expiry
// ticks) and hands each one to the engine. Queues only deliver a task once
// its NotBefore time has passed, so retry backoff never occupies a worker
// goroutine.
//
// Run starts Config.Concurrency loops over the queue plus a ticker that
// schedules approval expiry sweeps every Config.TickInterval. Several
// workers, possibly in different processes, may share one queue: each task
// is delivered to exactly one of them.
//
// A task whose handler fails is re-enqueued with exponential backoff until
// Config.MaxAttempts is reached, after which it is logged and dropped.
package worker
