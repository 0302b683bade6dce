/*
Package worker runs the engine's background tasks on a fixed-size pool.

The scheduler submits planner tasks; each worker loops popping a task,
executing it, and returning to the queue. Submit is non-blocking: when the
queue is full the scheduler simply retries the node on its next poll, which
bounds global task concurrency at the configured worker count.

Shutdown cancels the pool context; workers drain the queued tasks and exit,
and Stop blocks until all of them have.
*/
package worker
