/*
Package orchestration schedules cluster recomputation.

Three loops cooperate around a core.JobQueue:

  - Scanner lists conversations whose update request is newer than their
    last computation and enqueues one job per conversation. The queue's
    singleton keys keep a conversation from being queued twice.
  - JobWorkerPool claims jobs in batches and runs them with bounded
    concurrency through a core.JobHandler.
  - Watchdog restarts a stalled pool, deletes jobs stuck in created or
    active, prunes terminal jobs and sweeps orphaned snapshots.

Scheduler starts them in order: purge leftover jobs, start the pool,
enqueue the startup probe, then run the scanner and watchdog.

Two queue backends exist: store.JobQueue on PostgreSQL and RedisJobQueue.
*/
package orchestration
