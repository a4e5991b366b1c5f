// Package jobsched is an embeddable cron-style job scheduler.
//
// A JobScheduler keeps job metadata (schedule, next and last fire time,
// run count) in a MetaDataStorage and job payloads in a JobCodeRegistry.
// Every tick it asks the storage for due jobs, advances their schedules,
// then runs each payload in its own goroutine. Notifications subscribe to
// a job's lifecycle (scheduled, started, stopped, removed).
//
// Three kinds of job exist:
//
//	NewCronJob("0 */5 * * * *", fn)      // cron, optional seconds field
//	NewRepeatedJob(time.Minute, fn)      // fixed interval, >= 1s
//	NewOneShotJob(10*time.Second, fn)    // single run, removed afterwards
//
// Times have one second granularity and are stored as unix seconds. Cron
// expressions are evaluated in UTC unless WithLocation says otherwise.
//
// The scheduler initializes itself lazily on the first call that needs it.
// Tick drives it by hand; Start runs a background loop until Shutdown.
package jobsched
