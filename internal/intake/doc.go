// Package intake accepts feedback submissions and drives their processing.
//
// Submit gates each call through the per-tenant rate limiter, normalizes and
// validates the request, confirms the source record still exists, and
// stores the feedback unprocessed. Everything after the durable write runs
// detached from the caller: the reclaim flag for confirmed sources and the
// training update through Processor. Failures there are logged and leave
// the feedback unprocessed; Reprocessor replays such feedback later.
package intake
