// Package crawler holds the domain model shared by every subsystem: jobs and
// their state machine, pages, artifacts, URL normalization, scope filtering,
// fetch failure classification, retry policy, and the storage/queue
// interfaces the rest of the service is wired through.
package crawler
