// Package progress tracks the lifecycle of crawl tasks. A Tracker owns one
// record per unit of work and moves it through pending, running and a single
// terminal state, notifying listeners on every transition and once more when
// the whole batch is finished. Events can also be fed to a non-blocking Hub
// that batches them for sinks such as Prometheus, Postgres or Pub/Sub.
package progress
