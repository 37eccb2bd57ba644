// Command jobcrawl searches several job boards in parallel and prints the
// aggregated, deduplicated result as JSON.
//
// Architecture overview:
//   - Orchestration: internal/orchestrator fans one search out to every requested platform with at most
//     orchestrator.concurrency platforms in flight. Each platform gets a progress task, waits for admission from
//     the per-platform rate limiter, optionally leases a headless browser from the resource pool, and runs its
//     adapter. One platform failing never affects another; results are aggregated in request order.
//   - Admission control: internal/policy/ratelimit combines a token bucket, a 60 second sliding window and a
//     per-platform cooldown. A 429 (or a tripped captcha breaker) pauses the platform for the server's Retry-After
//     or the profile's default pause.
//   - Anti-detection: internal/stealth supplies a shared cookie jar, weighted proxy rotation with health tracking,
//     captcha detection with a circuit breaker, and humanized delays. internal/fetcher threads every colly request
//     through them; internal/browser does the same for chromedp sessions.
//   - Adapters: internal/platform/listing turns a YAML template (search URL, card selector, field selectors) into a
//     platform adapter, promoting JavaScript-heavy pages to the browser pool when render is auto.
//   - Progress: internal/progress tracks task lifecycles and batches events to sinks: zap logs, Prometheus
//     collectors, the task table (Postgres when db.dsn is set, memory otherwise), and Pub/Sub notifications for
//     failures, batch completion and captcha alerts when pubsub.project_id is set.
//   - Sessions: the cookie jar is restored before and saved after every run through internal/session on the
//     configured blob backend (memory, local directory or GCS).
//   - Ops server: internal/api serves /healthz, /readyz, /metrics and read-only /v1 progress routes while a crawl
//     runs.
//
// Operational notes:
//   - Cancellation is cooperative. SIGINT/SIGTERM marks platforms that have not started as cancelled; platforms
//     already fetching run to completion, bounded by orchestrator.shutdown_timeout, after which pooled browsers
//     are force-destroyed.
//   - Readiness fails while any platform's captcha breaker is open or the browser pool is draining.
//
// Quick checklist:
//   - Configure platforms under platforms.<name> in YAML; CRAWLER_* env vars override any key
//     (CRAWLER_DB_DSN, CRAWLER_POOL_ENABLED, CRAWLER_STORAGE_BACKEND, ...).
//   - Run locally: go run ./cmd/jobcrawl --config jobcrawl.yaml crawl -k "backend engineer" -p wanted,saramin
//   - Inspect limits: go run ./cmd/jobcrawl --config jobcrawl.yaml platforms
package main
