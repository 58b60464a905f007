// Package main hosts the regiscan service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics and the lookup endpoints. Every request is attributed
//     to the configured principal.
//   - Engine: internal/engine admits lookups against two sliding one-hour windows (global and per principal),
//     answers same-day repeats from the registry, and queues the rest for a single worker that runs one job at a
//     time with a cooldown in between.
//   - Execution: the synthetic strategy returns a fixed summary and a sample PDF; the external strategy runs the
//     register CLI in a docker container and collects the PDF from a scratch directory.
//   - Persistence & fanout: documents are stored under their SHA-256 in the configured BlobStore (local/memory/GCS).
//     Finished jobs are optionally archived to Postgres and announced on Pub/Sub through the progress Hub.
//
// Quick checklist:
//   - Configure env vars: PORT or REGISCAN_SERVER_PORT, REGISCAN_EXECUTION_MODE=synthetic|external,
//     REGISCAN_STORAGE_PROVIDER, REGISCAN_PUBSUB_*, REGISCAN_DB_DSN. A .env file in the working directory is read
//     first.
//   - Run locally: go run ./cmd/regiscan serve --config config.yaml
//   - One-shot: go run ./cmd/regiscan lookup --company-id c1 --company-name "TechFlow GmbH"
package main
