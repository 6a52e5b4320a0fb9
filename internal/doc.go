// Package meterflow ingests hourly meter readings from vendor APIs.
//
// # Architecture
//
// The service is structured into several key packages:
//   - queue, worker: work queues, idle-timeout worker loops and the pool runner
//   - gaps: detection of missing hours per meter with a TTL cache
//   - pipeline: the connector run (gaps, fetch, standardize, save)
//   - api: vendor HTTP client and per-meter-type standardizers
//   - updates: update manifests, their upload and finalization
//   - loader, database: warehouse loading of pending manifests
//   - storage: object storage (MinIO or in-memory)
//   - scheduler, grpc, metrics, config: the service around the pipeline
//
// Key Features
//
//   - Gap filling:
//     Every run looks back a configurable number of hours and fetches only
//     the meter hours that have no canonical record yet, most recent first.
//
//   - Update manifests:
//     Every saved object is listed in exactly one manifest under the
//     updates directory of its location. Downstream consumers move a
//     manifest to the processed prefix once handled.
//
//   - Partial failure:
//     A failed item is logged and dropped; the next run rediscovers the gap.
//
// For more information about specific packages, see their respective
// documentation.
package meterflow
