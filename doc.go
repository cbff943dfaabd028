// Package captureflow turns queued network captures into inference results.
//
// Each message carries a capture, inline as a base64 (optionally gzip)
// envelope or as the raw message body. The pipeline decodes it, stages it on
// disk under a name unique to the delivery, runs an external extraction tool
// against it, waits for the tool's table to settle, converts the table to
// Parquet and posts it to an inference endpoint as multipart/form-data.
//
// # Packages
//
//   - queue: broker abstraction, payload sources and the single-flight consumer
//   - queue/amqp, queue/jetstream: RabbitMQ and NATS JetStream brokers
//   - pipeline: the per-message state machine and the ack/nack decision
//   - codec, stage, extract, artifact, convert, submit: the pipeline stages
//   - analyzer: optional secondary tool run on a worker pool beside extraction
//   - ledger: terminal run records in Postgres or Pebble
//   - storage: archive backends (MinIO, NATS object store) for kept artifacts
//   - config, errors, metric, health, natsclient, pkg/retry, pkg/worker:
//     shared infrastructure
//
// # Delivery contract
//
// Deliveries are consumed one at a time with manual acknowledgement. A run
// that reaches DONE is acked. A FAILED run is nacked with requeue when its
// error is transient, dropped when it is invalid, and stops the consumer
// when it is fatal. Only the consumer settles deliveries; only the
// orchestrator decides how.
//
// The captureflow command in cmd/captureflow wires everything from a
// configuration file and CAPTUREFLOW_* environment variables.
package captureflow
