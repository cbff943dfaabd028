// Package natsclient wraps a NATS connection for captureflow.
//
// The client adds three things on top of nats.go:
//
//   - A circuit breaker. After a threshold of consecutive failures the
//     client refuses work with ErrCircuitOpen for a backoff period that
//     doubles on each opening, capped by WithMaxBackoff.
//   - Health reporting through WithHealthChangeCallback, fed by the
//     nats.go connection handlers and a periodic RTT check.
//   - JetStream helpers for the pieces captureflow needs: EnsureStream and
//     EnsureConsumer for the inbound capture queue, PublishToStream for the
//     publish command, and CreateObjectStore for the archive bucket.
//
// Basic use:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("captureflow"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// Tests that need a real server use NewTestClient or NewSharedTestClient,
// which start a nats container through testcontainers-go.
package natsclient
