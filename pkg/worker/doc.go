// Package worker provides a generic bounded worker pool.
//
// A Pool runs work items of type T on a fixed number of goroutines fed by a
// bounded queue. Submit never blocks: when the queue is full it returns
// ErrQueueFull and the caller decides what to do with the work (captureflow
// skips the secondary analysis and logs it).
//
// Every accepted item gets a Future with its own cancellable context:
//
//	pool := worker.NewPool(2, 4, func(ctx context.Context, path string) error {
//	    return analyze(ctx, path)
//	})
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
//	fut, err := pool.Submit("/var/lib/captureflow/decompressed_capture/srv1.pcap")
//	if err != nil {
//	    return err
//	}
//	if finished, _ := fut.Wait(10 * time.Second); !finished {
//	    fut.Cancel()
//	}
//
// Cancelling a queued item discards it without running the processor.
// Panics in the processor are recovered and reported as *PanicError.
//
// Statistics are always tracked with atomics; Prometheus metrics are added
// with WithMetricsRegistry.
package worker
