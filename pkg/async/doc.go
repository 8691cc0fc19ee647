// Package async provides safe concurrent execution primitives for background work.
//
// SafeGo runs a function in a goroutine with panic recovery and a timeout:
//
//	async.SafeGo(ctx, 5*time.Second, "deliver notification", func(ctx context.Context) error {
//		return notifier.Notify(ctx, n)
//	})
//
// WorkerPool runs submitted tasks on a fixed number of workers:
//
//	pool := async.NewWorkerPool(ctx, 4, "event dispatch", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
// Batch fans a slice out over a pool and waits for every item:
//
//	errs := async.Batch(ctx, rows, 4, "renewal", 30*time.Second, func(ctx context.Context, id int64) error {
//		return runner.renewOne(ctx, id)
//	})
//
// Panics and task errors are logged through the package logger, which
// defaults to the logrus standard logger and can be replaced with SetLogger.
//
// # Related Packages
//
//   - pkg/billing: fans batch passes out with Batch
//   - pkg/events: delivers in-process events with a WorkerPool
package async
