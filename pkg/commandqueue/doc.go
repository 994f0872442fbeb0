// Package commandqueue serializes work per lane. The runner uses one lane per
// session so that two turns of the same session never interleave.
//
// Invariants:
// - Tasks in the same lane start in FIFO order.
// - Tasks in different lanes may run concurrently.
// - A caller whose context ends while its task is still queued leaves the queue
//   without the task ever running.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	err := queue.Run(ctx, "session:abc", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
