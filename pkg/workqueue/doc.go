// Package workqueue runs tasks under one process-wide concurrency ceiling.
//
// Invariants:
// - At most Limit tasks run at once, across every owner.
// - Tasks beyond the ceiling wait in a single FIFO queue and start in submission order.
// - Every submitted task reports exactly once through its done callback, including
//   tasks dropped by CancelOwner or Close.
//
// Usage:
//
//	q := workqueue.New(runtime.NumCPU())
//	defer q.Close()
//	_, err := q.Submit(ctx, sessionID, func(ctx context.Context) error {
//		return render(ctx)
//	}, func(err error) { results <- err })
package workqueue
