// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane execute one at a time, in enqueue order.
//   - Tasks in different lanes may execute concurrently.
//   - A lane exists only while it has queued or running work.
//   - A caller that gives up while its task is still queued removes the task;
//     once a task has started the caller waits for its result.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.SessionLane("user_7_character_42"),
//		func(ctx context.Context) (interface{}, error) {
//			return "ok", nil
//		})
package commandqueue
