package tasks

import (
	"context"
	"time"

	"github.com/ticdso/depthserve/jobqueue"
)

// waitFn sleeps a few ticks; useful to check the queue end to end.
func waitFn(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	for i := 0; i < 5; i++ {
		select {
		case <-ctx.Done():
			q.PushJobStdout(j.ID, "Task was canceled")
			return ctx.Err()
		case <-time.After(waitTick):
			q.PushJobStdout(j.ID, "Waiting in task...")
		}
	}
	return q.CompleteJob(j.ID)
}

var waitTick = time.Second
