package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/store-access/internal/util/workerpool"
)

// PostCommitWork runs on the access manager's worker pool after the
// transaction that queued it commits. Aborted transactions discard it.
type PostCommitWork func(ctx context.Context) error

type postCommitTask struct {
	name string
	work PostCommitWork
}

// AddPostCommitWork queues work to run once this transaction commits
func (t *Transaction) AddPostCommitWork(name string, work PostCommitWork) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.postCommit = append(t.postCommit, postCommitTask{name: name, work: work})
	return nil
}

// schedulePostCommit hands committed work to the pool. Work the pool
// rejects runs on the caller.
func (am *AccessManager) schedulePostCommit(tasks []postCommitTask) {
	for _, pc := range tasks {
		pc := pc
		am.pending.Add(1)
		task := workerpool.Task{
			ID: pc.name,
			Fn: func(ctx context.Context) error {
				defer am.pending.Done()
				err := pc.work(ctx)
				if err != nil {
					am.metrics.RecordPostCommitTask("failed")
				} else {
					am.metrics.RecordPostCommitTask("ok")
				}
				return err
			},
		}
		if err := am.postCommit.Submit(task); err != nil {
			am.logger.Warn("Post-commit pool rejected work, running it inline",
				zap.String("task_id", pc.name),
				zap.Error(err))
			if err := task.Fn(context.Background()); err != nil {
				am.logger.Error("Post-commit work failed",
					zap.String("task_id", pc.name),
					zap.Error(err))
			}
		}
	}
}

// WaitForPostCommitToFinishWork blocks until all queued post-commit work
// has run or ctx is done
func (am *AccessManager) WaitForPostCommitToFinishWork(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
