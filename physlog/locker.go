package physlog

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// TableLocker is the collaborator the locking goroutine drives: it knows
// how to take and release a shared read-lock on a table, and how to kill a
// statement that is blocking lock acquisition.
type TableLocker interface {
	LockShared(ctx context.Context, table string) error
	Unlock(ctx context.Context, table string) error
	KillStatement(ctx context.Context, table string) error
}

// lockTask is the locking goroutine from spec.md §9 "Thread-spawned
// locking... model as a message-passing task": it retries LockShared with
// backoff, sends on ready once the lock is held, and releases the lock when
// its context is cancelled.
type lockTask struct {
	cancel context.CancelFunc
	group  *errgroup.Group
	ready  chan struct{}
}

func startLockTask(parent context.Context, locker TableLocker, table string) *lockTask {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan struct{})

	g.Go(func() error {
		b := backoff.WithContext(backoff.NewExponentialBackOff(), gctx)
		err := backoff.Retry(func() error {
			return locker.LockShared(gctx, table)
		}, b)
		if err != nil {
			return err
		}
		close(ready)

		<-ctx.Done()
		return locker.Unlock(context.Background(), table)
	})

	return &lockTask{cancel: cancel, group: g, ready: ready}
}

// poll reports whether the lock is held yet, without blocking.
func (t *lockTask) poll() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// stop cancels the task (releasing the lock) and waits for it to exit.
func (t *lockTask) stop() error {
	t.cancel()
	return t.group.Wait()
}

// kill cancels the task and asks the collaborator to kill the blocking
// statement, for use when the lock has not been acquired within a deadline.
func (t *lockTask) kill(ctx context.Context, locker TableLocker, table string, timeout time.Duration) error {
	select {
	case <-t.ready:
		return t.stop()
	case <-time.After(timeout):
		_ = locker.KillStatement(ctx, table)
		return t.stop()
	}
}
