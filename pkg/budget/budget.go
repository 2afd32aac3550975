// Package budget admits process concurrency against per-user worker credits.
package budget

import (
	"context"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

var ErrOutOfWorkers = errors.New("This account is out of workers for now. Wait until your other processes have finished.")

// Counter is the slice of the durable store the controller needs.
type Counter interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	AddWorkerCount(ctx context.Context, userID string, delta int) error
}

// Controller reads and moves worker credits. Every change is a single atomic
// increment on the store, never a read followed by a write.
type Controller struct {
	counter Counter
}

func NewController(counter Counter) *Controller {
	return &Controller{counter: counter}
}

func (c *Controller) Available(ctx context.Context, userID string) (int, error) {
	u, err := c.counter.GetUser(ctx, userID)
	if err != nil {
		return 0, errors.Wrapf(err, "get worker count of user %s", userID)
	}
	return u.WorkerCount, nil
}

// Acquire debits n credits.
func (c *Controller) Acquire(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	return errors.Wrapf(c.counter.AddWorkerCount(ctx, userID, -n), "acquire %d workers", n)
}

// Release restores n credits.
func (c *Controller) Release(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	return errors.Wrapf(c.counter.AddWorkerCount(ctx, userID, n), "release %d workers", n)
}

// ThreadCount resolves how many workers a process may use. Inline text always
// runs on a single worker and no process asks for more workers than it has
// documents.
func ThreadCount(requested, available, ceiling int, text bool) int {
	if text {
		requested = 1
	}
	n := max(1, min(requested, available))
	if ceiling > 0 {
		n = min(n, ceiling)
	}
	return n
}
