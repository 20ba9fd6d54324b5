package coordinator

import (
	"context"
	"sync"
)

// RollbackFunc undoes one completed step of a multi-step import.
type RollbackFunc func(ctx context.Context) error

// Transaction is the rollback stack a multi-step import (write email,
// index it, file it into a folder, ...) pushes an inverse action onto
// after each step succeeds (spec §4.8: "remove-from-folder undoes
// add-to-folder, etc."). If a later step fails, Rollback runs every
// recorded inverse in reverse order on a best-effort basis: the already
// durable email block can never be unwritten, so a failed rollback step
// is recorded but does not stop the remaining ones from running.
type Transaction struct {
	mu        sync.Mutex
	rollbacks []RollbackFunc
	committed bool
}

// NewTransaction returns an empty rollback stack.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Record pushes fn onto the rollback stack; it runs (in LIFO order) only
// if Rollback is later called instead of Commit.
func (t *Transaction) Record(fn RollbackFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks = append(t.rollbacks, fn)
}

// Commit discards the rollback stack: the import succeeded in full.
func (t *Transaction) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks = nil
	t.committed = true
}

// Rollback runs every recorded inverse action in reverse order. It is a
// no-op if Commit already ran. The first error encountered is returned
// after every remaining rollback action has still been attempted.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	actions := t.rollbacks
	t.rollbacks = nil
	committed := t.committed
	t.mu.Unlock()

	if committed {
		return nil
	}
	var first error
	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
