package sched

import (
	"fmt"

	"github.com/pkg/errors"
)

// TaskError reports the failure of a scheduled tile task. It carries enough
// identity (operation kind, tensor, tile index, tag) to reproduce the
// failing task. Failures are fatal to the enclosing computation: the graph
// drains the runnable siblings, skips dependents and rejects new submissions
// until the caller acknowledges the error with Ack.
type TaskError struct {
	Op   string
	Tile TileRef
	Tag  Tag
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q (tag %d, tensor %d, tile %d) failed: %v",
		e.Op, e.Tag, e.Tile.Tensor, e.Tile.Tile, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// runTask executes a task body, converting panics into errors so a broken
// kernel cannot take down the worker pool.
func runTask(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in task %q: %v", t.op, r)
		}
	}()
	return t.fn()
}
