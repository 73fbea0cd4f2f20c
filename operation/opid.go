// Package operation tracks the single in-flight request or transition of a component.
package operation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type opKeyType string

const opKey = opKeyType("op")

// Operation describes one admitted request. It is a value snapshot; mutating it has no effect on
// the manager.
type Operation struct {
	ID       uuid.UUID
	Method   string
	Started  time.Time
	Deadline time.Time
}

// HasDeadline reports whether the operation was admitted with a deadline.
func (o Operation) HasDeadline() bool {
	return !o.Deadline.IsZero()
}

// Get returns the operation attached to ctx by SingleOperationManager.TryNew, if any.
func Get(ctx context.Context) (Operation, bool) {
	op, ok := ctx.Value(opKey).(*anOp)
	if !ok {
		return Operation{}, false
	}
	return op.info, true
}
