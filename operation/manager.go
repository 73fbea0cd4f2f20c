package operation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrBusy is returned by TryNew while another operation is in progress.
var ErrBusy = errors.New("another operation is in progress")

// SingleOperationManager admits at most one operation at a time. A caller arriving while an
// operation is running is turned away with ErrBusy instead of waiting or pre-empting it.
type SingleOperationManager struct {
	mu        sync.Mutex
	currentOp *anOp
}

type anOp struct {
	info       Operation
	cancelFunc context.CancelFunc
}

// TryNew admits a new operation named method. The returned context carries the operation and is
// cancelled by the returned done function, which must always be called.
func (sm *SingleOperationManager) TryNew(ctx context.Context, method string) (context.Context, func(), error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.currentOp != nil {
		return ctx, func() {}, errors.Wrapf(ErrBusy, "cannot start %s while %s (%s) is pending",
			method, sm.currentOp.info.Method, sm.currentOp.info.ID)
	}

	theOp := &anOp{info: Operation{ID: uuid.New(), Method: method, Started: time.Now()}}
	if deadline, ok := ctx.Deadline(); ok {
		theOp.info.Deadline = deadline
	}
	ctx = context.WithValue(ctx, opKey, theOp)
	ctx, theOp.cancelFunc = context.WithCancel(ctx)
	sm.currentOp = theOp

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			theOp.cancelFunc()
			sm.mu.Lock()
			if theOp == sm.currentOp {
				sm.currentOp = nil
			}
			sm.mu.Unlock()
		})
	}, nil
}

// Current returns a snapshot of the running operation.
func (sm *SingleOperationManager) Current() (Operation, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.currentOp == nil {
		return Operation{}, false
	}
	return sm.currentOp.info, true
}

// CancelRunning cancels the current operation's context. The operation stays admitted until its
// owner calls done.
func (sm *SingleOperationManager) CancelRunning() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.currentOp != nil {
		sm.currentOp.cancelFunc()
	}
}

// WaitForSuccess will call testFunc every pollTime until it returns true, an error, or ctx is done.
func WaitForSuccess(
	ctx context.Context,
	pollTime time.Duration,
	testFunc func(ctx context.Context) (bool, error),
) error {
	for {
		res, err := testFunc(ctx)
		if err != nil {
			return err
		}
		if res {
			return nil
		}

		if !utils.SelectContextOrWait(ctx, pollTime) {
			return ctx.Err()
		}
	}
}
