package explorer

import (
	"errors"
	"fmt"

	"github.com/nuetzliches/busdeck/internal/broker"
)

var ErrMessageNotFound = errors.New("message not found within scan budget")

// PartialFailureError reports a resubmission whose source message was removed
// from the dead-letter sub-queue but whose replacement was not sent. The
// message is lost unless the operator re-sends it.
type PartialFailureError struct {
	Entity    broker.Entity
	MessageID string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("resubmit %s on %s: dead-letter copy removed but send failed: %v", e.MessageID, e.Entity, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func IsPartialFailure(err error) bool {
	var pf *PartialFailureError
	return errors.As(err, &pf)
}

// InvalidTargetError rejects a send before it reaches the broker: a
// subscription target, or a message that cannot fit any batch.
type InvalidTargetError struct {
	Entity broker.Entity
	Reason string
	Err    error
}

func (e *InvalidTargetError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid send target %s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("invalid send target %s: %s", e.Entity, e.Reason)
}

func (e *InvalidTargetError) Unwrap() error { return e.Err }

func IsInvalidTarget(err error) bool {
	var it *InvalidTargetError
	return errors.As(err, &it)
}
