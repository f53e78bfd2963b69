package transaction

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	// ErrTriggerNotFound is returned when removing a trigger handle which is
	// not registered.
	ErrTriggerNotFound = errors.New("trigger handle not registered")
	// ErrViewConstraint is returned when a key cannot be represented inside
	// a view, such as storing outside a bounded range.
	ErrViewConstraint = errors.New("key is outside view constraints")
	// ErrViewUnsupported is returned when a view cannot support a mutation,
	// such as storing through a transformer with no inverse key mapping.
	ErrViewUnsupported = errors.New("view does not support the operation")
	// ErrUnpositioned is returned by cursor operations requiring a position.
	ErrUnpositioned = errors.New("cursor is not positioned")
	// ErrTrashMissing is returned when undo replay cannot find the trash
	// entry referenced by an undo record.
	ErrTrashMissing = errors.New("trash entry missing, undo is not possible")
)

// BorkedTransactionError wraps the failure which made the transaction
// unusable. Commit and rollback keep failing until the transaction is reset.
type BorkedTransactionError struct {
	Cause error
}

func (e *BorkedTransactionError) Error() string {
	return fmt.Sprintf("transaction is borked: %v", e.Cause)
}

// LargeValueError is returned when a value length operation exceeds the
// platform int limit.
type LargeValueError struct {
	Length int64
}

func (e *LargeValueError) Error() string {
	return fmt.Sprintf("value length %d is too large", e.Length)
}
