package snapbuild

import (
	"errors"
	"fmt"

	"github.com/yndnr/logicalsnap/internal/lsn"
)

var (
	// ErrContractViolation marks out-of-order or self-contradicting input.
	// It is fatal: the builder refuses every later event.
	ErrContractViolation = errors.New("snapbuild: feed contract violation")

	ErrClosed            = errors.New("snapbuild: builder is closed")
	ErrNoSnapshot        = errors.New("snapbuild: no snapshot before reaching full snapshot state")
	ErrNotConsistent     = errors.New("snapbuild: cannot build an initial slot snapshot before reaching a consistent state")
	ErrNotAllTracked     = errors.New("snapbuild: cannot build an initial slot snapshot, not all transactions are monitored anymore")
	ErrAlreadyExported   = errors.New("snapbuild: a snapshot is already exported")
	ErrTwoPhaseAt        = errors.New("snapbuild: two-phase position already set")
	ErrResourceExhausted = errors.New("snapbuild: snapshot too large")
)

// ContractError reports which event broke the feed contract and how.
type ContractError struct {
	Event  string
	LSN    lsn.LSN
	Detail string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("snapbuild: contract violation in %s at %s: %s", e.Event, e.LSN, e.Detail)
}

func (e *ContractError) Unwrap() error {
	return ErrContractViolation
}

func violation(event string, at lsn.LSN, format string, args ...any) error {
	return &ContractError{Event: event, LSN: at, Detail: fmt.Sprintf(format, args...)}
}
