package core

import (
	"errors"
	"fmt"
)

// ErrRetryExhausted names the case of a fix loop that has used up its
// budget. The cascade does not return it; it records that case as a
// retry.exhausted event.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// ErrRunFinished is returned when a lifecycle report targets a run that
// already reached a terminal status.
var ErrRunFinished = errors.New("run already finished")

// RoleConflictError is returned when a registration would create a second
// crab with the same named role in one colony.
type RoleConflictError struct {
	ColonyID string
	Role     Role
	HolderID string
}

func (e *RoleConflictError) Error() string {
	return fmt.Sprintf("role %q in colony %s is already held by crab %s", e.Role, e.ColonyID, e.HolderID)
}

// IllegalTransitionError is returned when a state-machine guard rejects a
// requested status change.
type IllegalTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}
