package models

import (
	"errors"
	"fmt"
)

// Domain error classes. Callers match them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidArgument    = errors.New("invalid argument")
)

var (
	ErrMachineNotFound = fmt.Errorf("machine %w", ErrNotFound)
	ErrTeamNotFound    = fmt.Errorf("shift team %w", ErrNotFound)
	ErrNoActiveRecord  = fmt.Errorf("active production record %w", ErrNotFound)
	ErrShiftNotStaffed = fmt.Errorf("team shift not staffed: %w", ErrPreconditionFailed)
	ErrNoOperator      = fmt.Errorf("no operator resolvable: %w", ErrPreconditionFailed)
	ErrInvalidRate     = fmt.Errorf("rate must be a finite value >= 0: %w", ErrInvalidArgument)
	ErrInvalidWindow   = fmt.Errorf("window end before start: %w", ErrInvalidArgument)
	ErrInvalidDays     = fmt.Errorf("days out of range: %w", ErrInvalidArgument)
)
