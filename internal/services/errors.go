package services

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	ErrTicketNotFound = fmt.Errorf("ticket %w", ErrNotFound)
	ErrRuleNotFound   = fmt.Errorf("automation rule %w", ErrNotFound)
	ErrPolicyNotFound = fmt.Errorf("sla policy %w", ErrNotFound)
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
