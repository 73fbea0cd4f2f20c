package utils

import (
	"github.com/pkg/errors"
)

// NewLengthMismatchError is used when a vector does not match the configured joint count.
func NewLengthMismatchError(what string, expected, actual int) error {
	return errors.Errorf("%s has %d values but %d joints are configured", what, actual, expected)
}
