package referenceframe

import "github.com/pkg/errors"

// NewUnsupportedJointTypeError returns an error indicating that a given joint type is not supported.
func NewUnsupportedJointTypeError(jointType string) error {
	return errors.Errorf("unsupported joint type detected: %q", jointType)
}

// NewJointNotFoundError returns an error indicating a configured joint is missing from the robot
// description.
func NewJointNotFoundError(name string) error {
	return errors.Errorf("joint %q not found in robot description", name)
}

// NewInvalidLimitError returns an error for a joint whose limits cannot be used.
func NewInvalidLimitError(name, reason string) error {
	return errors.Errorf("joint %q has invalid limits: %s", name, reason)
}

// NewMissingLimitError returns an error for a bounded joint whose description lacks a limit element.
func NewMissingLimitError(name string) error {
	return errors.Errorf("joint %q has no <limit> element", name)
}
