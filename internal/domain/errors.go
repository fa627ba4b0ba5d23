package domain

import "errors"

// ErrMissingField is wrapped by EmailMessage.Validate.
var ErrMissingField = errors.New("missing required field")
