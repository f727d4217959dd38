package recipe

import "errors"

// ErrProviderNotConfigured signals that no configuration exists for the
// requested provider. It is fatal and never retried.
var ErrProviderNotConfigured = errors.New("provider not configured")

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")
