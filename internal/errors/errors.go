// internal/errors/errors.go
package appErrors

import (
    "errors"
    "fmt"
)

// Machine readable error types returned to API clients.
const (
    TypeValidation   = "VALIDATION"
    TypeNotFound     = "NOT_FOUND"
    TypeInvalidState = "INVALID_STATE"
    TypeInternal     = "INTERNAL"
)

// ErrNewsletterNotFound is returned when no newsletter has the given ID.
type ErrNewsletterNotFound struct {
    NewsletterID string
}

func (e *ErrNewsletterNotFound) Error() string {
    return fmt.Sprintf("newsletter with ID %s not found", e.NewsletterID)
}

func NewNewsletterNotFound(id string) error {
    return &ErrNewsletterNotFound{NewsletterID: id}
}

// ValidationError rejects a request before anything is sent.
type ValidationError struct {
    Field   string
    Message string
}

func (e *ValidationError) Error() string {
    if e.Field == "" {
        return e.Message
    }
    return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Type() string { return TypeValidation }

func NewValidationError(field, message string) error {
    return &ValidationError{Field: field, Message: message}
}

// ErrInvalidState is returned when an operation does not fit the current
// newsletter status, e.g. a retry chunk for a newsletter that is not retrying.
var ErrInvalidState = errors.New("invalid newsletter state")

func InvalidState(format string, args ...any) error {
    return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func IsNotFound(err error) bool {
    var nf *ErrNewsletterNotFound
    return errors.As(err, &nf)
}

func IsValidation(err error) bool {
    var ve *ValidationError
    return errors.As(err, &ve)
}
