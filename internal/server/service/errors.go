package service

import (
	"errors"
	"fmt"

	"hermes/internal/server/database"
)

// Sentinel errors for the service layer. Everything else is internal and
// must not be shown to callers verbatim.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrStoreFailure    = errors.New("store failure")
)

// IsClientError reports whether err carries a caller-facing message.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden)
}

// translate maps store errors onto the service taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrInvalidID):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, database.ErrStoreFailure):
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	default:
		return err
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
