package apperrors

import (
	"errors"
	"net/http"
)

// Error kinds shared by the dispatch core and the API boundary. Callers wrap
// them with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidState          = errors.New("invalid state")
	ErrNoDriversAvailable    = errors.New("no drivers available")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrExternalDegraded      = errors.New("external service degraded")

	// ErrConflict is returned by stores when a compare-and-swap lost a race.
	ErrConflict = errors.New("conflict")
)

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoDriversAvailable):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
