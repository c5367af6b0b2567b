package domain

import "errors"

// Error kinds. These are sentinels, not concrete types: callers compare with
// errors.Is and wrap context with fmt.Errorf("...: %w", ErrX), the same
// pattern the teacher's repository package uses for ErrWgTimeout.
var (
	// ErrValidation covers bad handles, unknown platforms, bad ACL profiles. 400.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers a missing peer. 404.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers a duplicate handle, address, or public key. 409.
	ErrConflict = errors.New("conflict")

	// ErrExhaustion covers a fully used address range. 500.
	ErrExhaustion = errors.New("address range exhausted")

	// ErrKeyTool covers a key-tool subprocess failure. 500.
	ErrKeyTool = errors.New("key tool error")

	// ErrReloadFailed covers a kernel sync failure after a file rewrite. 500.
	ErrReloadFailed = errors.New("reload failed")

	// ErrConfigMissing covers a missing tunnel configuration file. 500.
	ErrConfigMissing = errors.New("config missing")

	// ErrConfigCorrupt covers an unparsable tunnel configuration file. 500.
	ErrConfigCorrupt = errors.New("config corrupt")

	// ErrRegistry covers a durable store that is unreachable. 503 at startup, 500 thereafter.
	ErrRegistry = errors.New("registry error")
)

// StatusFor maps an error kind to the HTTP status the external surface
// should return for it, per spec §7. Falls through to 500 for anything
// that doesn't match a known sentinel.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrExhaustion),
		errors.Is(err, ErrKeyTool),
		errors.Is(err, ErrReloadFailed),
		errors.Is(err, ErrConfigMissing),
		errors.Is(err, ErrConfigCorrupt),
		errors.Is(err, ErrRegistry):
		return 500
	default:
		return 500
	}
}
