package registry

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

var (
	// ErrConnectivity wraps failures to reach the coordination service.
	// Callers own the retry policy.
	ErrConnectivity = errors.New("registry: coordination service unreachable")
	ErrRootMissing  = errors.New("registry: root node missing")
	ErrClosed       = errors.New("registry: closed")
)

// RegistrationError is returned by Join.
type RegistrationError struct {
	Root string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registry: join under %s: %v", e.Root, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// wrapCoord classifies a coordinator failure. The original error stays in
// the chain so errors.Is works for both the registry and coord sentinels.
func wrapCoord(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if coord.IsConnectivity(err) {
		return fmt.Errorf("%w: %s %s: %w", ErrConnectivity, op, path, err)
	}
	return fmt.Errorf("registry: %s %s: %w", op, path, err)
}
