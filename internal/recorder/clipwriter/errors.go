package clipwriter

import (
	"errors"
	"fmt"

	"github.com/mikeyg42/clipcam/internal/recorder/avi"
)

// Common error taxonomy shared by all backends.
var (
	ErrUnsupportedHardware = errors.New("clipwriter: camera delivers neither stills nor video units")
	ErrInvalidState        = errors.New("clipwriter: invalid state")
	ErrCapacity            = errors.New("clipwriter: clip capacity exceeded")
	ErrFrameFormat         = errors.New("clipwriter: frame format does not match clip backend")
	ErrStorage             = errors.New("clipwriter: storage failure")
)

// translate maps a backend error onto the common taxonomy, keeping the
// original in the chain.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrCapacity), errors.Is(err, ErrStorage), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrFrameFormat):
		return err
	case errors.Is(err, avi.ErrCapacityExceeded):
		return fmt.Errorf("%w: %s: %w", ErrCapacity, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
}
