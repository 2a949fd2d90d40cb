// Package sensor defines the device-facing adapters for geolocation and
// camera capture. Implementations wrap whatever hardware or companion-device
// API is available; the orchestrator only sees these interfaces.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/greenproof/internal/domain"
)

// FailureCode identifies why a sensor operation failed.
type FailureCode string

const (
	// Geolocation failures.
	FailurePermissionDenied    FailureCode = "PERMISSION_DENIED"
	FailurePositionUnavailable FailureCode = "POSITION_UNAVAILABLE"
	FailureTimeout             FailureCode = "TIMEOUT"
	FailureUnsupported         FailureCode = "UNSUPPORTED"
	// Camera failures. PERMISSION_DENIED is shared.
	FailureNotFound FailureCode = "NOT_FOUND"
	FailureBusy     FailureCode = "BUSY"
)

// Failure is a typed sensor error. Callers branch on the code to decide
// whether a retry affordance makes sense.
type Failure struct {
	Code FailureCode
	Op   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("sensor: %s failed: %s", f.Op, f.Code)
}

// NewFailure builds a Failure for the given operation.
func NewFailure(op string, code FailureCode) *Failure {
	return &Failure{Code: code, Op: op}
}

// IsFailure reports whether err carries the given sensor failure code.
func IsFailure(err error, code FailureCode) bool {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Code == code
	}
	return false
}

// AcquireOptions tunes a single position acquisition. Every call produces a
// fresh fix; implementations must not serve a cached position.
type AcquireOptions struct {
	Timeout      time.Duration
	HighAccuracy bool
}

// Geolocator produces one-shot location fixes. The first call may trigger a
// device permission prompt; callers must be able to call Acquire again after
// a PERMISSION_DENIED failure.
type Geolocator interface {
	Acquire(ctx context.Context, opts AcquireOptions) (domain.LocationFix, error)
}

// FacingPreference hints which camera to open. The preference is best-effort:
// a device with only a front camera still starts.
type FacingPreference string

const (
	FacingEnvironment FacingPreference = "environment"
	FacingUser        FacingPreference = "user"
)

// Stream is a live camera stream handle. Stop is idempotent and releases the
// underlying hardware resource.
type Stream interface {
	Snapshot() (domain.CapturedImage, error)
	Stop()
}

// Camera opens device camera streams. Start may trigger a permission prompt.
type Camera interface {
	Start(ctx context.Context, pref FacingPreference) (Stream, error)
}
