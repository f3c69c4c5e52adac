// Package errs defines the error taxonomy shared by the queue consumers,
// the study coordinator and the anonymisation engine.
//
// Low-level adapters translate transport failures into one of these kinds;
// the consumer loop acts only on the kind:
//   - Requeue         → Nak, the message is redelivered later.
//   - Discard         → Ack with a log line, the study is never retried.
//   - AlreadyExported → treated as success, no duplicate upload.
//   - Config          → fatal to the worker task.
//
// Anything not wrapped in one of these is a programmer error and is neither
// acked nor naked silently.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrRequeue marks a transient upstream condition (pending jobs, 5xx,
	// broker disconnect).
	ErrRequeue = errors.New("requeue")

	// ErrDiscard marks a study that can never be processed (no such record
	// upstream, excluded modality, transfer deadline exceeded).
	ErrDiscard = errors.New("discard")

	// ErrAlreadyExported marks an upload attempt for an image whose
	// exported_at is already set.
	ErrAlreadyExported = errors.New("already exported")

	// ErrConfig marks a missing or malformed project configuration.
	ErrConfig = errors.New("configuration error")
)

// Requeuef wraps a formatted message with ErrRequeue.
func Requeuef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRequeue, fmt.Sprintf(format, args...))
}

// Discardf wraps a formatted message with ErrDiscard.
func Discardf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDiscard, fmt.Sprintf(format, args...))
}

// Configf wraps a formatted message with ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func IsRequeue(err error) bool         { return errors.Is(err, ErrRequeue) }
func IsDiscard(err error) bool         { return errors.Is(err, ErrDiscard) }
func IsAlreadyExported(err error) bool { return errors.Is(err, ErrAlreadyExported) }
func IsConfig(err error) bool          { return errors.Is(err, ErrConfig) }
