package sdhci

import "errors"

var (
	// ErrBusy is returned by Submit while another request is in flight.
	// The caller retries later; nothing was issued.
	ErrBusy = errors.New("sdhci: command slot busy")

	// ErrInvalidArgs flags a malformed request or configuration value,
	// e.g. a data bearing command without a buffer.
	ErrInvalidArgs = errors.New("sdhci: invalid argument")

	// ErrUnsupported flags an operation the controller can't perform: an
	// 8 bit bus without the capability, or a transfer that exceeds the
	// descriptor chain's bounds.  Callers fall back or fail; nothing is
	// silently truncated.
	ErrUnsupported = errors.New("sdhci: not supported")

	// ErrTimedOut flags a hardware wait (reset, clock stabilization,
	// inhibit bits) that did not make its deadline.
	ErrTimedOut = errors.New("sdhci: timed out")

	// ErrIO is the status of a request that failed with a hardware error
	// interrupt, and of tuning that exhausted its retries.
	ErrIO = errors.New("sdhci: io error")

	// ErrInternal flags a register state verification mismatch after a
	// configuration change.
	ErrInternal = errors.New("sdhci: internal error")
)
