package relay

import "errors"

// ErrClaimConflict means another writer changed the row first. It is expected
// under concurrency and is never surfaced as a failure.
var ErrClaimConflict = errors.New("claim conflict")

var ErrRetryableDelivery = errors.New("retryable delivery failure")

var ErrFatalDelivery = errors.New("fatal delivery failure")

// ErrLedgerUnavailable marks a failed ledger round trip.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

var ErrNotFound = errors.New("event not found")

var ErrInvalidEvent = errors.New("invalid event")

var ErrInvalidConfig = errors.New("invalid config")

var ErrAlreadyStarted = errors.New("dispatcher already started")
