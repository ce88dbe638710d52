package profiled

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/profiled/internal/storage"
)

// Code is a stable identifier for a profiled failure class. Callers branch on
// codes rather than error strings.
type Code string

const (
	// SessionLocked: another live process holds the lease. Recoverable by
	// retrying later or escalating to ForceLoad.
	SessionLocked Code = "session_locked"
	// LeaseStolen: this process lost its lease to another session. Not
	// retryable; the profile must be claimed again.
	LeaseStolen Code = "lease_stolen"
	// TransientStoreError: a retryable store fault. Handled internally;
	// surfaces only wrapped inside StoreUnavailable once retries exhaust.
	TransientStoreError Code = "transient_store_error"
	// StoreUnavailable: retries exhausted or the store refused the operation.
	StoreUnavailable Code = "store_unavailable"
	// DataCorruption: a stored blob failed to decode. The blob is left in
	// place for forensics; it is never silently overwritten.
	DataCorruption Code = "data_corruption"
	// InvalidConfiguration: the configuration cannot produce a working
	// service. Fatal at startup.
	InvalidConfiguration Code = "invalid_configuration"
	// NotFound: the record does not exist.
	NotFound Code = "not_found"
)

// Failure is the typed error returned by profiled operations.
type Failure struct {
	// Code classifies the failure.
	Code Code
	// Store and Key identify the record involved, when applicable.
	Store string
	Key   string
	// Detail is a human-readable explanation.
	Detail string
	// RetryAfter hints when a retry could succeed (SessionLocked: time until
	// the holder's lease would be presumed dead). Zero means no hint.
	RetryAfter time.Duration
	// Err is the underlying cause, if any.
	Err error
}

func (f *Failure) Error() string {
	msg := "profiled: " + string(f.Code)
	if f.Store != "" && f.Key != "" {
		msg += " " + f.Store + "/" + f.Key
	}
	if f.Detail != "" {
		msg += " (" + f.Detail + ")"
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// IsCode reports whether err is (or wraps) a Failure with the given code.
func IsCode(err error, code Code) bool {
	var f *Failure
	return errors.As(err, &f) && f.Code == code
}

// CodeOf returns the failure code carried by err, or "" when err is not a
// Failure.
func CodeOf(err error) Code {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

func newFailure(code Code, store, key, detail string) *Failure {
	return &Failure{Code: code, Store: store, Key: key, Detail: detail}
}

// storeFailure translates a gateway error into the public taxonomy. Updater
// errors that already carry a Failure pass through unchanged.
func storeFailure(store, key string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrCorruptRecord):
		return &Failure{
			Code:   DataCorruption,
			Store:  store,
			Key:    key,
			Detail: "stored record failed to decode",
			Err:    err,
		}
	case storage.IsTransient(err):
		return &Failure{
			Code:   StoreUnavailable,
			Store:  store,
			Key:    key,
			Detail: "store retries exhausted",
			Err:    err,
		}
	default:
		return &Failure{
			Code:   StoreUnavailable,
			Store:  store,
			Key:    key,
			Detail: "store operation failed",
			Err:    err,
		}
	}
}

// stolenError aborts a save updater when the remote record no longer belongs
// to this session. It never leaves the root package; callers convert it into
// lease invalidation plus an optional LeaseStolen failure.
type stolenError struct {
	takenBy *storage.Session
}

func (e *stolenError) Error() string {
	if e.takenBy != nil {
		return fmt.Sprintf("lease taken by %s", e.takenBy)
	}
	return "lease no longer held"
}
