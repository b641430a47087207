package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformed             = errors.New("malformed encrypted object")
	ErrNotSigned             = errors.New("session key is not signed")
	ErrCertifyBeforeRegister = errors.New("certify attempted before register produced a blob object")
)

// ValidationError is returned for malformed ids, thresholds, ttls and any
// protocol ordering violation detected before a call leaves the process.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NetworkError wraps transport failures, timeouts and 5xx responses.
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether a retry could plausibly succeed.
func (e *NetworkError) Temporary() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= 500 || e.Status == 429
}

// QuorumError is returned when fewer signatures or shares than required
// were collected.
type QuorumError struct {
	What string
	Have int
	Need int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not reached for %s: have %d, need %d", e.What, e.Have, e.Need)
}

type ChainErrorKind string

const (
	ChainAborted           ChainErrorKind = "aborted"
	ChainInsufficientFunds ChainErrorKind = "insufficient_funds"
	ChainObjectNotFound    ChainErrorKind = "object_not_found"
)

// ChainCallError is returned when a chain call aborts.
type ChainCallError struct {
	Kind  ChainErrorKind
	Call  string
	Abort string
	Err   error
}

func (e *ChainCallError) Error() string {
	msg := fmt.Sprintf("chain call %s failed (%s)", e.Call, e.Kind)
	if e.Abort != "" {
		msg += ": " + e.Abort
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChainCallError) Unwrap() error {
	return e.Err
}

type PolicyDeniedError struct {
	Server  ID
	Message string
}

func (e *PolicyDeniedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("policy denied by key server %s: %s", e.Server, e.Message)
	}
	return fmt.Sprintf("policy denied by key server %s", e.Server)
}

type ExpiredSessionError struct {
	Session   string
	ExpiredAt time.Time
}

func (e *ExpiredSessionError) Error() string {
	if e.ExpiredAt.IsZero() {
		return fmt.Sprintf("session key %s expired", e.Session)
	}
	return fmt.Sprintf("session key %s expired at %s", e.Session, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// IncompatibleSessionError is returned when a session key is used against
// a policy living in a different package than the one it was created for.
type IncompatibleSessionError struct {
	SessionPackage ID
	PolicyPackage  ID
}

func (e *IncompatibleSessionError) Error() string {
	return fmt.Sprintf("session key bound to package %s cannot be used for package %s", e.SessionPackage, e.PolicyPackage)
}

// UnsupportedOperationError marks administrative actions that have no
// wire-protocol path from this client.
type UnsupportedOperationError struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %s is not supported: %s", e.Op, e.Reason)
}

type NotFoundError struct {
	BlobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s", e.BlobID)
}

type UploadRejectedError struct {
	Status  int
	Message string
}

func (e *UploadRejectedError) Error() string {
	return fmt.Sprintf("upload rejected (status %d): %s", e.Status, e.Message)
}

// CommitError wraps every failure of a commit pipeline with the phase at
// which it happened. Reservation is set when storage was already paid for,
// so the caller can resume instead of buying again.
type CommitError struct {
	Phase       CommitPhase
	BlobID      BlobID
	Reservation *StorageReservation
	Err         error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of blob %s aborted during %s: %v", e.BlobID, e.Phase, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Salvageable reports whether already spent state can be reused by a
// resumed commit.
func (e *CommitError) Salvageable() bool {
	return e.Reservation != nil
}
