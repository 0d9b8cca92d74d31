package core

import (
	"errors"
	"fmt"
)

// Error is our own defined error type so that every layer can classify
// failures the same way: transient errors are retried with backoff, fatal
// errors are surfaced to the caller's callback, and per-packet errors are
// logged and dropped at the ingest boundary.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Packet/message codec errors ------//

	// ErrBadMagic is returned when a packet does not start with the
	// expected magic bytes.
	ErrBadMagic

	// ErrTruncated is returned when a buffer ends before the structure it
	// should contain. For stream parsing this usually means "receive more
	// bytes and try again" rather than corruption.
	ErrTruncated

	// ErrBadField is returned when a field holds a value the format does
	// not allow.
	ErrBadField

	// ErrUnknownType is returned when a type discriminant selects no known
	// variant.
	ErrUnknownType

	//------ Query level errors ------//

	// ErrNoSuchPlayer is returned when a request names a player number we
	// have not seen on the network.
	ErrNoSuchPlayer

	// ErrPlayerNotReady is returned when a player's current play state is
	// known to make its database service unresponsive. The request should
	// be retried later.
	ErrPlayerNotReady

	// ErrUnavailable is returned when the remote side reports that the
	// requested item does not exist (zero byte count, empty result). This
	// is a definitive answer, not a failure to ask.
	ErrUnavailable

	// ErrQueryFailed is returned when a reply arrives but reports failure
	// or cannot be interpreted.
	ErrQueryFailed

	// ErrInvalidRequest is returned for request kinds the dispatcher does
	// not know.
	ErrInvalidRequest

	//------ Connection/transfer level errors ------//

	// ErrConnect is returned when a TCP or UDP endpoint cannot be reached.
	ErrConnect

	// ErrConnectionLost is returned when an established session dies
	// mid-request. The in-flight request may be retried on a fresh session.
	ErrConnectionLost

	// ErrTimeout is returned when the retry/timeout budget of a network
	// operation is exhausted.
	ErrTimeout

	// ErrDownloadFailed is returned when a whole file transfer fails. Any
	// partially written destination must be considered invalid.
	ErrDownloadFailed

	// ErrAlreadyExists is returned when a download destination file is
	// already present. Downloads never overwrite.
	ErrAlreadyExists

	//------ RPC level errors ------//

	// ErrRPC is returned when the RPC layer reports a denied or
	// unsuccessful call.
	ErrRPC

	// ErrNFS is returned when an NFS procedure completes with a non-ok
	// status.
	ErrNFS

	//------ Meta-error ------//

	// ErrCanceled is returned when a request is abandoned because the
	// owning component is shutting down.
	ErrCanceled

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrBadMagic:    "bad magic bytes",
	ErrTruncated:   "truncated buffer",
	ErrBadField:    "invalid field value",
	ErrUnknownType: "unknown type discriminant",

	ErrNoSuchPlayer:   "player not found",
	ErrPlayerNotReady: "player not ready for queries",
	ErrUnavailable:    "requested item not available",
	ErrQueryFailed:    "query failed",
	ErrInvalidRequest: "invalid request kind",

	ErrConnect:        "couldn't connect",
	ErrConnectionLost: "connection lost",
	ErrTimeout:        "timed out",
	ErrDownloadFailed: "download failed",
	ErrAlreadyExists:  "destination already exists",

	ErrRPC: "RPC call failed",
	ErrNFS: "NFS call failed",

	ErrCanceled: "request canceled",
	ErrUnknown:  "unknown error",
}

func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return fmt.Sprintf("invalid error code %d", int(e))
}

// Error implements the error interface so an Error can be returned
// directly or wrapped with context via fmt.Errorf("...: %w", e).
func (e Error) Error() string {
	return e.String()
}

// IsRetriable checks if we should retry on a given returned error.
// Retriable errors are transient conditions: the remote player is busy,
// the network dropped bytes, or a session died and can be reopened.
func (e Error) IsRetriable() bool {
	switch e {
	case ErrPlayerNotReady, ErrConnectionLost, ErrTimeout, ErrConnect:
		return true
	}
	return false
}

// IsRetriableError checks if err is 1) a core.Error 2) retriable.
func IsRetriableError(err error) bool {
	var ce Error
	if errors.As(err, &ce) {
		return ce.IsRetriable()
	}
	return false
}
