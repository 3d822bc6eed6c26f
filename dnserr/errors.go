// Package dnserr defines the exhaustive set of error kinds this resolver
// can surface to a caller.
package dnserr

import (
	"errors"
	"fmt"

	"github.com/qdns/multidns/tracker"
)

// Kind enumerates the resolver's user-visible error kinds.
type Kind int

const (
	// Config means a Builder was missing or was given invalid configuration.
	// It is fatal; the caller must fix it and rebuild.
	Config Kind = iota
	// InvalidRequest means the request was malformed (bad domain, etc.).
	InvalidRequest
	// NoUpstreamAvailable means the emergency path ran with zero registered
	// upstreams, which should be impossible after a successful Build.
	NoUpstreamAvailable
	// AllUpstreamsFailed means every upstream in the selection plan
	// returned a transport error or SERVFAIL.
	AllUpstreamsFailed
	// Timeout means the overall query timeout was exceeded.
	Timeout
	// Protocol means a reply failed validation (ID/qname/qtype mismatch,
	// malformed message).
	Protocol
	// NxDomain is an authoritative negative answer. The cache and the
	// query pipeline treat it as a successful response, not an error; this
	// kind exists for callers who want to detect it via errors.As at their
	// own API boundary.
	NxDomain
	// NoData is an authoritative empty answer for an existing name.
	NoData
	// ServFail means every upstream in the plan responded SERVFAIL.
	ServFail
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case InvalidRequest:
		return "invalid_request"
	case NoUpstreamAvailable:
		return "no_upstream_available"
	case AllUpstreamsFailed:
		return "all_upstreams_failed"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	case NxDomain:
		return "nxdomain"
	case NoData:
		return "nodata"
	case ServFail:
		return "servfail"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by the public API.
type Error struct {
	Kind        Kind
	Message     string
	UpstreamIDs []int
	Emergency   *tracker.EmergencyInfo
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error wrapping a lower-level cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithUpstreams attaches the upstream IDs a failure was attempted against.
func (e *Error) WithUpstreams(ids []int) *Error {
	e.UpstreamIDs = ids
	return e
}

// WithEmergency attaches diagnostic emergency-mode info.
func (e *Error) WithEmergency(info tracker.EmergencyInfo) *Error {
	e.Emergency = &info
	return e
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == kind
}
