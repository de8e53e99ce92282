package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnavailable matches every failure that means the runtime could not
// produce a reply. Use errors.Is(err, ErrUnavailable).
var ErrUnavailable = errors.New("provider unavailable")

// TransportError is a network level failure: DNS, refused connection,
// timeout or a stream cut short. Partial holds whatever content was
// already delivered to the token callback.
type TransportError struct {
	Endpoint Endpoint
	URL      string
	Partial  string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s endpoint transport error: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrUnavailable }

// Timeout reports whether the attempt ran out of time
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// EndpointError is a non-success HTTP status. When returned from Complete
// after every attempt failed, Attempts lists each attempt's error in order.
type EndpointError struct {
	Endpoint   Endpoint
	StatusCode int
	Status     string
	Message    string
	Attempts   []error
}

func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("%s endpoint returned %s", e.Endpoint, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Attempts) > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", len(e.Attempts))
	}
	return msg
}

func (e *EndpointError) Unwrap() []error { return e.Attempts }

func (e *EndpointError) Is(target error) bool { return target == ErrUnavailable }

// EmptyResponseError is a successful status whose body held no content
type EmptyResponseError struct {
	Endpoint Endpoint
	Err      error
}

func (e *EmptyResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s endpoint returned no content: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s endpoint returned no content", e.Endpoint)
}

func (e *EmptyResponseError) Unwrap() error { return e.Err }

func (e *EmptyResponseError) Is(target error) bool { return target == ErrUnavailable }

// ParseError is a malformed NDJSON record. Stream reads log and skip it.
type ParseError struct {
	Endpoint Endpoint
	Line     int
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s stream line %d: %v", e.Endpoint, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PartialContent returns the content streamed before err interrupted the
// call, or "" when nothing was delivered
func PartialContent(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Partial
	}
	return ""
}

// exhausted folds the per-attempt errors into the error Complete returns:
// the last EndpointError seen, carrying every attempt, or the last error.
func exhausted(errs []error) error {
	var last *EndpointError
	for _, err := range errs {
		var ee *EndpointError
		if errors.As(err, &ee) {
			last = ee
		}
	}
	if last == nil {
		return errs[len(errs)-1]
	}
	agg := *last
	agg.Attempts = errs
	return &agg
}
