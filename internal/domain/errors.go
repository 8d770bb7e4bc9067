package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies how an interaction failed. The kind string is stored
// verbatim in the interaction's error column.
type ErrorKind string

const (
	// ErrClientMalformed is an unreadable client request; answered 400 and
	// never recorded.
	ErrClientMalformed ErrorKind = "client_malformed"

	// ErrUpstreamConnect is a failure to open the upstream connection.
	ErrUpstreamConnect ErrorKind = "upstream_connect"

	// ErrUpstreamTimeout is an upstream connect or idle timeout.
	ErrUpstreamTimeout ErrorKind = "upstream_timeout"

	// ErrUpstreamProtocol is bad framing from the provider.
	ErrUpstreamProtocol ErrorKind = "upstream_protocol"

	// ErrClientDisconnect is the client going away mid-exchange.
	ErrClientDisconnect ErrorKind = "client_disconnect"

	// ErrParserMalformedFrame marks an undecodable stream frame. Never
	// fatal: the frame is recorded as a malformed chunk and forwarding
	// continues.
	ErrParserMalformedFrame ErrorKind = "parser_malformed_frame"

	// ErrStoreWrite is a persistence failure; logged, never surfaced.
	ErrStoreWrite ErrorKind = "store_write"

	// ErrShutdown is an interaction cut short by server shutdown.
	ErrShutdown ErrorKind = "shutdown"
)

// ProxyError pairs an error kind with its cause.
type ProxyError struct {
	Kind  ErrorKind
	Cause error
}

func (e *ProxyError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *ProxyError) Unwrap() error { return e.Cause }

// NewProxyError wraps cause with an error kind.
func NewProxyError(kind ErrorKind, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Cause: cause}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// StatusFor maps an error kind to the HTTP status synthesized downstream.
func StatusFor(kind ErrorKind) int {
	switch kind {
	case ErrClientMalformed:
		return http.StatusBadRequest
	case ErrUpstreamConnect, ErrUpstreamProtocol:
		return http.StatusBadGateway
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
