package domain

import "errors"

var (
	// ErrNetworkFailure marks a request that was rejected by the transport, timed out,
	// or failed on the server side.
	ErrNetworkFailure = errors.New("network failure")
	// ErrChannelDisconnect marks a dropped event channel connection.
	ErrChannelDisconnect = errors.New("event channel disconnected")
	// ErrAuthorizationDenied is authoritative and must never be retried.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrMalformedPayload marks a response or event missing required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotFound         = errors.New("not found")
)
