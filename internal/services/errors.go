// Package services defines the business logic for notification requests and
// the processing pipeline. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrRequestNotFound indicates that the requested record does not exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrEmptyInput is returned when a request is created with an empty
	// user_input.
	ErrEmptyInput = errors.New("user input is empty")

	// ErrTooLong is returned when user_input exceeds the maximum configured
	// length limit.
	ErrTooLong = errors.New("user input too long")
)
