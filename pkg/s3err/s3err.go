// Package s3err defines the error kinds returned by the metadata engine and
// the HTTP status each one maps to.
package s3err

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an S3 error kind. Two errors are equal under errors.Is when their
// codes match, so a kind can carry a request specific message and still be
// compared against the package sentinels.
type Error struct {
	Code       string
	Message    string
	StatusCode int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func newError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, StatusCode: status}
}

var (
	ErrNoSuchBucket            = newError("NoSuchBucket", "The specified bucket does not exist", http.StatusNotFound)
	ErrNoSuchKey               = newError("NoSuchKey", "The specified key does not exist", http.StatusNotFound)
	ErrNoSuchVersion           = newError("NoSuchVersion", "The specified version does not exist", http.StatusNotFound)
	ErrNoSuchUpload            = newError("NoSuchUpload", "The specified upload does not exist", http.StatusNotFound)
	ErrInvalidPartOrder        = newError("InvalidPartOrder", "The list of parts was not in ascending order", http.StatusBadRequest)
	ErrInvalidPart             = newError("InvalidPart", "One or more of the specified parts could not be found", http.StatusBadRequest)
	ErrEntityTooSmall          = newError("EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size", http.StatusBadRequest)
	ErrEntityTooLarge          = newError("EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size", http.StatusBadRequest)
	ErrOperationAborted        = newError("OperationAborted", "A conflicting conditional operation is currently in progress against this resource. Please try again.", http.StatusConflict)
	ErrBucketNotEmpty          = newError("BucketNotEmpty", "The bucket you tried to delete is not empty", http.StatusConflict)
	ErrBucketAlreadyExists     = newError("BucketAlreadyExists", "The requested bucket name is not available", http.StatusConflict)
	ErrBucketAlreadyOwnedByYou = newError("BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it", http.StatusConflict)
	ErrInvalidBucketName       = newError("InvalidBucketName", "The specified bucket is not valid", http.StatusBadRequest)
	ErrInvalidArgument         = newError("InvalidArgument", "Invalid Argument", http.StatusBadRequest)
	ErrMalformedXML            = newError("MalformedXML", "The XML you provided was not well-formed", http.StatusBadRequest)
	ErrMethodNotAllowed        = newError("MethodNotAllowed", "The specified method is not allowed against this resource", http.StatusMethodNotAllowed)
	ErrAccessDenied            = newError("AccessDenied", "Access Denied", http.StatusForbidden)
	ErrBadDigest               = newError("BadDigest", "The Content-MD5 you specified did not match what we received", http.StatusBadRequest)
	ErrInvalidDigest           = newError("InvalidDigest", "The Content-MD5 you specified is not valid", http.StatusBadRequest)
	ErrIncompleteBody          = newError("IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header", http.StatusBadRequest)
	ErrNotImplemented          = newError("NotImplemented", "A header you provided implies functionality that is not implemented", http.StatusNotImplemented)
	ErrInternalError           = newError("InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
)

// Internal classifies err as an InternalError unless it already is an *Error.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	c := *ErrInternalError
	c.cause = err
	return &c
}

// From extracts the *Error carried by err, falling back to InternalError.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternalError
}
