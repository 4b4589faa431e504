package ota

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies an agent outcome. Zero is success; codes at or above
// CodeExiting are informational.
type Code int

const (
	CodeSuccess Code = iota
	CodeUnsupported
	CodeGeneral
	CodeBadArg
	CodeOutOfMemory
	CodeAlreadyStarted
	CodeConfiguration
	CodeOpenStorage
	CodeReadStorage
	CodeWriteStorage
	CodeCloseStorage
	CodeConnect
	CodeDisconnect
	CodeRedirect
	CodeServerDropped
	CodeSubscribe
	CodePublish
	CodeGetJob
	CodeGetData
	CodeNotAHeader
	CodeNotAJobDoc
	CodeMalformedJobDoc
	CodeWrongBoard
	CodeInvalidVersion
	CodeVerify
	CodeSendingResult
	CodeAppReturnedStop
	CodeAppFailed
	CodeAppExceededRetries
	CodeTransportUnsupported
	CodeIncomplete
	CodeSizeMismatch
	CodeOutOfSpace
	CodeTimeout
	CodeDuplicateChunk
	CodeReentrant

	// Informational.
	CodeExiting
	CodeAlreadyConnected
	CodeChangingServer
	CodeUseJobFlow
	CodeUseDirectFlow
	CodeNoUpdateAvailable

	numCodes
)

var codeStrings = [numCodes]string{
	CodeSuccess:              "no error",
	CodeUnsupported:          "unsupported feature",
	CodeGeneral:              "unspecified error",
	CodeBadArg:               "bad arguments",
	CodeOutOfMemory:          "out of memory",
	CodeAlreadyStarted:       "agent already started",
	CodeConfiguration:        "invalid configuration",
	CodeOpenStorage:          "opening local storage",
	CodeReadStorage:          "reading local storage",
	CodeWriteStorage:         "writing to local storage",
	CodeCloseStorage:         "closing local storage",
	CodeConnect:              "connecting",
	CodeDisconnect:           "disconnecting",
	CodeRedirect:             "redirection was bad",
	CodeServerDropped:        "server dropped connection",
	CodeSubscribe:            "subscribe failed",
	CodePublish:              "publish failed",
	CodeGetJob:               "downloading job",
	CodeGetData:              "downloading data",
	CodeNotAHeader:           "packet does not have proper header",
	CodeNotAJobDoc:           "packet not a job document",
	CodeMalformedJobDoc:      "job document malformed",
	CodeWrongBoard:           "job for different board",
	CodeInvalidVersion:       "job has invalid version",
	CodeVerify:               "image verification failure",
	CodeSendingResult:        "sending result",
	CodeAppReturnedStop:      "application callback stopped update",
	CodeAppFailed:            "application callback failed update",
	CodeAppExceededRetries:   "exceeded retries",
	CodeTransportUnsupported: "transport unsupported",
	CodeIncomplete:           "image incomplete",
	CodeSizeMismatch:         "chunk size mismatch",
	CodeOutOfSpace:           "out of space",
	CodeTimeout:              "timed out",
	CodeDuplicateChunk:       "duplicate chunk",
	CodeReentrant:            "re-entrant call from callback",
	CodeExiting:              "agent exiting",
	CodeAlreadyConnected:     "already connected",
	CodeChangingServer:       "changing server connection",
	CodeUseJobFlow:           "use job download flow",
	CodeUseDirectFlow:        "use direct download flow",
	CodeNoUpdateAvailable:    "no update available",
}

func (c Code) String() string {
	if c < 0 || c >= numCodes {
		return fmt.Sprintf("code(%d)", int(c))
	}
	return codeStrings[c]
}

// Informational reports whether c describes a condition rather than a failure.
func (c Code) Informational() bool {
	return c >= CodeExiting && c < numCodes
}

// Kind is the coarse classification of a failure. Only the retry policy
// decides what to do with a kind.
type Kind int

const (
	KindNone Kind = iota
	KindTransportConnect
	KindTransportTimeout
	KindChunkSizeMismatch
	KindDuplicateChunk
	KindStorageWrite
	KindVerification
	KindConfiguration
	KindUserStop
	// KindRejected covers job documents and images the device must not take:
	// wrong board, older version, malformed document.
	KindRejected
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransportConnect:
		return "transport-connect-failure"
	case KindTransportTimeout:
		return "transport-timeout"
	case KindChunkSizeMismatch:
		return "chunk-size-mismatch"
	case KindDuplicateChunk:
		return "duplicate-chunk"
	case KindStorageWrite:
		return "storage-write-failure"
	case KindVerification:
		return "verification-failure"
	case KindConfiguration:
		return "configuration-error"
	case KindUserStop:
		return "user-stop"
	case KindRejected:
		return "rejected"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kind classifies c.
func (c Code) Kind() Kind {
	switch c {
	case CodeSuccess:
		return KindNone
	case CodeConnect, CodeServerDropped, CodeSubscribe, CodePublish, CodeGetJob, CodeGetData,
		CodeSendingResult, CodeDisconnect, CodeRedirect:
		return KindTransportConnect
	case CodeTimeout:
		return KindTransportTimeout
	case CodeSizeMismatch:
		return KindChunkSizeMismatch
	case CodeDuplicateChunk:
		return KindDuplicateChunk
	case CodeOpenStorage, CodeReadStorage, CodeWriteStorage, CodeCloseStorage, CodeOutOfSpace, CodeIncomplete:
		return KindStorageWrite
	case CodeVerify:
		return KindVerification
	case CodeConfiguration, CodeBadArg, CodeTransportUnsupported, CodeUnsupported:
		return KindConfiguration
	case CodeAppReturnedStop, CodeExiting:
		return KindUserStop
	case CodeNotAHeader, CodeNotAJobDoc, CodeMalformedJobDoc, CodeWrongBoard, CodeInvalidVersion, CodeAppFailed:
		return KindRejected
	}
	if c.Informational() {
		return KindNone
	}
	return KindInternal
}

// Error is an agent failure carrying its code and the operation that raised
// it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// NewError wraps err, which may be nil, with a code and operation.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds an Error from a formatted message.
func Errorf(code Code, op string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: errors.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Cause supports errors.Cause.
func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf digs the first Error out of err's chain. A nil error is success and
// an error without a code is CodeGeneral.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		switch wrapped := err.(type) {
		case interface{ Unwrap() error }:
			err = wrapped.Unwrap()
		case interface{ Cause() error }:
			err = wrapped.Cause()
		default:
			err = nil
		}
	}
	return CodeGeneral
}

// KindOf classifies err.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}
