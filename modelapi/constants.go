package modelapi

import (
	"errors"
	"fmt"
)

const (
	ASSISTANT = "assistant"
	SYSTEM    = "system"
	USER      = "user"
)

// ErrorKind classifies a failed generation call. The engine maps each kind
// to a user-facing message; AuthFailure is additionally surfaced to the ops
// status endpoint because it means a broken credential, not a hiccup.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindAuthFailure
	KindTransient
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAuthFailure:
		return "auth_failure"
	case KindTransient:
		return "transient"
	case KindMalformedResponse:
		return "malformed_response"
	}
	return "unknown"
}

type GenerationError struct {
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generation failed: %s", e.Kind)
	}
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *GenerationError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindMalformedResponse
}

// KindOf extracts the classification from any error returned by a
// generation client. Unclassified errors count as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransient
}
