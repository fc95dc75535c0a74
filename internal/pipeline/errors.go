package pipeline

import (
	"errors"
	"fmt"
)

// FailureKind classifies what killed a run. There are no automatic
// retries: every kind is fatal to the current run and requires a new
// invocation (or manual intervention, for PromotionTimeout).
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureBuild            FailureKind = "BuildFailure"
	FailurePublishAuth      FailureKind = "PublishAuthFailure"
	FailureManifestField    FailureKind = "ManifestFieldNotFound"
	FailureManifestConflict FailureKind = "ManifestWriteConflict"
	FailureRolloutTimeout   FailureKind = "RolloutTimeout"
	FailureApprovalTimeout  FailureKind = "ApprovalTimeout"
	FailureApprovalRejected FailureKind = "ApprovalRejected"
	FailurePromotionTimeout FailureKind = "PromotionTimeout"
	FailurePromotionCmd     FailureKind = "PromotionCommandFailure"
)

// Error wraps a stage error with its classification.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failed(kind FailureKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) FailureKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureNone
}
