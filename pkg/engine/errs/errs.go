// Package errs defines the engine's error kinds and cloud error
// classification.
package errs

import (
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
)

// Sentinel kinds. Callers branch with errors.Is.
var (
	// ErrTransientCloud marks retryable cloud API failures (throttling,
	// timeouts, 5xx).
	ErrTransientCloud = errors.New("transient cloud error")

	// ErrPermissionDenied marks a severed role or revoked grant. Account
	// teardown continues past it.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCorruptPayload marks an unparseable audit-log object. The message
	// is left unacked so it redelivers and eventually dead-letters.
	ErrCorruptPayload = errors.New("corrupt payload")

	// ErrInspectionEncrypted marks an image whose snapshot is encrypted;
	// inspection moves it to error with no retry.
	ErrInspectionEncrypted = errors.New("image snapshot is encrypted")

	// ErrAttemptsExhausted marks an image that exceeded the configured
	// inspection attempt cap.
	ErrAttemptsExhausted = errors.New("inspection attempts exhausted")
)

// NotFoundError marks a cloud resource that no longer exists. Terminal for
// that resource id; image references become unavailable stubs.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RunInvariantError reports a reconciliation that would violate a run
// invariant, e.g. an image change inside an open run. The transaction is
// aborted and stored runs are left unchanged.
type RunInvariantError struct {
	InstanceID string
	Reason     string
}

func (e *RunInvariantError) Error() string {
	return fmt.Sprintf("run invariant violated for instance %s: %s", e.InstanceID, e.Reason)
}

// ClassifyAWS maps an AWS SDK error onto an engine error kind, preserving
// the original via wrapping. Unrecognized errors pass through unchanged.
func ClassifyAWS(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded",
		"TooManyRequestsException", "ServiceUnavailable", "InternalError":
		return fmt.Errorf("%w: %v", ErrTransientCloud, err)
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
		"AuthFailure", "OptInRequired":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case "InvalidInstanceID.NotFound", "InvalidAMIID.NotFound",
		"InvalidAMIID.Unavailable", "TrailNotFoundException",
		"NoSuchBucket", "NoSuchKey":
		return &NotFoundError{Resource: "aws resource", ID: ae.ErrorCode()}
	}
	if ae.ErrorFault() == smithy.FaultServer {
		return fmt.Errorf("%w: %v", ErrTransientCloud, err)
	}
	return err
}

// ClassifyAzure maps an Azure SDK error onto an engine error kind.
func ClassifyAzure(err error) error {
	if err == nil {
		return nil
	}
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		return err
	}
	switch {
	case re.StatusCode == 404:
		return &NotFoundError{Resource: "azure resource", ID: re.ErrorCode}
	case re.StatusCode == 401 || re.StatusCode == 403:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case re.StatusCode == 429 || re.StatusCode >= 500:
		return fmt.Errorf("%w: %v", ErrTransientCloud, err)
	}
	return err
}
