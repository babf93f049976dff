package aws

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/teai-io/teai-backend/types"
)

var (
	ErrInstanceIDRequired = fmt.Errorf("instance ID is required")
	ErrNotOwner           = fmt.Errorf("instance not owned by user")
	ErrInvalidAction      = fmt.Errorf("invalid action")
	ErrInvalidPublicKey   = fmt.Errorf("invalid SSH public key")
	ErrInvalidDomain      = fmt.Errorf("invalid domain")
	ErrInvalidType        = fmt.Errorf("invalid instance type")
	ErrKeyNotFound        = fmt.Errorf("SSH key not found")
	ErrNoCredentials      = fmt.Errorf("AWS credentials not found")
	ErrCostAccessDenied   = fmt.Errorf("access to Cost Explorer denied")
	ErrInstanceNotStopped = fmt.Errorf("instance must be stopped to change SSH keys")
	ErrEmailRequired      = fmt.Errorf("an email address is required to create a member account")

	ErrCredentialLookup  = fmt.Errorf("failed to look up AWS credentials")
	ErrCredentialPersist = fmt.Errorf("failed to store AWS credentials")
	ErrIAMUserCreate     = fmt.Errorf("failed to create IAM user")
	ErrAccessKeyCreate   = fmt.Errorf("failed to create IAM access key")
	ErrAccessKeyNil      = fmt.Errorf("encountered no error creating access key, but the returned key was nil")
	ErrPolicyAttach      = fmt.Errorf("failed to attach IAM policy")
	ErrInstanceCreate    = fmt.Errorf("failed to create EC2 instance")
	ErrInstanceDescribe  = fmt.Errorf("failed to describe EC2 instances")
	ErrInstanceStart     = fmt.Errorf("failed to start EC2 instance")
	ErrInstanceStop      = fmt.Errorf("failed to stop EC2 instance")
	ErrInstanceTerminate = fmt.Errorf("failed to terminate EC2 instance")
	ErrInstanceModify    = fmt.Errorf("failed to modify EC2 instance")
	ErrInstanceStopWait  = fmt.Errorf("timed out waiting for EC2 instance to stop")
	ErrTagsCreate        = fmt.Errorf("failed to update instance tags")
	ErrUserDataUpdate    = fmt.Errorf("failed to update instance user data")
	ErrKeyStore          = fmt.Errorf("failed to store SSH keys")
	ErrOrganization      = fmt.Errorf("failed to set up AWS organization")
	ErrAccountCreate     = fmt.Errorf("failed to create member account")
	ErrAccountCreateWait = fmt.Errorf("member account creation did not finish")
	ErrCostQuery         = fmt.Errorf("failed to query AWS costs")
	ErrCallerIdentity    = fmt.Errorf("failed to get caller identity")
)

// apiErrorCode returns the AWS error code of err, or "".
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// toAPIError maps package errors to HTTP responses.
func toAPIError(err error) error {
	var apiErr *types.APIError
	if errors.As(err, &apiErr) {
		return err
	}

	var status int
	switch {
	case errors.Is(err, ErrInstanceIDRequired),
		errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrInvalidPublicKey),
		errors.Is(err, ErrInvalidDomain),
		errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrEmailRequired):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrCostAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrNoCredentials):
		status = http.StatusNotFound
	case errors.Is(err, ErrInstanceNotStopped):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	return types.NewAPIError(status, message(err), err)
}

// message is the outermost sentinel text, or the error itself for
// upstream failures so clients see the AWS message.
func message(err error) string {
	var wrapped interface{ Unwrap() []error }
	if errors.As(err, &wrapped) {
		if errs := wrapped.Unwrap(); len(errs) == 2 {
			return errs[0].Error() + ": " + upstreamMessage(errs[1])
		}
	}
	return err.Error()
}

func upstreamMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}
