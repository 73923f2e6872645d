package core

import (
	errorsmod "cosmossdk.io/errors"
)

const codespace = "aggrelayer"

var (
	// ErrConfigInvalid is returned for malformed configuration or a
	// duplicate chain identity. Fatal to the triggering command.
	ErrConfigInvalid = errorsmod.Register(codespace, 2, "invalid configuration")

	// ErrChainNotRegistered is returned when an operation references a
	// chain unknown to the registry. Fatal to the triggering command.
	ErrChainNotRegistered = errorsmod.Register(codespace, 3, "chain not registered")

	// ErrInvalidInitialState is returned by CreateClient when the initial
	// header fails its self-consistency check.
	ErrInvalidInitialState = errorsmod.Register(codespace, 4, "invalid initial client state")

	// ErrVerificationFailed is returned by UpdateClient and VerifyProof
	// when verification against the trusted state fails. The client is
	// left unchanged and the caller may retry with a fresher header.
	ErrVerificationFailed = errorsmod.Register(codespace, 5, "verification failed")

	// ErrHeightNotAvailable is returned by VerifyProof when the requested
	// height exceeds the client's trusted height or no consensus state is
	// recorded at it.
	ErrHeightNotAvailable = errorsmod.Register(codespace, 6, "height not available")

	// ErrInvalidHandshakeState is returned when a handshake step is
	// attempted on an end that is not in the required preceding state.
	ErrInvalidHandshakeState = errorsmod.Register(codespace, 7, "invalid handshake state")

	// ErrHandshakeVerificationFailed is returned when a handshake step's
	// counterparty-state proof does not verify. The step is retryable once
	// a fresher client update is available.
	ErrHandshakeVerificationFailed = errorsmod.Register(codespace, 8, "handshake verification failed")

	// ErrConfigMismatch is returned when channel ordering or version
	// negotiation fails. Terminal for the handshake.
	ErrConfigMismatch = errorsmod.Register(codespace, 9, "channel configuration mismatch")

	// ErrSubmissionFailed wraps worker submission failures. Use
	// RetryableSubmission/PermanentSubmission to classify.
	ErrSubmissionFailed = errorsmod.Register(codespace, 10, "submission failed")

	// errSubmissionPermanent marks a submission failure that must not be
	// retried (e.g. channel CLOSED).
	errSubmissionPermanent = errorsmod.Register(codespace, 11, "permanent submission failure")
)

// RetryableSubmission classifies err as a submission failure that may be
// retried by the scheduler.
func RetryableSubmission(err error) error {
	return ErrSubmissionFailed.Wrap(err.Error())
}

// PermanentSubmission classifies err as a submission failure that must be
// surfaced immediately without retry.
func PermanentSubmission(err error) error {
	return errSubmissionPermanent.Wrap(err.Error())
}

// IsPermanentSubmission reports whether err carries the permanent
// classification.
func IsPermanentSubmission(err error) bool {
	return errorsmod.IsOf(err, errSubmissionPermanent)
}
