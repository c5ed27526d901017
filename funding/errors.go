package funding

import (
	"context"
	"errors"
	"fmt"

	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/lndconn"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/chanvault/chanvault/wallet"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrWrongRequestType is returned when an operation is called on a
	// request of another type.
	ErrWrongRequestType = errors.New("wrong request type")

	// ErrSelfChannel is returned when opening a channel from a node to
	// itself.
	ErrSelfChannel = errors.New("source and destination node are equal")

	// ErrNodeNotFound is returned for unknown nodes.
	ErrNodeNotFound = errors.New("node not found")

	// ErrUnknownPubKey is returned if the identity of the destination
	// node was never learned.
	ErrUnknownPubKey = errors.New("node identity key unknown")

	// ErrChannelTooSmall is returned for channels below lnd's minimum.
	ErrChannelTooSmall = errors.New("channel amount below minimum")

	// ErrChannelNotFound is returned when closing an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrWrongState is returned when an operation doesn't apply to the
	// request's current state.
	ErrWrongState = errors.New("request in wrong state")

	// ErrEnoughSignatures is returned for co-signer submissions beyond
	// the wallet's threshold.
	ErrEnoughSignatures = errors.New("request has enough co-signer " +
		"signatures")

	// ErrFundingAmountMismatch is returned if lnd asks for a different
	// funding amount than requested.
	ErrFundingAmountMismatch = errors.New("funding amount mismatch")

	// ErrPsbtRejected is returned if the node refuses the funding
	// transaction in the verify or finalize step.
	ErrPsbtRejected = errors.New("node rejected funding psbt")

	// ErrRequestCancelled is the cancellation cause of a cancelled job.
	ErrRequestCancelled = errors.New("request cancelled")
)

// errorClass drives how the job runner reacts to an error.
type errorClass uint8

const (
	// classTransient errors are retried with backoff.
	classTransient errorClass = iota

	// classValidation errors reject the request.
	classValidation

	// classResource errors reject the request with the reason.
	classResource

	// classIntegrity errors fail the request.
	classIntegrity
)

var (
	validationErrors = []error{
		ErrInvalidRequest,
		ErrWrongRequestType,
		ErrSelfChannel,
		ErrNodeNotFound,
		ErrUnknownPubKey,
		ErrChannelTooSmall,
		ErrChannelNotFound,
		custodydb.ErrNotFound,
		lndconn.ErrNoCredentials,
		wallet.ErrInvalidWallet,
		coinselect.ErrInvalidTarget,
		coinselect.ErrUnknownOutpoint,
		coinselect.ErrOutpointFrozen,
		coinselect.ErrNoOutpoints,
	}

	resourceErrors = []error{
		coinselect.ErrNoUTXOsAvailable,
		coinselect.ErrOutpointReserved,
		psbtcoord.ErrNotSynced,
	}

	integrityErrors = []error{
		ErrFundingAmountMismatch,
		ErrPsbtRejected,
		psbtcoord.ErrNoHumanPSBTs,
		psbtcoord.ErrSigCountNotIncreased,
		psbtcoord.ErrHumanSigCount,
		psbtcoord.ErrPsbtMismatch,
		psbtcoord.ErrSanityCheck,
		psbtcoord.ErrNotFinalizable,
		psbtcoord.ErrScriptMismatch,
		psbtcoord.ErrInsufficientInputs,
		psbtcoord.ErrColdWallet,
		psbtcoord.ErrNotFinalized,
	}
)

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// classifyError maps an error to the reaction of the job runner.
// Everything that isn't known to be permanent is retried.
func classifyError(err error) errorClass {
	switch {
	case isAny(err, validationErrors):
		return classValidation

	case isAny(err, resourceErrors):
		return classResource

	case isAny(err, integrityErrors):
		return classIntegrity

	default:
		return classTransient
	}
}

// fundingStepError wraps the error of a PSBT funding step. Only
// connection and timeout errors are worth a retry, the node answers
// everything else the same way the next time.
func fundingStepError(err error) error {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {

		return err
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled,
		codes.ResourceExhausted, codes.Aborted:

		return err
	}

	return fmt.Errorf("%w: %w", ErrPsbtRejected, err)
}

// isShutdown reports whether err stems from the job's context being done
// for a reason other than a cancellation of the request.
func isShutdown(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}

	return !errors.Is(context.Cause(ctx), ErrRequestCancelled) &&
		(errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, ctx.Err()))
}
