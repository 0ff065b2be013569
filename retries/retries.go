package retries

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 50 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 100 * time.Millisecond

	maxDelay = 2 * time.Second
)

// Retry runs fn up to attempts times with exponential backoff starting at baseDelay.
// Errors for which isRetriable returns false stop the loop and are returned as is.
func Retry(
	ctx context.Context,
	attempts int,
	baseDelay time.Duration,
	fn func() error,
	isRetriable func(error) bool,
) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

var retriableAPICodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
	"TransactionConflictException":           {},
	"SlowDown":                               {},
}

var rejectedAPICodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"TransactionConflictException":           {},
}

// IsRetriableConditionalWrite is the policy for conditional writes. Only errors
// where the table refused the request before applying it are retried; server
// and transport failures leave the outcome unknown.
func IsRetriableConditionalWrite(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := rejectedAPICodes[apiErr.ErrorCode()]
	return ok
}

// IsRetriableDbError classifies session store failures. Domain sentinels and
// conditional write failures are final; throttling and transport errors are not.
func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, apperror.ErrSessionNotFound) ||
		errors.Is(err, apperror.ErrSessionExists) ||
		errors.Is(err, apperror.ErrVersionConflict) {
		return false
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := retriableAPICodes[apiErr.ErrorCode()]
		return ok
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
