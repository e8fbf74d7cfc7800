package credentialexchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

var (
	ErrUnableToValidate = errors.New("unable to validate credentials")
)

// CallerIdentityApi is satisfied by *sts.Client
type CallerIdentityApi interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerIdentity asks STS who the given credentials belong to
func CallerIdentity(ctx context.Context, creds *Credentials, svc CallerIdentityApi) (*sts.GetCallerIdentityOutput, error) {
	if creds == nil {
		return nil, fmt.Errorf("no credentials, %w", ErrUnableToValidate)
	}
	out, err := callerIdentity(ctx, creds, svc)
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrUnableToValidate)
	}
	return out, nil
}

func callerIdentity(ctx context.Context, creds *Credentials, svc CallerIdentityApi) (*sts.GetCallerIdentityOutput, error) {
	return svc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(creds.AccessKeyId, creds.SecretKey, creds.SessionToken)
	})
}

// IsValid checks that the credentials are not about to expire and are
// still accepted by AWS. Expired or revoked credentials are not an error.
func IsValid(ctx context.Context, creds *Credentials, reloadBeforeTime int, svc CallerIdentityApi) (bool, error) {
	if creds == nil {
		return false, nil
	}

	if creds.Expiration != nil && ReloadBeforeExpiry(*creds.Expiration, reloadBeforeTime) {
		return false, nil
	}

	if _, err := callerIdentity(ctx, creds, svc); err != nil {
		var oe smithy.APIError
		if errors.As(err, &oe) {
			if oe.ErrorCode() == "ExpiredToken" || oe.ErrorCode() == "InvalidClientTokenId" {
				return false, nil
			}
		}
		return false, fmt.Errorf("%s, %w", err, ErrUnableToValidate)
	}

	return true, nil
}
