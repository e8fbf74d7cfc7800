package credentialexchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

var (
	ErrTransport         = errors.New("unable to reach the identity federation service")
	ErrUnexpectedStatus  = errors.New("identity federation service returned an error status")
	ErrMalformedResponse = errors.New("identity federation service returned a malformed response")
)

// FederationApi is the subset of the Cognito identity API used to obtain
// anonymous credentials. *cognitoidentity.Client satisfies it.
type FederationApi interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

// Identity is the anonymous identity issued by the pool.
// It is requested again for every refresh.
type Identity struct {
	IdentityId string
}

// FederationClient exchanges an identity pool id for temporary credentials.
// It never retries, failures are returned to the caller as is.
type FederationClient struct {
	svc    FederationApi
	poolId string
	log    logrus.FieldLogger
}

func NewFederationClient(svc FederationApi, poolId string, log logrus.FieldLogger) *FederationClient {
	if log == nil {
		log = discardLogger()
	}
	return &FederationClient{
		svc:    svc,
		poolId: poolId,
		log:    log.WithField("pool", poolId),
	}
}

// NewCognitoApi builds an unauthenticated Cognito identity client for the
// configured region. Automatic retries are disabled.
func NewCognitoApi(ctx context.Context, conf CredentialConfig, httpClient *http.Client) (*cognitoidentity.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(conf.Region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if httpClient != nil {
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %s, %w", err, ErrTransport)
	}

	return cognitoidentity.NewFromConfig(cfg, func(o *cognitoidentity.Options) {
		if conf.FederationEndpoint != "" {
			o.BaseEndpoint = aws.String(conf.FederationEndpoint)
		}
	}), nil
}

// FetchIdentity exchanges the pool id for an identity id
func (f *FederationClient) FetchIdentity(ctx context.Context, poolId string) (*Identity, error) {
	out, err := f.svc.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(poolId),
	})
	if err != nil {
		return nil, classifyFederationErr("GetId", err)
	}
	if out == nil || aws.ToString(out.IdentityId) == "" {
		return nil, fmt.Errorf("GetId: missing IdentityId, %w", ErrMalformedResponse)
	}
	f.log.WithField("identity", aws.ToString(out.IdentityId)).Debug("retrieved anonymous identity")
	return &Identity{IdentityId: aws.ToString(out.IdentityId)}, nil
}

// FetchCredentials exchanges an identity for a set of temporary credentials
func (f *FederationClient) FetchCredentials(ctx context.Context, identity *Identity) (*Credentials, error) {
	if identity == nil || identity.IdentityId == "" {
		return nil, fmt.Errorf("GetCredentialsForIdentity: empty identity, %w", ErrMalformedResponse)
	}
	out, err := f.svc.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: aws.String(identity.IdentityId),
	})
	if err != nil {
		return nil, classifyFederationErr("GetCredentialsForIdentity", err)
	}
	if out == nil || out.Credentials == nil {
		return nil, fmt.Errorf("GetCredentialsForIdentity: missing Credentials, %w", ErrMalformedResponse)
	}
	c := out.Credentials
	if aws.ToString(c.AccessKeyId) == "" {
		return nil, fmt.Errorf("GetCredentialsForIdentity: missing AccessKeyId, %w", ErrMalformedResponse)
	}
	if aws.ToString(c.SecretKey) == "" {
		return nil, fmt.Errorf("GetCredentialsForIdentity: missing SecretKey, %w", ErrMalformedResponse)
	}

	creds := &Credentials{
		AccessKeyId:  aws.ToString(c.AccessKeyId),
		SecretKey:    aws.ToString(c.SecretKey),
		SessionToken: aws.ToString(c.SessionToken),
	}
	if c.Expiration != nil {
		exp := *c.Expiration
		creds.Expiration = &exp
	}
	f.log.WithField("expiration", creds.Expiration).Debug("acquired new temporary credentials")
	return creds, nil
}

// FetchNewCredentials runs the full two step exchange for the configured pool
func (f *FederationClient) FetchNewCredentials(ctx context.Context) (*Credentials, error) {
	identity, err := f.FetchIdentity(ctx, f.poolId)
	if err != nil {
		return nil, err
	}
	return f.FetchCredentials(ctx, identity)
}

func classifyFederationErr(op string, err error) error {
	var respErr *awshttp.ResponseError
	hasResp := errors.As(err, &respErr)
	if hasResp && (respErr.HTTPStatusCode() < 200 || respErr.HTTPStatusCode() > 299) {
		code := "Unknown"
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.ErrorCode()
		}
		return fmt.Errorf("%s returned status %d (%s): %s, %w", op, respErr.HTTPStatusCode(), code, err, ErrUnexpectedStatus)
	}
	// a 2xx that could not be decoded
	var deserErr *smithy.DeserializationError
	if hasResp || errors.As(err, &deserErr) {
		return fmt.Errorf("%s: %s, %w", op, err, ErrMalformedResponse)
	}
	return fmt.Errorf("%s: %s, %w", op, err, ErrTransport)
}
